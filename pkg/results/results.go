// Package results persists batch send outcomes to disk and parses
// uploaded target lists. One latest-results file is kept per owner.
package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/txn2/dm-dispatch/pkg/bot"
)

// Batch is the recorded outcome of one send-messages call.
type Batch struct {
	JobID      string           `json:"job_id"`
	Timestamp  time.Time        `json:"timestamp"`
	Message    string           `json:"message"`
	TotalUsers int              `json:"total_users"`
	Successful int              `json:"successful"`
	Failed     int              `json:"failed"`
	Results    []bot.SendResult `json:"results"`
}

// FileStore writes one JSON results file per owner under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating results directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save replaces the owner's latest results. The write goes through a
// temp file and rename so readers never see a torn file.
func (s *FileStore) Save(owner string, batch Batch) error {
	data, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}

	final := s.path(owner)
	tmp, err := os.CreateTemp(s.dir, "results-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp results file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing results: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("closing results file: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replacing results file: %w", err)
	}
	return nil
}

// Load returns the owner's latest results, or nil when none exist.
func (s *FileStore) Load(owner string) (*Batch, error) {
	data, err := os.ReadFile(s.path(owner))
	if os.IsNotExist(err) {
		return nil, nil //nolint:nilnil // absent results are not an error
	}
	if err != nil {
		return nil, fmt.Errorf("reading results: %w", err)
	}

	var batch Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("decoding results: %w", err)
	}
	return &batch, nil
}

// path sanitizes the owner into a filename. Owners are platform
// usernames, but never trust them as path components.
func (s *FileStore) path(owner string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, owner)
	return filepath.Join(s.dir, "results_"+safe+".json")
}

// ParseTargets extracts usernames from uploaded text, one per line.
// Blank lines and lines starting with '#' are skipped.
func ParseTargets(text string) []string {
	var targets []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		targets = append(targets, line)
	}
	return targets
}
