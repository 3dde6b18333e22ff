// Package instagram implements the bot contracts against the
// platform's private web API. One Client is shared process-wide for
// configuration; every successful login produces a private Instance
// with its own cookie jar.
package instagram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/txn2/dm-dispatch/pkg/bot"
)

const (
	defaultBaseURL   = "https://www.instagram.com"
	defaultUserAgent = "dm-dispatch/1.0"
	defaultTimeout   = 30 * time.Second

	loginPath     = "/api/v1/web/accounts/login/ajax/"
	logoutPath    = "/api/v1/web/accounts/logout/ajax/"
	userInfoPath  = "/api/v1/users/web_profile_info/"
	broadcastPath = "/api/v1/direct_v2/threads/broadcast/text/"
)

// Config configures the web API client.
type Config struct {
	// BaseURL overrides the platform endpoint, primarily for tests.
	BaseURL string

	// UserAgent is sent on every request.
	UserAgent string

	// Timeout bounds each individual HTTP request, not a whole batch.
	Timeout time.Duration
}

// Client dials authenticated instances. It implements bot.Authenticator.
type Client struct {
	baseURL   string
	userAgent string
	timeout   time.Duration
}

// NewClient creates a client with defaults applied for zero fields.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
	}
}

// loginResponse is the subset of the login reply the client inspects.
type loginResponse struct {
	Authenticated bool   `json:"authenticated"`
	Status        string `json:"status"`
	Message       string `json:"message"`
	ErrorType     string `json:"error_type"`
}

// Login authenticates and returns an instance owning a fresh cookie jar.
func (c *Client) Login(ctx context.Context, creds bot.Credentials) (bot.Instance, error) {
	if creds.Username == "" || creds.Password == "" {
		return nil, fmt.Errorf("login %q: %w", creds.Username, bot.ErrInvalidCredentials)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	inst := &instance{
		client: c,
		owner:  creds.Username,
		http:   &http.Client{Jar: jar, Timeout: c.timeout},
	}

	form := url.Values{}
	form.Set("username", creds.Username)
	form.Set("enc_password", creds.Password)

	status, body, err := inst.postForm(ctx, loginPath, form)
	if err != nil {
		return nil, fmt.Errorf("login %q: %w", creds.Username, err)
	}

	var lr loginResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, fmt.Errorf("login %q: decoding response: %w", creds.Username, err)
	}

	switch {
	case status == http.StatusTooManyRequests || lr.Status == "fail" && lr.Message == "rate_limited":
		return nil, fmt.Errorf("login %q: %w", creds.Username, bot.ErrRateLimited)
	case lr.ErrorType == "checkpoint_challenge_required" || lr.Message == "challenge_required":
		return nil, fmt.Errorf("login %q: %w", creds.Username, bot.ErrChallengeRequired)
	case status == http.StatusUnauthorized || !lr.Authenticated:
		return nil, fmt.Errorf("login %q: %w", creds.Username, bot.ErrInvalidCredentials)
	case status != http.StatusOK:
		return nil, fmt.Errorf("login %q: unexpected status %d", creds.Username, status)
	}

	slog.Info("instagram: logged in", "username", creds.Username)
	return inst, nil
}

// instance is one authenticated account handle. Its cookie jar carries
// the platform session; nothing is shared with other instances.
type instance struct {
	client *Client
	owner  string
	http   *http.Client
}

// Owner returns the authenticated username.
func (i *instance) Owner() string { return i.owner }

// userInfoResponse carries the numeric user id for a username.
type userInfoResponse struct {
	Data struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	} `json:"data"`
}

// lookupUserID resolves a username to the platform's numeric id.
func (i *instance) lookupUserID(ctx context.Context, username string) (string, error) {
	q := url.Values{}
	q.Set("username", username)

	status, body, err := i.get(ctx, userInfoPath+"?"+q.Encode())
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", fmt.Errorf("user %q not found", username)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("user lookup %q: unexpected status %d", username, status)
	}

	var ur userInfoResponse
	if err := json.Unmarshal(body, &ur); err != nil {
		return "", fmt.Errorf("user lookup %q: decoding response: %w", username, err)
	}
	if ur.Data.User.ID == "" {
		return "", fmt.Errorf("user %q not found", username)
	}
	return ur.Data.User.ID, nil
}

// sendOne delivers text to a single target.
func (i *instance) sendOne(ctx context.Context, target, text string) error {
	userID, err := i.lookupUserID(ctx, target)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("recipient_users", fmt.Sprintf("[[%s]]", userID))
	form.Set("text", text)

	status, _, err := i.postForm(ctx, broadcastPath, form)
	if err != nil {
		return err
	}
	if status == http.StatusTooManyRequests {
		return bot.ErrRateLimited
	}
	if status != http.StatusOK {
		return fmt.Errorf("direct send: unexpected status %d", status)
	}
	return nil
}

// SendMessages delivers text to each target in order with randomized
// pauses between consecutive targets. A canceled context marks the
// remaining targets failed without contacting the platform.
func (i *instance) SendMessages(ctx context.Context, targets []string, text string, delay bot.DelayPolicy) []bot.SendResult {
	results := make([]bot.SendResult, 0, len(targets))
	canceled := false

	for n, target := range targets {
		if canceled || ctx.Err() != nil {
			canceled = true
			results = append(results, bot.SendResult{Target: target, Error: "send canceled"})
			continue
		}

		slog.Info("instagram: sending message",
			"owner", i.owner, "target", target, "progress", fmt.Sprintf("%d/%d", n+1, len(targets)))

		if err := i.sendOne(ctx, target, text); err != nil {
			slog.Error("instagram: send failed", "owner", i.owner, "target", target, "error", err)
			results = append(results, bot.SendResult{Target: target, Error: err.Error()})
		} else {
			results = append(results, bot.SendResult{Target: target, Delivered: true})
		}

		// Pause before the next target, never after the last.
		if n < len(targets)-1 {
			if !delay.Sleep(ctx) {
				canceled = true
			}
		}
	}
	return results
}

// Release logs the account out. Best-effort.
func (i *instance) Release(ctx context.Context) error {
	status, _, err := i.postForm(ctx, logoutPath, url.Values{})
	if err != nil {
		return fmt.Errorf("logout %q: %w", i.owner, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("logout %q: unexpected status %d", i.owner, status)
	}
	slog.Info("instagram: logged out", "username", i.owner)
	return nil
}

func (i *instance) postForm(ctx context.Context, path string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		i.client.baseURL+path, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return i.do(req)
}

func (i *instance) get(ctx context.Context, pathAndQuery string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.client.baseURL+pathAndQuery, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	return i.do(req)
}

func (i *instance) do(req *http.Request) (int, []byte, error) {
	req.Header.Set("User-Agent", i.client.userAgent)

	resp, err := i.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// Verify interface compliance.
var _ bot.Authenticator = (*Client)(nil)
var _ bot.Instance = (*instance)(nil)
