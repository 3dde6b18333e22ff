package instagram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/dm-dispatch/pkg/bot"
)

const (
	igTestUser = "alice"
	igTestPass = "hunter2"
)

func igTestCreds() bot.Credentials {
	return bot.Credentials{Username: igTestUser, Password: igTestPass}
}

// fakePlatform is an httptest server speaking just enough of the web API.
type fakePlatform struct {
	*httptest.Server

	logins     atomic.Int64
	logouts    atomic.Int64
	broadcasts atomic.Int64

	loginStatus int
	loginBody   map[string]any

	unknownUsers map[string]bool
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()
	f := &fakePlatform{
		loginStatus:  http.StatusOK,
		loginBody:    map[string]any{"authenticated": true, "status": "ok"},
		unknownUsers: make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, func(w http.ResponseWriter, r *http.Request) {
		f.logins.Add(1)
		_ = r.ParseForm()
		w.WriteHeader(f.loginStatus)
		_ = json.NewEncoder(w).Encode(f.loginBody)
	})
	mux.HandleFunc(logoutPath, func(w http.ResponseWriter, _ *http.Request) {
		f.logouts.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(userInfoPath, func(w http.ResponseWriter, r *http.Request) {
		username := r.URL.Query().Get("username")
		if f.unknownUsers[username] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = fmt.Fprintf(w, `{"data":{"user":{"id":"id-%s"}}}`, username)
	})
	mux.HandleFunc(broadcastPath, func(w http.ResponseWriter, _ *http.Request) {
		f.broadcasts.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

func newTestClient(f *fakePlatform) *Client {
	return NewClient(Config{BaseURL: f.URL, Timeout: 5 * time.Second})
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Config{})
	assert.Equal(t, defaultBaseURL, c.baseURL)
	assert.Equal(t, defaultUserAgent, c.userAgent)
	assert.Equal(t, defaultTimeout, c.timeout)
}

func TestClient_Login(t *testing.T) {
	f := newFakePlatform(t)
	c := newTestClient(f)

	inst, err := c.Login(context.Background(), igTestCreds())
	require.NoError(t, err)
	assert.Equal(t, igTestUser, inst.Owner())
	assert.Equal(t, int64(1), f.logins.Load())
}

func TestClient_LoginMissingCredentials(t *testing.T) {
	f := newFakePlatform(t)
	c := newTestClient(f)
	ctx := context.Background()

	_, err := c.Login(ctx, bot.Credentials{Username: igTestUser})
	assert.ErrorIs(t, err, bot.ErrInvalidCredentials)

	_, err = c.Login(ctx, bot.Credentials{Password: igTestPass})
	assert.ErrorIs(t, err, bot.ErrInvalidCredentials)

	assert.Zero(t, f.logins.Load(), "no request without full credentials")
}

func TestClient_LoginRejected(t *testing.T) {
	f := newFakePlatform(t)
	f.loginBody = map[string]any{"authenticated": false, "status": "fail"}
	c := newTestClient(f)

	_, err := c.Login(context.Background(), igTestCreds())
	assert.ErrorIs(t, err, bot.ErrInvalidCredentials)
}

func TestClient_LoginChallenge(t *testing.T) {
	f := newFakePlatform(t)
	f.loginBody = map[string]any{
		"authenticated": false,
		"status":        "fail",
		"error_type":    "checkpoint_challenge_required",
	}
	c := newTestClient(f)

	_, err := c.Login(context.Background(), igTestCreds())
	assert.ErrorIs(t, err, bot.ErrChallengeRequired)
}

func TestClient_LoginRateLimited(t *testing.T) {
	f := newFakePlatform(t)
	f.loginStatus = http.StatusTooManyRequests
	f.loginBody = map[string]any{"status": "fail", "message": "rate_limited"}
	c := newTestClient(f)

	_, err := c.Login(context.Background(), igTestCreds())
	assert.ErrorIs(t, err, bot.ErrRateLimited)
}

func TestInstance_SendMessages(t *testing.T) {
	f := newFakePlatform(t)
	f.unknownUsers["carol"] = true
	c := newTestClient(f)

	inst, err := c.Login(context.Background(), igTestCreds())
	require.NoError(t, err)

	results := inst.SendMessages(context.Background(),
		[]string{"bob", "carol", "dave"}, "hello", bot.DelayPolicy{})

	require.Len(t, results, 3)
	assert.True(t, results[0].Delivered)
	assert.False(t, results[1].Delivered)
	assert.Contains(t, results[1].Error, "not found")
	assert.True(t, results[2].Delivered)
	assert.Equal(t, int64(2), f.broadcasts.Load(), "only resolvable targets are messaged")
}

func TestInstance_SendMessagesCanceled(t *testing.T) {
	f := newFakePlatform(t)
	c := newTestClient(f)

	inst, err := c.Login(context.Background(), igTestCreds())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := inst.SendMessages(ctx, []string{"bob", "carol"}, "hello", bot.DelayPolicy{})

	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.Delivered)
		assert.Equal(t, "send canceled", r.Error)
	}
	assert.Zero(t, f.broadcasts.Load())
}

func TestInstance_Release(t *testing.T) {
	f := newFakePlatform(t)
	c := newTestClient(f)

	inst, err := c.Login(context.Background(), igTestCreds())
	require.NoError(t, err)

	require.NoError(t, inst.Release(context.Background()))
	assert.Equal(t, int64(1), f.logouts.Load())
}
