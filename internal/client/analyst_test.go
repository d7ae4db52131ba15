package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/markis/gh-analyst/internal/auth"
	"github.com/markis/gh-analyst/internal/turn"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

func newController() *turn.Controller {
	return turn.NewController(turn.NewConversation())
}

func TestAskStreamsIntoTurn(t *testing.T) {
	type seen struct {
		req  ChatRequest
		auth string
	}
	requests := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var req ChatRequest
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		requests <- seen{req: req, auth: r.Header.Get("Authorization")}

		w.Header().Set("Content-Type", "text/plain")
		flusher := w.(http.Flusher)
		for _, part := range []string{
			"THOUGHT: Looking up revenue\nDA",
			"TA: Total: $100\n",
			"THOUGHT: Looking up revenue\n",
			"SUGGESTION: Show by country\nLINK: https://looker/x",
		} {
			_, _ = io.WriteString(w, part)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	ctrl := newController()
	c := New(srv.URL+"/", "sess-1", auth.Static("tok"), time.Minute, nil)
	h, err := ctrl.Submit("What is the revenue?")
	require.NoError(t, err)

	require.NoError(t, c.Ask(context.Background(), ctrl, h))

	got := <-requests
	assert.Equal(t, ChatRequest{Message: "What is the revenue?", SessionID: "sess-1"}, got.req)
	assert.Equal(t, "Bearer tok", got.auth)
	assert.Equal(t, &got.req, c.LastRequest())

	snap := ctrl.Current(h)
	assert.Equal(t, turn.Closed, h.State())
	assert.Equal(t, "Total: $100\n", snap.Content)
	assert.Equal(t, []string{"Looking up revenue"}, snap.Thoughts)
	assert.Equal(t, []string{"Show by country"}, snap.Suggestions)
	assert.Equal(t, "https://looker/x", snap.Link)
	require.NotNil(t, snap.Timings)
	assert.NotNil(t, snap.Timings.EndTime)
}

func TestAskWithoutTokenSendsNoAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, "DATA: ok\n")
	}))
	defer srv.Close()

	ctrl := newController()
	h, _ := ctrl.Submit("q")
	require.NoError(t, New(srv.URL, "s", auth.Static(""), 0, nil).Ask(context.Background(), ctrl, h))
	assert.Equal(t, "ok\n", ctrl.Current(h).Content)
}

func TestAskUnauthorizedInvalidatesCredential(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"error": "token expired"}`)
		}))

		creds := auth.Static("stale")
		ctrl := newController()
		h, _ := ctrl.Submit("q")

		err := New(srv.URL, "s", creds, time.Minute, nil).Ask(context.Background(), ctrl, h)
		srv.Close()

		assert.ErrorIs(t, err, turn.ErrUnauthorized)
		assert.ErrorContains(t, err, "token expired")
		_, tokenErr := creds.Token()
		assert.ErrorIs(t, tokenErr, auth.ErrNoCredential)
		assert.Equal(t, turn.Failed, h.State())

		last := ctrl.Conversation().Last().Snapshot()
		assert.Equal(t, turn.Apology, last.Content)
		assert.ErrorIs(t, last.Err, turn.ErrUnauthorized)

		// The next turn fails before any request is made.
		h2, err := ctrl.Submit("again")
		require.NoError(t, err)
		err = New(srv.URL, "s", creds, time.Minute, nil).Ask(context.Background(), ctrl, h2)
		assert.ErrorIs(t, err, auth.ErrNoCredential)
	}
}

func TestAskServerErrorFailsTurn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error": "No message provided"}`)
	}))
	defer srv.Close()

	ctrl := newController()
	h, _ := ctrl.Submit("q")

	err := New(srv.URL, "s", auth.Static(""), time.Minute, nil).Ask(context.Background(), ctrl, h)
	assert.ErrorIs(t, err, ErrStatus)
	assert.ErrorContains(t, err, "No message provided")
	assert.Equal(t, turn.Failed, h.State())
	assert.Contains(t, ctrl.Summary(h).Error, "No message provided")
}

func TestAskCanceledMidStreamAborts(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "THOUGHT: working\nDATA: first\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctrl := newController()
	h, _ := ctrl.Submit("q")
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		errc <- New(srv.URL, "s", auth.Static(""), 0, nil).Ask(ctx, ctrl, h)
	}()

	require.Eventually(t, func() bool {
		return ctrl.Current(h).Content == "first\n"
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Ask did not return after cancel")
	}

	assert.Equal(t, turn.Aborted, h.State())
	snap := ctrl.Current(h)
	assert.Equal(t, []string{"working"}, snap.Thoughts)
	assert.Nil(t, snap.Timings.EndTime)
	assert.Len(t, ctrl.Conversation().Turns(), 2, "no apology for a user abort")
}

func TestAskReadFailureMidStreamFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, rw, err := w.(http.Hijacker).Hijack()
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		// Promise more body than is sent, then drop the connection.
		_, _ = io.WriteString(rw, "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 1000\r\n\r\n")
		_, _ = io.WriteString(rw, "THOUGHT: working\nDATA: partial\n")
		_ = rw.Flush()
	}))
	defer srv.Close()

	ctrl := newController()
	h, _ := ctrl.Submit("q")

	err := New(srv.URL, "s", auth.Static(""), time.Minute, nil).Ask(context.Background(), ctrl, h)
	require.Error(t, err)
	assert.ErrorContains(t, err, "error reading response stream")
	assert.Equal(t, turn.Failed, h.State())

	snap := ctrl.Current(h)
	assert.Equal(t, "partial\n", snap.Content)
	assert.Equal(t, []string{"working"}, snap.Thoughts)

	turns := ctrl.Conversation().Turns()
	require.Len(t, turns, 3)
	last := turns[2].Snapshot()
	assert.Equal(t, turn.Apology, last.Content)
	assert.Error(t, last.Err)
}

func TestReauth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reauth", r.URL.Path)
		_, _ = io.WriteString(w, `{"status": "Authentication process started. Please check your browser."}`)
	}))
	defer srv.Close()

	creds := auth.Static("x")
	creds.Invalidate()

	status, err := New(srv.URL, "s", creds, time.Minute, nil).Reauth(context.Background())
	require.NoError(t, err)
	assert.Contains(t, status, "Authentication process started")
	_, err = creds.Token()
	assert.NoError(t, err)
}

func TestReauthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error": "gcloud not found"}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "s", auth.Static(""), time.Minute, nil).Reauth(context.Background())
	assert.ErrorIs(t, err, ErrStatus)
	assert.ErrorContains(t, err, "gcloud not found")
}

func TestReadErrorDetailFallsBackToText(t *testing.T) {
	assert.Equal(t, "plain failure", readErrorDetail(strings.NewReader("  plain failure\n")))
	assert.Equal(t, "json failure", readErrorDetail(strings.NewReader(`{"error":"json failure"}`)))
}
