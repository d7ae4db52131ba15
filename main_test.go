package main

import (
	"bytes"
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
	"gopkg.in/yaml.v3"

	"github.com/markis/gh-analyst/internal/auth"
	"github.com/markis/gh-analyst/internal/client"
	"github.com/markis/gh-analyst/internal/render"
	"github.com/markis/gh-analyst/internal/turn"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

func newSession(t *testing.T, handler http.HandlerFunc, summary bool) (*session, *bytes.Buffer) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	var out bytes.Buffer
	return &session{
		ctrl:     turn.NewController(turn.NewConversation()),
		client:   client.New(srv.URL, "test-session", auth.Static(""), time.Minute, nil),
		renderer: render.NewTerminalRenderer(&out, true, 80, render.WithInterval(time.Millisecond)),
		summary:  summary,
		out:      &out,
	}, &out
}

func TestAskRendersAnswer(t *testing.T) {
	s, out := newSession(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "THOUGHT: Querying installs\nDATA: 1,204 installs yesterday.\nSUGGESTION: Compare to last week\n")
	}, false)

	require.NoError(t, s.ask(context.Background(), "How many installs yesterday?"))
	assert.Contains(t, out.String(), "- Querying installs (")
	assert.Contains(t, out.String(), "1,204 installs yesterday.")
	assert.Contains(t, out.String(), "- Compare to last week")
}

func TestRunSummaryPrintsRequestAndResponse(t *testing.T) {
	s, out := newSession(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "THOUGHT: Querying\nDATA: 42\n")
	}, true)

	require.NoError(t, s.run(context.Background(), "Hello!", []string{"q1", "q2"}))
	assert.NotContains(t, out.String(), "Hello!", "no greeting in summary output")

	dec := yaml.NewDecoder(bytes.NewReader(out.Bytes()))
	for _, question := range []string{"q1", "q2"} {
		var got exchange
		require.NoError(t, dec.Decode(&got))
		assert.Equal(t, "test-session", got.SessionID)
		require.NotNil(t, got.Request)
		assert.Equal(t, client.ChatRequest{Message: question, SessionID: "test-session"}, *got.Request)
		assert.Equal(t, question, got.Response.Question)
		assert.Equal(t, "closed", got.Response.State)
		assert.Equal(t, []string{"THOUGHT: Querying", "DATA: 42"}, got.Response.RawLines)
		assert.Equal(t, "42\n", got.Response.ParsedContent)
	}
}

func TestRunAsksEveryPromptInOneConversation(t *testing.T) {
	questions := make(chan string, 2)
	s, out := newSession(t, func(w http.ResponseWriter, r *http.Request) {
		var req client.ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		questions <- req.Message
		_, _ = io.WriteString(w, "DATA: answer to "+req.Message+"\n")
	}, false)

	require.NoError(t, s.run(context.Background(), "Hello! Ask me about your data.", []string{"q1", "q2"}))
	assert.Equal(t, "q1", <-questions)
	assert.Equal(t, "q2", <-questions)

	got := out.String()
	assert.Contains(t, got, "Hello! Ask me about your data.")
	assert.Less(t, strings.Index(got, "Hello!"), strings.Index(got, "answer to q1"))
	assert.Less(t, strings.Index(got, "answer to q1"), strings.Index(got, "answer to q2"))

	turns := s.ctrl.Conversation().Turns()
	require.Len(t, turns, 5)
	roles := make([]turn.Role, len(turns))
	for i, tr := range turns {
		roles[i] = tr.Role()
	}
	assert.Equal(t, []turn.Role{turn.RoleAgent, turn.RoleUser, turn.RoleAgent, turn.RoleUser, turn.RoleAgent}, roles)
	assert.Equal(t, "answer to q2\n", turns[4].Content())
}

func TestAskFailureRendersApology(t *testing.T) {
	s, out := newSession(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error": "boom"}`)
	}, false)

	err := s.ask(context.Background(), "q")
	assert.ErrorIs(t, err, client.ErrStatus)
	assert.Contains(t, out.String(), turn.Apology)
}

func TestAskUnauthorizedSuggestsReauth(t *testing.T) {
	s, _ := newSession(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, false)

	err := s.ask(context.Background(), "q")
	assert.ErrorIs(t, err, turn.ErrUnauthorized)
	assert.ErrorContains(t, err, "--reauth")
}
