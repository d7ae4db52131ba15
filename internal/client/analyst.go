package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/markis/gh-analyst/internal/auth"
	"github.com/markis/gh-analyst/internal/log"
	"github.com/markis/gh-analyst/internal/turn"
)

// ErrStatus marks a non-success response received before streaming began.
var ErrStatus = errors.New("unexpected response status")

const readBufferSize = 4096

// ChatRequest is the body posted for every question.
type ChatRequest struct {
	Message   string `json:"message" yaml:"message"`
	SessionID string `json:"session_id" yaml:"session_id"`
}

// errorResponse is the JSON body of a rejected request.
type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// getHTTPClient returns a client sharing one transport
var (
	sharedTransport     *http.Transport
	sharedTransportOnce sync.Once
)

func getHTTPClient(ctx context.Context, timeout time.Duration) *http.Client {
	sharedTransportOnce.Do(func() {
		sharedTransport = &http.Transport{
			MaxIdleConns:       100,
			IdleConnTimeout:    90 * time.Second,
			DisableCompression: false,
			DisableKeepAlives:  false,
			ForceAttemptHTTP2:  true,
		}

		// Add context-aware dial options
		sharedTransport.DialContext = (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext
	})

	client := &http.Client{Transport: sharedTransport, Timeout: timeout}
	// A deadline on the context wins over the configured timeout
	if deadline, ok := ctx.Deadline(); ok {
		client.Timeout = time.Until(deadline)
	}
	return client
}

// Client talks to the analytics service of one conversation session.
type Client struct {
	endpoint  string
	sessionID string
	creds     *auth.Credentials
	timeout   time.Duration
	logger    *log.Logger

	mu          sync.Mutex
	lastRequest *ChatRequest
}

// New returns a client for endpoint. A zero timeout means no client-side
// limit beyond the context.
func New(endpoint, sessionID string, creds *auth.Credentials, timeout time.Duration, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Nop()
	}
	return &Client{
		endpoint:  strings.TrimRight(endpoint, "/"),
		sessionID: sessionID,
		creds:     creds,
		timeout:   timeout,
		logger:    logger.Named("client"),
	}
}

// SessionID returns the id sent with every question.
func (c *Client) SessionID() string {
	return c.sessionID
}

// LastRequest returns the most recent request body, or nil.
func (c *Client) LastRequest() *ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastRequest == nil {
		return nil
	}
	r := *c.lastRequest
	return &r
}

// Ask posts the question of h and streams the answer into ctrl. Transport
// failures end the turn through ctrl.Fail and are also returned; a canceled
// context aborts the turn without ending it.
func (c *Client) Ask(ctx context.Context, ctrl *turn.Controller, h *turn.Handle) error {
	body, err := c.open(ctx, h.Question())
	if err != nil {
		if ctx.Err() != nil {
			ctrl.Abort(h)
			return ctx.Err()
		}
		ctrl.Fail(h, err)
		return err
	}
	defer func() {
		if err := body.Close(); err != nil {
			c.logger.Debug("failed to close response body", map[string]any{"error": err.Error()})
		}
	}()

	return c.pump(ctx, body, ctrl, h)
}

func (c *Client) open(ctx context.Context, question string) (io.ReadCloser, error) {
	token, err := c.creds.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", turn.ErrUnauthorized, err)
	}

	payload := ChatRequest{Message: question, SessionID: c.sessionID}
	c.mu.Lock()
	c.lastRequest = &payload
	c.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/plain")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	c.logger.Debug("sending request", map[string]any{"endpoint": req.URL.String()})
	resp, err := getHTTPClient(ctx, c.timeout).Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}

	defer resp.Body.Close()
	detail := readErrorDetail(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.creds.Invalidate()
		return nil, fmt.Errorf("%w: status %d: %s", turn.ErrUnauthorized, resp.StatusCode, detail)
	}
	return nil, fmt.Errorf("%w %d: %s", ErrStatus, resp.StatusCode, detail)
}

// pump is the only place that blocks: it reads chunks until the body ends.
func (c *Client) pump(ctx context.Context, body io.Reader, ctrl *turn.Controller, h *turn.Handle) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if ferr := ctrl.Feed(h, buf[:n]); ferr != nil {
				return ferr
			}
		}

		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			return ctrl.End(h)
		case ctx.Err() != nil:
			ctrl.Abort(h)
			return ctx.Err()
		default:
			err = fmt.Errorf("error reading response stream: %w", err)
			ctrl.Fail(h, err)
			return err
		}
	}
}

// Reauth asks the service to restart its authentication flow and reloads
// the held credential. It returns the status message of the service.
func (c *Client) Reauth(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/reauth", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := getHTTPClient(ctx, c.timeout).Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || result.Error != "" {
		return "", fmt.Errorf("%w %d: %s", ErrStatus, resp.StatusCode, result.Error)
	}

	c.creds.Reload()
	c.logger.Info("reauthentication requested", map[string]any{"status": result.Status})
	return result.Status, nil
}

// readErrorDetail extracts the "error" member of a JSON body, falling back
// to the raw text.
func readErrorDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 64*1024))
	if err != nil {
		return ""
	}
	var body errorResponse
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
