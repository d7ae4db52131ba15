package turn

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markis/gh-analyst/internal/log"
	"github.com/markis/gh-analyst/internal/stream"
)

// Apology is the narrative appended when a turn fails in transport.
const Apology = "Sorry, I encountered an error processing your request."

var (
	// ErrTurnInFlight is returned by Submit while another turn is open.
	ErrTurnInFlight = errors.New("a turn is already in flight")
	// ErrTurnClosed is returned when feeding or ending a finished turn.
	ErrTurnClosed = errors.New("turn is closed")
	// ErrUnauthorized marks a failure caused by a rejected credential.
	ErrUnauthorized = errors.New("unauthorized")
)

// State is the lifecycle position of one question's turn.
type State int32

const (
	Idle State = iota
	Opened
	Streaming
	Finalizing
	Closed
	Failed
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Opened:
		return "opened"
	case Streaming:
		return "streaming"
	case Finalizing:
		return "finalizing"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further input is accepted.
func (s State) Terminal() bool {
	return s == Closed || s == Failed || s == Aborted
}

// Summary is the inspection view of a finished turn: what arrived on the
// wire and what was made of it.
type Summary struct {
	Question      string   `yaml:"question"`
	State         string   `yaml:"state"`
	RawLines      []string `yaml:"raw_lines"`
	ParsedContent string   `yaml:"parsed_content"`
	Error         string   `yaml:"error,omitempty"`
}

// Handle identifies one submitted question and owns the per-turn pipeline.
type Handle struct {
	question string
	turn     *Turn
	splitter *stream.Splitter
	tracker  *Tracker
	logger   *log.Logger

	state atomic.Int32
	done  chan struct{}

	mu       sync.Mutex
	rawLines []string
	failure  error
}

// Turn returns the live agent turn.
func (h *Handle) Turn() *Turn {
	return h.turn
}

// Question returns the submitted text.
func (h *Handle) Question() string {
	return h.question
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// Done is closed once the turn reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) setState(s State) {
	prev := State(h.state.Swap(int32(s)))
	h.logger.Debug("turn state", map[string]any{"from": prev.String(), "to": s.String()})
	if s.Terminal() && !prev.Terminal() {
		close(h.done)
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger attaches a logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// Controller drives one conversation's turns: it opens a turn per question,
// pushes stream chunks through split, classify, reduce and track, and
// finalizes the turn when the stream ends or fails.
//
// Feed, End, Fail and Abort for one handle must be called from a single
// goroutine. Readers may call Current concurrently.
type Controller struct {
	conv   *Conversation
	clock  func() time.Time
	logger *log.Logger

	mu     sync.Mutex
	active *Handle
}

// NewController returns a controller appending to conv.
func NewController(conv *Conversation, opts ...Option) *Controller {
	c := &Controller{conv: conv, clock: conv.clock, logger: log.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Conversation returns the conversation being appended to.
func (c *Controller) Conversation() *Conversation {
	return c.conv
}

// Submit appends the question as a user turn and opens an empty agent turn
// for the answer. Only one turn may be in flight.
func (c *Controller) Submit(text string) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil && !c.active.State().Terminal() {
		return nil, ErrTurnInFlight
	}

	c.conv.AppendUser(text)
	t := c.conv.OpenTurn()
	h := &Handle{
		question: text,
		turn:     t,
		splitter: stream.NewSplitter(),
		tracker:  NewTracker(t, c.clock),
		logger:   c.logger.With("turn", c.conv.Len()-1),
		done:     make(chan struct{}),
	}
	h.setState(Opened)
	c.active = h
	return h, nil
}

// Feed pushes one chunk of the answer stream.
func (c *Controller) Feed(h *Handle, chunk []byte) error {
	switch h.State() {
	case Opened:
		h.setState(Streaming)
	case Streaming:
	default:
		return fmt.Errorf("feed in state %s: %w", h.State(), ErrTurnClosed)
	}

	c.consume(h, h.splitter.Write(chunk))
	return nil
}

// End signals the end of the stream: the buffered last line is processed,
// the open step is closed, the end time is stamped and the turn completes.
func (c *Controller) End(h *Handle) error {
	if s := h.State(); s != Opened && s != Streaming {
		return fmt.Errorf("end in state %s: %w", s, ErrTurnClosed)
	}

	h.setState(Finalizing)
	c.consume(h, h.splitter.Flush())
	h.tracker.Finish()
	h.turn.markComplete(nil)
	h.setState(Closed)

	h.logger.Debug("turn closed", map[string]any{
		"raw_lines": h.lineCount(),
		"content":   len(h.turn.Content()),
	})
	return nil
}

// Fail ends the turn because the transport broke. The partial turn stays as
// it is, without an end time, and a separate apology turn carrying err is
// appended. A failure after the turn already finished is ignored.
func (c *Controller) Fail(h *Handle, err error) {
	if h.State().Terminal() {
		return
	}
	if err == nil {
		err = errors.New("transport failure")
	}

	h.mu.Lock()
	h.failure = err
	h.mu.Unlock()

	h.turn.markComplete(err)
	c.conv.AppendAgent(Apology, err)
	h.setState(Failed)

	fields := map[string]any{"error": err.Error()}
	if errors.Is(err, ErrUnauthorized) {
		fields["unauthorized"] = true
	}
	h.logger.Warn("turn failed", fields)
}

// Abort stops the turn where it is. Nothing is flushed and no end time is
// stamped, since the stream did not end.
func (c *Controller) Abort(h *Handle) {
	if h.State().Terminal() {
		return
	}
	h.setState(Aborted)
	h.logger.Debug("turn aborted", nil)
}

// Current returns a snapshot of the handle's agent turn.
func (c *Controller) Current(h *Handle) Snapshot {
	return h.turn.Snapshot()
}

// Summary returns the raw lines received and the reconstructed content.
func (c *Controller) Summary(h *Handle) Summary {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Summary{
		Question:      h.question,
		State:         h.State().String(),
		RawLines:      append([]string(nil), h.rawLines...),
		ParsedContent: h.turn.Content(),
	}
	if h.failure != nil {
		s.Error = h.failure.Error()
	}
	return s
}

func (c *Controller) consume(h *Handle, lines []string) {
	if len(lines) == 0 {
		return
	}

	h.mu.Lock()
	h.rawLines = append(h.rawLines, lines...)
	h.mu.Unlock()

	for _, line := range lines {
		rec := stream.Classify(line)

		// Read the clock outside the turn lock.
		stepped := h.tracker.accepts(rec)
		var now time.Time
		if stepped {
			now = c.clock()
		}

		var changed bool
		h.turn.update(func() {
			changed = h.turn.apply(rec)
			if stepped {
				h.tracker.observe(rec, now)
			}
		})

		if rec.Kind == stream.Thought && !changed {
			h.logger.Debug("thought dropped", map[string]any{
				"thought":    rec.Payload,
				"diagnostic": IsDiagnostic(rec.Payload),
			})
		}
		if stepped {
			h.logger.Debug("step opened", map[string]any{"label": rec.Payload})
		}
	}
}

func (h *Handle) lineCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rawLines)
}
