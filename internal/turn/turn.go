// Package turn folds a classified answer stream into conversational state.
//
// A Conversation is an append-only list of Turns. The Controller opens one
// agent Turn per question and drives stream records through the reducer
// (Turn.Apply) and the Tracker, which keep content and timing bookkeeping
// apart. Presentation code reads a Turn through Snapshot while it is still
// being written.
package turn

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/markis/gh-analyst/internal/stream"
)

// Role says who contributed a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Step is one named, timed phase of an agent turn. Duration is nil while
// the step is still open.
type Step struct {
	Label     string         `yaml:"label"`
	StartTime time.Time      `yaml:"start_time"`
	Duration  *time.Duration `yaml:"duration,omitempty"`
}

// Open reports whether the step has not been closed yet.
func (s Step) Open() bool {
	return s.Duration == nil
}

// Elapsed returns the step duration, or the time since it started if it is
// still open.
func (s Step) Elapsed(now time.Time) time.Duration {
	if s.Duration != nil {
		return *s.Duration
	}
	return max(now.Sub(s.StartTime), 0)
}

// Format renders the step as "label (1.5s)", an open step measured
// against now.
func (s Step) Format(now time.Time) string {
	return fmt.Sprintf("%s (%s)", s.Label, s.Elapsed(now).Round(100*time.Millisecond))
}

// Timings holds the step list of an agent turn.
type Timings struct {
	StartTime time.Time  `yaml:"start_time"`
	EndTime   *time.Time `yaml:"end_time,omitempty"`
	Steps     []Step     `yaml:"steps"`
}

func (t *Timings) clone() *Timings {
	if t == nil {
		return nil
	}
	c := &Timings{StartTime: t.StartTime, Steps: slices.Clone(t.Steps)}
	if t.EndTime != nil {
		end := *t.EndTime
		c.EndTime = &end
	}
	for i, s := range c.Steps {
		if s.Duration != nil {
			d := *s.Duration
			c.Steps[i].Duration = &d
		}
	}
	return c
}

// Turn is one side's contribution to a conversation. Agent turns grow while
// their answer streams in; every exported accessor is safe to call from a
// goroutine other than the one feeding records.
type Turn struct {
	mu sync.RWMutex

	role        Role
	openedAt    time.Time
	content     strings.Builder
	thoughts    []string
	link        string
	suggestions []string
	timings     *Timings
	complete    bool
	err         error
}

func newTurn(role Role, openedAt time.Time) *Turn {
	return &Turn{role: role, openedAt: openedAt}
}

// Snapshot is a point-in-time copy of a Turn.
type Snapshot struct {
	Role        Role      `yaml:"role"`
	OpenedAt    time.Time `yaml:"opened_at"`
	Content     string    `yaml:"content"`
	Thoughts    []string  `yaml:"thoughts,omitempty"`
	Link        string    `yaml:"link,omitempty"`
	Suggestions []string  `yaml:"suggestions,omitempty"`
	Timings     *Timings  `yaml:"timings,omitempty"`
	IsComplete  bool      `yaml:"complete"`
	Err         error     `yaml:"-"`
}

// Snapshot copies the current state. It never observes a record half-applied.
func (t *Turn) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return Snapshot{
		Role:        t.role,
		OpenedAt:    t.openedAt,
		Content:     t.content.String(),
		Thoughts:    slices.Clone(t.thoughts),
		Link:        t.link,
		Suggestions: slices.Clone(t.suggestions),
		Timings:     t.timings.clone(),
		IsComplete:  t.complete,
		Err:         t.err,
	}
}

// Role returns who contributed the turn.
func (t *Turn) Role() Role {
	return t.role
}

// Content returns the accumulated narrative.
func (t *Turn) Content() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.content.String()
}

// IsComplete reports whether the producing stream has ended.
func (t *Turn) IsComplete() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.complete
}

func (t *Turn) markComplete(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.complete = true
	if err != nil && t.err == nil {
		t.err = err
	}
}

// Apply folds one record into the turn and reports whether anything changed.
// It is total: no payload makes it fail.
//
// Thought and suggestion dedup compares against every entry seen so far, not
// only the latest one, so a reasoning step legitimately repeated late in a
// long answer is dropped too.
func (t *Turn) Apply(rec stream.Record) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.apply(rec)
}

// update runs fn with the turn locked, so everything fn writes becomes
// visible to readers at once.
func (t *Turn) update(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn()
}

func (t *Turn) apply(rec stream.Record) bool {
	switch rec.Kind {
	case stream.Narrative:
		t.content.WriteString(rec.Payload)
		t.content.WriteByte('\n')
	case stream.Error:
		t.content.WriteString("\n\n*Error: ")
		t.content.WriteString(rec.Payload)
		t.content.WriteString("*")
	case stream.Thought:
		if IsDiagnostic(rec.Payload) || slices.Contains(t.thoughts, rec.Payload) {
			return false
		}
		t.thoughts = append(t.thoughts, rec.Payload)
	case stream.Link:
		t.link = rec.Payload
	case stream.Suggestion:
		if slices.Contains(t.suggestions, rec.Payload) {
			return false
		}
		t.suggestions = append(t.suggestions, rec.Payload)
	default:
		return false
	}
	return true
}

// Conversation is the ordered, append-only list of turns of one session.
// It is owned by the caller; at most one agent turn is open at a time.
type Conversation struct {
	mu    sync.RWMutex
	turns []*Turn
	clock func() time.Time
}

// ConversationOption configures a Conversation.
type ConversationOption func(*Conversation)

// WithConversationClock sets the time source for turn and step timing.
func WithConversationClock(clock func() time.Time) ConversationOption {
	return func(c *Conversation) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewConversation returns an empty conversation.
func NewConversation(opts ...ConversationOption) *Conversation {
	c := &Conversation{clock: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AppendUser records a user question as a complete turn.
func (c *Conversation) AppendUser(text string) *Turn {
	t := newTurn(RoleUser, c.clock())
	t.content.WriteString(text)
	t.complete = true
	c.push(t)
	return t
}

// AppendAgent records a finished agent message, e.g. a greeting or an
// apology. It is complete from the start.
func (c *Conversation) AppendAgent(text string, err error) *Turn {
	t := newTurn(RoleAgent, c.clock())
	t.content.WriteString(text)
	t.complete = true
	t.err = err
	c.push(t)
	return t
}

// OpenTurn appends an empty agent turn that will receive a streamed answer.
func (c *Conversation) OpenTurn() *Turn {
	t := newTurn(RoleAgent, c.clock())
	c.push(t)
	return t
}

func (c *Conversation) push(t *Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, t)
}

// Turns returns the turns in order. The slice is a copy; the turns are live.
func (c *Conversation) Turns() []*Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.turns)
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

// Last returns the most recent turn, or nil.
func (c *Conversation) Last() *Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.turns) == 0 {
		return nil
	}
	return c.turns[len(c.turns)-1]
}
