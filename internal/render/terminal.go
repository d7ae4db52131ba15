package render

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/cli/go-gh/v2/pkg/markdown"

	"github.com/markis/gh-analyst/internal/payload"
	"github.com/markis/gh-analyst/internal/turn"
)

const clearLine = "\r\033[K"

// TerminalRenderer writes a live agent turn to a terminal: accepted
// thoughts as they close, a status line for the step in progress, and the
// narrative in sections as soon as they are complete.
type TerminalRenderer struct {
	out       io.Writer
	markdown  *glamour.TermRenderer
	plainText bool
	interval  time.Duration
	spinner   spinner.Spinner
	now       func() time.Time
	styles    *lipgloss.Renderer

	// progress of the turn being watched
	printed    int
	steps      int
	frame      int
	statusLine bool
}

// Option configures a TerminalRenderer.
type Option func(*TerminalRenderer)

// WithInterval sets how often a live turn is polled.
func WithInterval(d time.Duration) Option {
	return func(t *TerminalRenderer) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithClock replaces time.Now for elapsed-time displays.
func WithClock(now func() time.Time) Option {
	return func(t *TerminalRenderer) {
		t.now = now
	}
}

func NewTerminalRenderer(out io.Writer, usePlainText bool, wrap int, opts ...Option) *TerminalRenderer {
	var md *glamour.TermRenderer
	if !usePlainText {
		var err error
		md, err = glamour.NewTermRenderer(
			markdown.WithWrap(wrap),
			glamour.WithAutoStyle(),
		)
		if err != nil {
			usePlainText = true
		}
	}

	t := &TerminalRenderer{
		out:       out,
		markdown:  md,
		plainText: usePlainText,
		spinner:   spinner.Dot,
		interval:  spinner.Dot.FPS,
		now:       time.Now,
		styles:    lipgloss.NewRenderer(out),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Watch follows the turn of h until it reaches a terminal state or ctx is
// done. Elapsed times keep advancing between records.
func (t *TerminalRenderer) Watch(ctx context.Context, h *turn.Handle) error {
	t.printed, t.steps, t.frame = 0, 0, 0

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.clearStatus()
			return ctx.Err()
		case <-h.Done():
			return t.finish(h.Turn().Snapshot(), h.State())
		case <-ticker.C:
			if err := t.progress(h.Turn().Snapshot()); err != nil {
				return err
			}
		}
	}
}

// RenderMessage writes a complete turn such as a greeting or an apology.
func (t *TerminalRenderer) RenderMessage(snap turn.Snapshot) error {
	if strings.TrimSpace(snap.Content) == "" {
		return nil
	}
	if err := t.renderSection(snap.Content); err != nil {
		return err
	}
	fmt.Fprintln(t.out)
	return nil
}

func (t *TerminalRenderer) progress(snap turn.Snapshot) error {
	t.clearStatus()
	t.writeSteps(snap.Timings)

	pending := snap.Content[t.printed:]
	if idx := findMarkdownBreakPoint(pending); idx > 0 {
		t.printed += idx
		if err := t.renderSection(pending[:idx]); err != nil {
			return err
		}
	}

	t.showStatus(snap.Timings)
	t.frame++
	return nil
}

func (t *TerminalRenderer) finish(snap turn.Snapshot, state turn.State) error {
	t.clearStatus()
	t.writeSteps(snap.Timings)

	if remaining := snap.Content[t.printed:]; strings.TrimSpace(remaining) != "" {
		if err := t.renderSection(remaining); err != nil {
			return err
		}
	}
	t.printed = len(snap.Content)

	t.writeTail(snap, state)
	return nil
}

// writeSteps prints every step closed since the last call.
func (t *TerminalRenderer) writeSteps(timings *turn.Timings) {
	if timings == nil {
		return
	}
	faint := t.styles.NewStyle().Faint(true)
	for ; t.steps < len(timings.Steps); t.steps++ {
		step := timings.Steps[t.steps]
		if step.Open() {
			return
		}
		fmt.Fprintln(t.out, faint.Render(t.bullet()+" "+step.Format(t.now())))
	}
}

func (t *TerminalRenderer) showStatus(timings *turn.Timings) {
	if t.plainText {
		return
	}

	now := t.now()
	status := turn.Step{Label: "Working", StartTime: now}
	if timings != nil && len(timings.Steps) > 0 {
		if step := timings.Steps[len(timings.Steps)-1]; step.Open() {
			status = step
		}
	}

	frames := t.spinner.Frames
	fmt.Fprintf(t.out, "%s %s", frames[t.frame%len(frames)], status.Format(now))
	t.statusLine = true
}

func (t *TerminalRenderer) clearStatus() {
	if t.statusLine {
		fmt.Fprint(t.out, clearLine)
		t.statusLine = false
	}
}

func (t *TerminalRenderer) writeTail(snap turn.Snapshot, state turn.State) {
	if snap.Link != "" {
		fmt.Fprintf(t.out, "\nExplore: %s\n", snap.Link)
	}
	if len(snap.Suggestions) > 0 {
		fmt.Fprintln(t.out, "\nSuggested follow-ups:")
		for _, s := range snap.Suggestions {
			fmt.Fprintf(t.out, "  %s %s\n", t.bullet(), s)
		}
	}

	faint := t.styles.NewStyle().Faint(true)
	switch {
	case state == turn.Aborted:
		fmt.Fprintln(t.out, faint.Render("\n(interrupted)"))
	case snap.Timings != nil && snap.Timings.EndTime != nil:
		total := snap.Timings.EndTime.Sub(snap.Timings.StartTime)
		fmt.Fprintln(t.out, faint.Render(fmt.Sprintf("\nDone in %s", roundDuration(total))))
	}
	fmt.Fprintln(t.out)
}

func (t *TerminalRenderer) bullet() string {
	if t.plainText {
		return "-"
	}
	return "✓"
}

// renderSection writes a complete piece of narrative, drawing recognized
// payloads in place of their fenced blocks.
func (t *TerminalRenderer) renderSection(section string) error {
	cursor := 0
	for _, p := range payload.Extract(section) {
		if p.Start < cursor || p.Kind == payload.PlainCode {
			continue
		}
		if err := t.renderContent(section[cursor:p.Start]); err != nil {
			return err
		}
		if err := t.renderPayload(p); err != nil {
			return err
		}
		cursor = p.End
	}
	return t.renderContent(section[cursor:])
}

func (t *TerminalRenderer) renderContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	if t.plainText {
		fmt.Fprint(t.out, content)
		return nil
	}

	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "#") {
		fmt.Fprintln(t.out)
	}

	mdContent, err := t.markdown.Render(content)
	if err != nil {
		return fmt.Errorf("failed to render markdown: %w", err)
	}

	fmt.Fprintln(t.out, strings.TrimSpace(mdContent))
	return nil
}

// findMarkdownBreakPoint returns the offset just past the last blank line
// of content that is not inside a fenced block, or -1.
func findMarkdownBreakPoint(content string) int {
	lastBreak := -1
	inFence := false
	for offset := 0; offset < len(content); {
		end := strings.IndexByte(content[offset:], '\n')
		if end < 0 {
			break
		}
		line := content[offset : offset+end]
		next := offset + end + 1

		if isFence(line) {
			inFence = !inFence
		}
		if !inFence && line == "" && offset > 0 {
			lastBreak = next
		}
		offset = next
	}
	return lastBreak
}

func isFence(line string) bool {
	line = strings.TrimLeft(line, " ")
	return strings.HasPrefix(line, "```") || strings.HasPrefix(line, "~~~")
}

func roundDuration(d time.Duration) time.Duration {
	return d.Round(100 * time.Millisecond)
}
