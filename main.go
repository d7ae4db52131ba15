package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/markis/gh-analyst/internal/args"
	"github.com/markis/gh-analyst/internal/auth"
	"github.com/markis/gh-analyst/internal/client"
	"github.com/markis/gh-analyst/internal/config"
	"github.com/markis/gh-analyst/internal/log"
	"github.com/markis/gh-analyst/internal/render"
	"github.com/markis/gh-analyst/internal/turn"
)

// main function to parse arguments and run the conversation.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	a, err := args.ParseArgs(ctx, *cfg)
	if err != nil {
		return err
	}

	sessionID := uuid.NewString()
	level := cfg.LogLevel
	if a.Debug {
		level = "debug"
	}
	logger := log.NewLogger(sessionID, level)
	defer func() { _ = logger.Sync() }()

	configDir, err := config.Dir()
	if err != nil {
		return err
	}
	c := client.New(a.Endpoint, sessionID, auth.New(a.Endpoint, configDir), cfg.RequestTimeout, logger)

	if a.Reauth {
		status, err := c.Reauth(ctx)
		if err != nil {
			return fmt.Errorf("failed to re-authenticate: %w", err)
		}
		fmt.Fprintln(os.Stderr, status)
	}
	if len(a.Prompts) == 0 {
		return nil
	}

	s := &session{
		ctrl:     turn.NewController(turn.NewConversation(), turn.WithLogger(logger)),
		client:   c,
		renderer: render.NewTerminalRenderer(os.Stdout, a.UsePlainText, cfg.Render.Wrap, render.WithInterval(cfg.RefreshInterval)),
		summary:  a.Summary,
		out:      os.Stdout,
	}
	return s.run(ctx, cfg.Greeting, a.Prompts)
}

// exchange is what --summary prints for each question.
type exchange struct {
	SessionID string              `yaml:"session_id"`
	Request   *client.ChatRequest `yaml:"request"`
	Response  turn.Summary        `yaml:"response"`
}

// session runs questions one at a time against one conversation.
type session struct {
	ctrl     *turn.Controller
	client   *client.Client
	renderer *render.TerminalRenderer
	summary  bool
	out      io.Writer

	enc *yaml.Encoder
}

// run greets, then asks every prompt in order as successive turns of the
// conversation. It stops at the first failed question.
func (s *session) run(ctx context.Context, greeting string, prompts []string) error {
	if s.summary {
		s.enc = yaml.NewEncoder(s.out)
		defer s.enc.Close()
	}

	if greeting != "" {
		g := s.ctrl.Conversation().AppendAgent(greeting, nil)
		if !s.summary {
			if err := s.renderer.RenderMessage(g.Snapshot()); err != nil {
				return err
			}
		}
	}

	for _, prompt := range prompts {
		if err := s.ask(ctx, prompt); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) ask(ctx context.Context, prompt string) error {
	h, err := s.ctrl.Submit(prompt)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		return s.client.Ask(ctx, s.ctrl, h)
	})
	if !s.summary {
		g.Go(func() error {
			return s.renderer.Watch(ctx, h)
		})
	}
	askErr := g.Wait()

	if s.summary {
		err := s.enc.Encode(exchange{
			SessionID: s.client.SessionID(),
			Request:   s.client.LastRequest(),
			Response:  s.ctrl.Summary(h),
		})
		if err != nil {
			return fmt.Errorf("failed to write summary: %w", err)
		}
	} else if h.State() == turn.Failed {
		if err := s.renderer.RenderMessage(s.ctrl.Conversation().Last().Snapshot()); err != nil {
			return err
		}
	}

	if errors.Is(askErr, turn.ErrUnauthorized) && !errors.Is(askErr, auth.ErrNoCredential) {
		return fmt.Errorf("%w; run with --reauth", askErr)
	}
	return askErr
}
