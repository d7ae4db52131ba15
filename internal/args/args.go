package args

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cli/go-gh/v2/pkg/term"
	"github.com/spf13/cobra"

	"github.com/markis/gh-analyst/internal/config"
)

// ErrNoPrompt is returned when neither an argument nor stdin held a question.
var ErrNoPrompt = errors.New("no prompt provided")

// Arguments represents the command-line arguments structure.
type Arguments struct {
	Prompts      []string
	Command      string
	Endpoint     string
	UsePlainText bool
	Summary      bool
	Debug        bool
	Reauth       bool
}

// terminal is the part of the go-gh terminal used to choose an output mode.
type terminal interface {
	IsTerminalOutput() bool
	IsColorEnabled() bool
}

// ParseArgs parses command-line arguments and stdin input, returning an Arguments struct.
// Every positional argument is a question, asked in order. Configured
// prompts become subcommands whose arguments are inputs to the prompt.
// Piped stdin is the input of every question; without any question, each
// of its lines is a question of its own.
func ParseArgs(ctx context.Context, cfg config.Config) (Arguments, error) {
	var stdin io.Reader
	if stat, err := os.Stdin.Stat(); err == nil && (stat.Mode()&os.ModeCharDevice) == 0 {
		stdin = os.Stdin
	}
	return parse(ctx, cfg, os.Args[1:], stdin, term.FromEnv())
}

func parse(ctx context.Context, cfg config.Config, argv []string, stdin io.Reader, t terminal) (Arguments, error) {
	args := Arguments{}

	input, err := readInput(stdin)
	if err != nil {
		return Arguments{}, err
	}

	rootCmd := &cobra.Command{
		Use:   "gh-analyst [command] [flags] [question...]",
		Short: "Ask questions about your data from the terminal",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			if len(cmdArgs) == 0 {
				args.Prompts = append(args.Prompts, splitLines(input)...)
				return nil
			}
			for _, question := range cmdArgs {
				if q := joinInput(question, input); q != "" {
					args.Prompts = append(args.Prompts, q)
				}
			}
			return nil
		},
		SilenceErrors: true, // We'll handle error reporting
		SilenceUsage:  true, // We'll handle usage display
	}

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&args.Endpoint, "endpoint", cfg.Endpoint, "Base URL of the analytics service")
	flags.BoolVar(&args.UsePlainText, "plain", shouldUsePlainText(cfg, t), "Disable markdown rendering")
	flags.BoolVar(&args.Summary, "summary", false, "Print the raw and parsed answer as YAML")
	flags.BoolVar(&args.Debug, "debug", false, "Log every stream record")
	flags.BoolVar(&args.Reauth, "reauth", false, "Restart authentication with the service")

	// Add predefined commands
	for name, prompt := range cfg.Prompts {
		cmd := &cobra.Command{
			Use:   name + " [input...]",
			Short: summarizePrompt(prompt),
			Args:  cobra.ArbitraryArgs,
			RunE: func(cmd *cobra.Command, cmdArgs []string) error {
				args.Command = name
				if len(cmdArgs) == 0 {
					args.Prompts = append(args.Prompts, joinInput(prompt, input))
					return nil
				}
				for _, arg := range cmdArgs {
					args.Prompts = append(args.Prompts, joinInput(joinInput(prompt, arg), input))
				}
				return nil
			},
		}
		rootCmd.AddCommand(cmd)
	}

	// A nil slice would make cobra fall back to os.Args
	if argv == nil {
		argv = []string{}
	}
	rootCmd.SetArgs(argv)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return Arguments{}, err
	}

	// --reauth alone is a complete invocation
	if len(args.Prompts) == 0 && !args.Reauth {
		return Arguments{}, ErrNoPrompt
	}

	return args, nil
}

// readInput reads all of r, which is nil when stdin is a terminal.
func readInput(r io.Reader) (string, error) {
	if r == nil {
		return "", nil
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // 1MB max buffer
	var buf strings.Builder
	for scanner.Scan() {
		buf.WriteString(scanner.Text())
		buf.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// splitLines returns the non-blank lines of s, trimmed.
func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func joinInput(question, input string) string {
	question, input = strings.TrimSpace(question), strings.TrimSpace(input)
	switch {
	case question == "":
		return input
	case input == "":
		return question
	default:
		return question + "\n\n" + input
	}
}

// shouldUsePlainText determines if plain text output should be used based on environment and terminal settings.
func shouldUsePlainText(cfg config.Config, t terminal) bool {
	// Check if the rendering format is set to plain
	if cfg.Render.Format == "plain" {
		return true
	}

	// Output is redirected, or NO_COLOR and friends are set
	if !t.IsTerminalOutput() || !t.IsColorEnabled() {
		return true
	}

	// Check for TERM=dumb
	if os.Getenv("TERM") == "dumb" {
		return true
	}

	return false
}

func summarizePrompt(prompt string) string {
	// Trim and limit the length of the prompt summary
	summary := strings.TrimSpace(prompt)
	if len(summary) > 60 {
		summary = summary[:57] + "..."
	}
	return summary
}
