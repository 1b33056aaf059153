package watcher

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// TemplateRenderer renders a prompt template against a NormalizedEvent.
// Treated as an external pure function per spec.md §1 ("Out of scope:
// the prompt template engine"); CommandExecutor only calls it.
type TemplateRenderer func(template string, event NormalizedEvent) (string, error)

// CommandConfig configures the CommandExecutor (spec.md §4.6).
type CommandConfig struct {
	// Enabled disables the executor entirely when false (no-op).
	Enabled bool
	// Command is the shell command line executed via a POSIX shell.
	Command string
	// DefaultPromptTemplate is the template text used when no
	// per-provider override applies.
	DefaultPromptTemplate string
	// PromptTemplates maps provider name to an override template.
	PromptTemplates map[string]string
	// UseStdin delivers the rendered prompt on stdin when true, or via
	// the PROMPT environment variable when false.
	UseStdin bool
	// FollowUp posts a second comment with the subprocess's stdout
	// when true and the subprocess exits 0 with non-empty output.
	FollowUp bool
	// DryRun skips the subprocess but still posts the initial comment.
	DryRun bool
}

// CommandExecutor runs a single external command per non-duplicate
// event: renders a prompt, spawns the command with a curated
// environment, captures stdout, and optionally posts it as a follow-up
// comment (spec.md §4.6).
type CommandExecutor struct {
	cfg    CommandConfig
	render TemplateRenderer
	logger *slog.Logger
}

// NewCommandExecutor creates a CommandExecutor. render may be nil only
// when no templates are configured anywhere (the prompt is then
// always empty).
func NewCommandExecutor(cfg CommandConfig, render TemplateRenderer, logger *slog.Logger) *CommandExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandExecutor{cfg: cfg, render: render, logger: logger}
}

// Enabled reports whether the executor will act on events.
func (c *CommandExecutor) Enabled() bool { return c.cfg.Enabled }

// unsafeIDChars matches every character EVENT_SAFE_ID must not contain.
var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SafeID converts an event id into one containing only
// [A-Za-z0-9_-], per spec.md §8's quantified invariant.
func SafeID(eventID string) string {
	return unsafeIDChars.ReplaceAllString(eventID, "_")
}

// ShortID derives EVENT_SHORT_ID: "{provider}-{repo-with-slashes-as-
// dashes}-{number}-{last-6-alphanumerics-of-eventID-lowercased}".
func ShortID(provider, repository string, number int, eventID string) string {
	repoDashed := strings.ReplaceAll(repository, "/", "-")

	alnum := make([]rune, 0, len(eventID))
	for _, r := range strings.ToLower(eventID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			alnum = append(alnum, r)
		}
	}
	tail := string(alnum)
	if len(tail) > 6 {
		tail = tail[len(tail)-6:]
	}

	return fmt.Sprintf("%s-%s-%s-%s", provider, repoDashed, strconv.Itoa(number), tail)
}

// displayString renders the "{repository}#{number}" form used in the
// initial acknowledgement comment, or a messaging-appropriate form when
// the resource has no numbering scheme.
func displayString(e NormalizedEvent) string {
	if e.Resource.Number == 0 {
		return e.Resource.Repository
	}
	return fmt.Sprintf("%s#%d", e.Resource.Repository, e.Resource.Number)
}

// promptTemplateFor selects the per-provider template override, falling
// back to the default. Returns "" if neither is configured.
func (c *CommandExecutor) promptTemplateFor(provider string) string {
	if t, ok := c.cfg.PromptTemplates[provider]; ok && t != "" {
		return t
	}
	return c.cfg.DefaultPromptTemplate
}

// truncate shortens s to n runes, appending an ellipsis marker when
// truncated. Used only for dry-run/log previews.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "...(truncated)"
}

// Execute runs the full sequence of spec.md §4.6 for one non-duplicate
// event. Any failure from template rendering, subprocess spawn, or the
// follow-up post is logged and swallowed — event processing is
// best-effort and must never abort the Dispatcher.
func (c *CommandExecutor) Execute(ctx context.Context, event NormalizedEvent, reactor Reactor) {
	if !c.cfg.Enabled {
		return
	}

	disp := displayString(event)

	if _, err := reactor.PostComment(ctx, "Agent is working on "+disp); err != nil {
		c.logger.Error("command executor: initial comment post failed",
			"event_id", event.ID, "error", err)
		return
	}

	prompt := ""
	if tmpl := c.promptTemplateFor(event.Provider); tmpl != "" && c.render != nil {
		rendered, err := c.render(tmpl, event)
		if err != nil {
			c.logger.Error("command executor: template render failed",
				"event_id", event.ID, "error", err)
			return
		}
		prompt = rendered
	}

	runID := uuid.NewString()
	env := append(c.curateEnv(event, prompt), "RUN_ID="+runID)

	if c.cfg.DryRun {
		previewKey, previewLen := "prompt_preview", 100
		if c.cfg.UseStdin {
			previewKey, previewLen = "stdin_preview", 500
		}
		c.logger.Info("command executor: dry run",
			"event_id", event.ID,
			"run_id", runID,
			"command", c.cfg.Command,
			previewKey, truncate(prompt, previewLen),
		)
		return
	}

	stdout, stderr, err := c.run(ctx, env, prompt)
	if err != nil {
		c.logger.Error("command executor: subprocess failed",
			"event_id", event.ID, "run_id", runID, "error", err, "stderr", stderr)
		return
	}

	c.logger.Info("command executor: subprocess completed", "event_id", event.ID, "run_id", runID)

	if c.cfg.FollowUp && strings.TrimSpace(stdout) != "" {
		if _, err := reactor.PostComment(ctx, stdout); err != nil {
			c.logger.Error("command executor: follow-up comment post failed",
				"event_id", event.ID, "error", err)
		}
	}
}

// curateEnv builds the subprocess environment: the ambient environment
// plus EVENT_ID, EVENT_SAFE_ID, EVENT_SHORT_ID, and (when useStdin is
// false) PROMPT.
func (c *CommandExecutor) curateEnv(event NormalizedEvent, prompt string) []string {
	env := append([]string(nil), os.Environ()...)
	env = append(env,
		"EVENT_ID="+event.ID,
		"EVENT_SAFE_ID="+SafeID(event.ID),
		"EVENT_SHORT_ID="+ShortID(event.Provider, event.Resource.Repository, event.Resource.Number, event.ID),
	)
	if !c.cfg.UseStdin {
		env = append(env, "PROMPT="+prompt)
	}
	return env
}

// run spawns the configured command via a POSIX shell, piping prompt on
// stdin when configured, and captures stdout/stderr.
func (c *CommandExecutor) run(ctx context.Context, env []string, prompt string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", c.cfg.Command)
	cmd.Env = env

	if c.cfg.UseStdin {
		cmd.Stdin = strings.NewReader(prompt)
	}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout, stderr = outBuf.String(), errBuf.String()

	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			return stdout, stderr, fmt.Errorf("command exited %d", exitErr.ExitCode())
		}
		return stdout, stderr, fmt.Errorf("run command: %w", runErr)
	}
	return stdout, stderr, nil
}
