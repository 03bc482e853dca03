package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

// CommandConfig configures a CommandHandler.
type CommandConfig struct {
	// Command runs for every task type without an entry in Commands.
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`

	// Commands overrides the command per task type.
	Commands map[string][]string `json:"commands,omitempty" yaml:"commands,omitempty"`

	// Env is added to the inherited environment of every subprocess.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// CWD is the working directory for subprocesses (empty = inherit)
	CWD string `json:"cwd,omitempty" yaml:"cwd,omitempty"`

	// WaitDelay bounds how long output is still read after the process
	// exits or is killed; descendants holding stdout open are cut off
	// after it (0 = DefaultWaitDelay).
	WaitDelay time.Duration `json:"wait_delay,omitempty" yaml:"wait_delay,omitempty"`
}

// DefaultWaitDelay is used when CommandConfig.WaitDelay is zero.
const DefaultWaitDelay = 5 * time.Second

// MaxLineBytes is the longest stdout or stderr line a subprocess may write.
const MaxLineBytes = 1024 * 1024

// CommandHandler runs one subprocess per task. Params are written to stdin
// as JSON; stdout is read as NDJSON lines of type progress, result or log.
// Non-JSON stdout lines and stderr are logged.
type CommandHandler struct {
	cfg    CommandConfig
	logger *slog.Logger
}

// NewCommandHandler creates a subprocess handler.
func NewCommandHandler(cfg CommandConfig, logger *slog.Logger) *CommandHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandHandler{cfg: cfg, logger: logger}
}

// NewCommandAgent builds an agent that runs tasks as subprocesses.
func NewCommandAgent(id string, cfg CommandConfig, opts ...Option) *Runtime {
	r := NewRuntime(id, nil, opts...)
	r.handler = NewCommandHandler(cfg, r.logger)
	return r
}

// commandInput is written to the subprocess stdin.
type commandInput struct {
	TaskType string                 `json:"task_type"`
	Params   map[string]interface{} `json:"params"`
}

// commandLine is one structured stdout line.
type commandLine struct {
	Type    string          `json:"type"`
	Kind    string          `json:"kind,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Level   string          `json:"level,omitempty"`
	Message string          `json:"message,omitempty"`
}

func (h *CommandHandler) command(taskType string) []string {
	if cmd, ok := h.cfg.Commands[taskType]; ok && len(cmd) > 0 {
		return cmd
	}
	return h.cfg.Command
}

// Handle runs the subprocess and returns the data of its last result line.
func (h *CommandHandler) Handle(ctx context.Context, taskType string, params map[string]interface{}) (interface{}, error) {
	cmd := h.command(taskType)
	if len(cmd) == 0 {
		return nil, types.NewExecutionError(fmt.Sprintf("no command configured for task type %q", taskType), nil)
	}

	input, err := json.Marshal(commandInput{TaskType: taskType, Params: params})
	if err != nil {
		return nil, types.NewExecutionError("encode params", err)
	}

	mergedEnv := os.Environ()
	for k, v := range h.cfg.Env {
		mergedEnv = append(mergedEnv, fmt.Sprintf("%s=%s", k, v))
	}
	mergedEnv = append(mergedEnv, fmt.Sprintf("TASK_TYPE=%s", taskType))

	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	c.Env = mergedEnv
	c.Stdin = bytes.NewReader(input)
	if h.cfg.CWD != "" {
		c.Dir = h.cfg.CWD
	}
	c.WaitDelay = h.cfg.WaitDelay
	if c.WaitDelay <= 0 {
		c.WaitDelay = DefaultWaitDelay
	}

	// Output goes through in-process pipes so Wait owns the copying and
	// WaitDelay can cut off descendants that keep the descriptors open.
	stdout, stdoutW := io.Pipe()
	stderr, stderrW := io.Pipe()
	c.Stdout = stdoutW
	c.Stderr = stderrW

	log := h.logger.With(slog.String("task_type", taskType), slog.String("command", cmd[0]))

	if err := c.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		return nil, types.NewExecutionError(fmt.Sprintf("start %s", cmd[0]), err)
	}

	var (
		wg        sync.WaitGroup
		result    json.RawMessage
		stdoutErr error
	)
	wg.Add(2)

	// Stdout reader - parse NDJSON
	go func() {
		defer wg.Done()
		stdoutErr = scanLines(stdout, func(line string) {
			if r, ok := h.processStdoutLine(ctx, log, line); ok {
				result = r
			}
		})
	}()

	// Stderr reader - forward to the log
	go func() {
		defer wg.Done()
		err := scanLines(stderr, func(line string) {
			log.Warn("agent stderr", slog.String("line", line))
		})
		if err != nil {
			log.Warn("agent stderr truncated", slog.String("error", err.Error()))
		}
	}()

	err = c.Wait()
	stdoutW.Close()
	stderrW.Close()
	wg.Wait()

	if errors.Is(err, exec.ErrWaitDelay) && ctx.Err() == nil {
		// The process succeeded; a descendant kept stdout open.
		log.Warn("output still open after exit, closed", slog.Duration("wait_delay", c.WaitDelay))
		err = nil
	}

	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, types.NewTimeoutError(fmt.Sprintf("%s timed out", cmd[0]))
	case err != nil && errors.Is(ctx.Err(), context.Canceled):
		return nil, types.NewExecutionError(fmt.Sprintf("%s cancelled", cmd[0]), ctx.Err())
	case stdoutErr != nil:
		return nil, types.NewExecutionError(fmt.Sprintf("%s wrote a stdout line over the %d byte limit", cmd[0], MaxLineBytes), stdoutErr)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, types.NewExecutionError(fmt.Sprintf("%s exited with code %d", cmd[0], exitErr.ExitCode()), err)
		}
		return nil, types.NewExecutionError(fmt.Sprintf("%s failed", cmd[0]), err)
	}

	if result == nil {
		return nil, nil
	}
	return result, nil
}

// scanLines calls fn for every non-empty line. On a read error, including a
// line longer than MaxLineBytes, the rest of r is discarded so the writer
// never blocks on a full pipe.
func scanLines(r io.Reader, fn func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fn(line)
	}
	if err := scanner.Err(); err != nil {
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

// processStdoutLine handles one stdout line. It returns the result payload
// for result lines.
func (h *CommandHandler) processStdoutLine(ctx context.Context, log *slog.Logger, line string) (json.RawMessage, bool) {
	var msg commandLine
	if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Type == "" {
		// Not structured - plain log
		log.Info("agent output", slog.String("line", line))
		return nil, false
	}

	switch msg.Type {
	case "progress":
		ReportProgress(ctx, msg.Kind, msg.Data)
	case "result":
		return append(json.RawMessage(nil), msg.Data...), true
	case "log":
		log.Log(ctx, parseLevel(msg.Level), msg.Message)
	default:
		log.Debug("unknown agent line type", slog.String("type", msg.Type))
	}
	return nil, false
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var _ Handler = (*CommandHandler)(nil)
