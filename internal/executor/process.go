// Package executor runs job pipelines as child processes and turns their
// output into structured log entries.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cuongbtq/job-engine/internal/domain"
)

// Config describes the pipeline command
type Config struct {
	Command        string
	Args           []string // placed before the params derived flags
	WorkDir        string
	ConfigPath     string // passed as --config when set
	Timeout        time.Duration
	AllowedSystems []string
	Env            []string
	KillGrace      time.Duration
}

// Process executes one job at a time as a child process. Create one per slot.
type Process struct {
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time

	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
}

// NewProcess creates an executor for cfg
func NewProcess(cfg Config, logger *slog.Logger) *Process {
	if len(cfg.AllowedSystems) == 0 {
		cfg.AllowedSystems = DefaultSystems
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 10 * time.Second
	}
	return &Process{cfg: cfg, logger: logger, clock: time.Now}
}

// Execute runs the pipeline for params, streaming every output line to logFn.
// It reports false without error when the pipeline itself failed, and
// returns context.Canceled after Cancel or cancellation of ctx.
func (p *Process) Execute(ctx context.Context, params domain.Params, logFn LogFunc) (bool, error) {
	flags, err := BuildArgs(params, p.cfg.AllowedSystems, p.cfg.ConfigPath)
	if err != nil {
		return false, err
	}
	argv := append(append([]string{}, p.cfg.Args...), flags...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if p.cfg.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, p.cfg.Timeout)
		defer cancelTimeout()
	}

	p.mu.Lock()
	if p.cancelled {
		p.mu.Unlock()
		return false, context.Canceled
	}
	p.cancel = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.cancel = nil
		p.mu.Unlock()
	}()

	var logMu sync.Mutex
	emit := func(e LogEntry) {
		logMu.Lock()
		defer logMu.Unlock()
		logFn(e)
	}
	engineLog := func(level, msg string) {
		emit(LogEntry{Level: level, Subsystem: SubsystemEngine, Message: msg, Timestamp: p.clock()})
	}

	commandLine := strings.TrimSpace(p.cfg.Command + " " + strings.Join(argv, " "))
	engineLog(LevelInfo, "Starting: "+commandLine)

	cmd := exec.CommandContext(runCtx, p.cfg.Command, argv...)
	cmd.Dir = p.cfg.WorkDir
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	cmd.Env = append(cmd.Env, "PYTHONIOENCODING=utf-8", "PYTHONUNBUFFERED=1")
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = p.cfg.KillGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return false, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if p.isCancelled() || ctx.Err() != nil {
			engineLog(LevelWarn, "Execution cancelled by user")
			return false, context.Canceled
		}
		engineLog(LevelError, "Failed to start process: "+err.Error())
		p.logger.Error("Failed to start pipeline", slog.String("command", p.cfg.Command), slog.Any("error", err))
		return false, nil
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.scan(stdout, func(line string) { emit(ParseLine(line, p.clock())) })
	}()
	go func() {
		defer wg.Done()
		p.scan(stderr, func(line string) {
			emit(LogEntry{Level: LevelError, Subsystem: SubsystemStderr, Message: line, Timestamp: p.clock()})
		})
	}()
	wg.Wait()

	waitErr := cmd.Wait()

	switch {
	case p.isCancelled() || errors.Is(ctx.Err(), context.Canceled):
		engineLog(LevelWarn, "Execution cancelled by user")
		return false, context.Canceled
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		engineLog(LevelError, fmt.Sprintf("Timeout after %d seconds", int(p.cfg.Timeout.Seconds())))
		return false, nil
	case waitErr == nil:
		engineLog(LevelSuccess, "Pipeline finished successfully")
		return true, nil
	default:
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		engineLog(LevelError, fmt.Sprintf("Pipeline finished with error (code: %d)", code))
		return false, nil
	}
}

func (p *Process) scan(r io.Reader, handle func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			handle(line)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.logger.Warn("Stopped parsing pipeline output", slog.Any("error", err))
		// Keep draining so the child never blocks on a full pipe
		_, _ = io.Copy(io.Discard, r)
	}
}

// Cancel stops the running process. It is safe to call repeatedly and from
// any goroutine.
func (p *Process) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cancelled = true
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Process) isCancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}
