package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jkaninda/sanduku/internal/session"
)

const defaultPythonBin = "python3"

// RestrictedConfig configures the restricted-interpreter strategy.
type RestrictedConfig struct {
	PythonBin     string         // Interpreter binary. Default: python3.
	DefaultLimits ResourceLimits // Applied when the request leaves limits zero.
}

// RestrictedSandbox executes analysis code in a local Python process
// whose exec environment exposes only vetted symbols — the analysis
// libraries plus a whitelisted builtins table. No __import__, no open,
// no process control.
//
// This is the degraded-trust fallback for hosts without a container
// runtime: the interpreter-level restriction is a weaker guarantee than
// kernel isolation, and the coordinator records which strategy served
// each request so operators can tell the two apart.
//
// Process-level containment still applies:
//   - Own process group; the whole group is killed on timeout
//   - No environment inheritance from the host process
//   - ulimit -v / -t ceilings for memory and CPU
//   - stdout/stderr capped
type RestrictedSandbox struct {
	config RestrictedConfig
	logger *slog.Logger
}

// NewRestrictedSandbox creates the restricted-interpreter strategy.
func NewRestrictedSandbox(cfg RestrictedConfig, logger *slog.Logger) *RestrictedSandbox {
	if cfg.PythonBin == "" {
		cfg.PythonBin = defaultPythonBin
	}
	cfg.DefaultLimits = cfg.DefaultLimits.WithDefaults()
	return &RestrictedSandbox{config: cfg, logger: logger}
}

func (s *RestrictedSandbox) Strategy() Strategy { return StrategyRestrictedInterpreter }

// Execute runs the code in a restricted local interpreter.
func (s *RestrictedSandbox) Execute(ctx context.Context, code string, data *session.DataContext, limits ResourceLimits) (*Result, error) {
	if code == "" {
		return nil, fmt.Errorf("empty code")
	}
	limits = mergeLimits(s.config.DefaultLimits, limits)

	ctx, cancel := context.WithTimeout(ctx, limits.Timeout())
	defer cancel()

	payload := harnessPayload{Code: code, Restricted: true}
	if data != nil {
		if limits.FilesystemMode == FilesystemReadOnly {
			dir, cleanup, err := materializeDataset(data)
			if err != nil {
				return nil, err
			}
			defer cleanup()
			payload.DataPath = filepath.Join(dir, "data.csv")
		} else {
			payload.CSV = data.CSV
		}
	}

	stdin, err := payload.encode()
	if err != nil {
		return nil, err
	}

	// ulimit ceilings, then exec the interpreter via positional
	// parameters so nothing is interpolated into the shell string.
	memKB := limits.MaxMemoryBytes / 1024
	cpuSeconds := limits.MaxWallSeconds // CPU time cannot exceed wall time.
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		memKB, cpuSeconds,
	)

	cmd := exec.CommandContext(ctx, "/bin/sh",
		"-c", shellScript, "_", s.config.PythonBin, "-c", harnessSource)
	cmd.Stdin = bytes.NewReader(stdin)

	// Scratch dir for HOME/matplotlib cache, removed afterwards.
	tmpDir, err := os.MkdirTemp("", "sanduku-sbx-*")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox temp dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			s.logger.Warn("failed to remove sandbox temp dir",
				slog.String("dir", tmpDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()
	cmd.Dir = tmpDir

	// No host environment inheritance — API keys and credentials must
	// not leak into the interpreter.
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"MPLCONFIGDIR=" + tmpDir,
		"LANG=en_US.UTF-8",
	}

	// Own process group; negative PID kill takes down any children the
	// interpreter might have spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	// Bound the post-kill wait so orphaned pipe holders cannot stall us.
	cmd.WaitDelay = 2 * time.Second

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	s.logger.Info("restricted sandbox executing",
		slog.Int64("memory_bytes", limits.MaxMemoryBytes),
		slog.Int("timeout_s", limits.MaxWallSeconds),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			s.logger.Warn("restricted sandbox timed out",
				slog.Int("timeout_s", limits.MaxWallSeconds),
				slog.Duration("duration", duration),
			)
			return &Result{
				Status:   StatusTimeout,
				Strategy: StrategyRestrictedInterpreter,
				Duration: duration,
			}, nil
		}
		return nil, ctxErr
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("interpreter execution failed: %w", runErr)
		}

		status := classifyExit(exitErr.ExitCode())
		result := &Result{
			Status:   status,
			Strategy: StrategyRestrictedInterpreter,
			Duration: duration,
		}
		if status == StatusRuntimeError {
			result.RuntimeMessage = sanitizeRuntimeMessage(stderrBuf.String())
		}
		s.logger.Info("restricted sandbox completed",
			slog.String("status", string(status)),
			slog.Int("exit_code", exitErr.ExitCode()),
			slog.Duration("duration", duration),
		)
		return result, nil
	}

	text, artifacts := splitHarnessOutput(stdoutBuf.String())
	s.logger.Info("restricted sandbox completed",
		slog.String("status", string(StatusOK)),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", len(text)),
		slog.Int("artifacts", len(artifacts)),
	)
	return &Result{
		Status:    StatusOK,
		Stdout:    text,
		Artifacts: artifacts,
		Strategy:  StrategyRestrictedInterpreter,
		Duration:  duration,
	}, nil
}
