package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jkaninda/sanduku/internal/session"
)

const (
	defaultDockerImage     = "sanduku-runtime:latest"
	defaultDockerPIDsLimit = 64

	// cleanupTimeout bounds the post-execution docker rm safety net.
	cleanupTimeout = 5 * time.Second
)

// DockerConfig configures the container strategy.
type DockerConfig struct {
	Image         string         // Analysis runtime image (python + pandas/numpy/matplotlib/plotly).
	PIDsLimit     int            // --pids-limit (prevents fork bombs).
	DefaultLimits ResourceLimits // Applied when the request leaves limits zero.
}

// DockerSandbox executes analysis code inside ephemeral Docker
// containers, one per request.
//
// Isolation guarantees:
//   - All Linux capabilities dropped (--cap-drop=ALL)
//   - Read-only root filesystem with a small tmpfs for the matplotlib cache
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user (65534)
//   - Network stack absent unless limits enable it (--network=none)
//   - Memory hard limit with swap disabled (OOM kill on exceed)
//   - CPU share capped to the configured fraction
//   - Data context handed over serialized on stdin, or via a read-only
//     mount — the host never shares writable state with the container
//   - Wall-clock watchdog kills the container; a forced rm reclaims it
//     even when --rm does not fire
type DockerSandbox struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerSandbox creates the container strategy.
func NewDockerSandbox(cfg DockerConfig, logger *slog.Logger) *DockerSandbox {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	cfg.DefaultLimits = cfg.DefaultLimits.WithDefaults()
	return &DockerSandbox{config: cfg, logger: logger}
}

func (s *DockerSandbox) Strategy() Strategy { return StrategyContainer }

// Execute runs the code in a fresh hardened container.
func (s *DockerSandbox) Execute(ctx context.Context, code string, data *session.DataContext, limits ResourceLimits) (*Result, error) {
	if code == "" {
		return nil, fmt.Errorf("empty code")
	}
	limits = mergeLimits(s.config.DefaultLimits, limits)

	ctx, cancel := context.WithTimeout(ctx, limits.Timeout())
	defer cancel()

	containerName, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	payload := harnessPayload{Code: code}
	args := s.buildDockerArgs(containerName, limits)

	// Serialized data handoff. FilesystemReadOnly materializes the
	// dataset into a throwaway directory mounted read-only; otherwise
	// the CSV travels inline on stdin.
	if data != nil {
		if limits.FilesystemMode == FilesystemReadOnly {
			dir, cleanup, err := materializeDataset(data)
			if err != nil {
				return nil, err
			}
			defer cleanup()
			args = append(args, "-v", dir+":/sandbox/data:ro")
			payload.DataPath = "/sandbox/data/data.csv"
		} else {
			payload.CSV = data.CSV
		}
	}

	args = append(args, s.config.Image, "python3", "-c", harnessSource)

	stdin, err := payload.encode()
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	s.logger.Info("container sandbox executing",
		slog.String("container", containerName),
		slog.String("image", s.config.Image),
		slog.Int64("memory_bytes", limits.MaxMemoryBytes),
		slog.Float64("cpu_fraction", limits.MaxCPUFraction),
		slog.Int("timeout_s", limits.MaxWallSeconds),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// Safety net: reclaim the container even if --rm did not fire
	// (OOM kill, watchdog kill, daemon restart).
	s.forceRemoveContainer(containerName)

	return s.interpret(ctx, containerName, runErr, stdoutBuf.String(), stderrBuf.String(), duration, limits)
}

// interpret converts the raw process outcome into a Result.
func (s *DockerSandbox) interpret(ctx context.Context, containerName string, runErr error, stdout, stderr string, duration time.Duration, limits ResourceLimits) (*Result, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			s.logger.Warn("container sandbox timed out",
				slog.String("container", containerName),
				slog.Int("timeout_s", limits.MaxWallSeconds),
				slog.Duration("duration", duration),
			)
			return &Result{
				Status:   StatusTimeout,
				Strategy: StrategyContainer,
				Duration: duration,
			}, nil
		}
		// Caller cancellation: the kill path has run; discard partials.
		return nil, ctxErr
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("docker execution failed: %w", runErr)
		}

		status := classifyExit(exitErr.ExitCode())
		result := &Result{
			Status:   status,
			Strategy: StrategyContainer,
			Duration: duration,
		}
		if status == StatusRuntimeError {
			result.RuntimeMessage = sanitizeRuntimeMessage(stderr)
		}
		s.logger.Info("container sandbox completed",
			slog.String("container", containerName),
			slog.String("status", string(status)),
			slog.Int("exit_code", exitErr.ExitCode()),
			slog.Duration("duration", duration),
		)
		return result, nil
	}

	text, artifacts := splitHarnessOutput(stdout)
	s.logger.Info("container sandbox completed",
		slog.String("container", containerName),
		slog.String("status", string(StatusOK)),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", len(text)),
		slog.Int("artifacts", len(artifacts)),
	)
	return &Result{
		Status:    StatusOK,
		Stdout:    text,
		Artifacts: artifacts,
		Strategy:  StrategyContainer,
		Duration:  duration,
	}, nil
}

// buildDockerArgs constructs the docker run argument list with the full
// hardening set. Image and command are appended by the caller.
func (s *DockerSandbox) buildDockerArgs(name string, limits ResourceLimits) []string {
	memoryFlag := strconv.FormatInt(limits.MaxMemoryBytes, 10) + "b"
	cpuFlag := strconv.FormatFloat(limits.MaxCPUFraction, 'f', 2, 64)

	args := []string{
		"run", "--rm", "-i",
		"--name", name,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // Equal to memory = swap disabled, OOM kill on exceed.
		"--cpus=" + cpuFlag,
		"--pids-limit=" + strconv.Itoa(s.config.PIDsLimit),

		// Writable tmpfs only for the matplotlib cache. noexec keeps it
		// from becoming a code-drop location.
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",

		"--env", "HOME=/tmp",
		"--env", "MPLCONFIGDIR=/tmp/mpl",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",

		"--workdir", "/tmp",
	}

	if limits.NetworkEnabled {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	return args
}

// forceRemoveContainer removes a container by name, best-effort.
func (s *DockerSandbox) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil {
		// "No such container" means --rm already cleaned up.
		if !bytes.Contains(out, []byte("No such container")) {
			s.logger.Warn("docker rm -f failed",
				slog.String("container", name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// materializeDataset writes the data context CSV into a throwaway
// directory for a read-only mount. The cleanup func removes it.
func materializeDataset(data *session.DataContext) (dir string, cleanup func(), err error) {
	dir, err = os.MkdirTemp("", "sanduku-data-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating dataset dir: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(dir) }

	if err := os.WriteFile(filepath.Join(dir, "data.csv"), []byte(data.CSV), 0444); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("writing dataset: %w", err)
	}
	return dir, cleanup, nil
}

// mergeLimits overlays request limits on the sandbox defaults. The
// configured defaults are hard ceilings: a request may narrow them but
// never raise them, so the API surface cannot be used to buy a longer
// wall clock or more memory than the operator allowed.
func mergeLimits(def, req ResourceLimits) ResourceLimits {
	out := def
	if req.MaxWallSeconds > 0 && req.MaxWallSeconds < out.MaxWallSeconds {
		out.MaxWallSeconds = req.MaxWallSeconds
	}
	if req.MaxMemoryBytes > 0 && req.MaxMemoryBytes < out.MaxMemoryBytes {
		out.MaxMemoryBytes = req.MaxMemoryBytes
	}
	if req.MaxCPUFraction > 0 && req.MaxCPUFraction < out.MaxCPUFraction {
		out.MaxCPUFraction = req.MaxCPUFraction
	}
	// Requests may drop filesystem access, not add it.
	if req.FilesystemMode == FilesystemNone {
		out.FilesystemMode = FilesystemNone
	}
	out.NetworkEnabled = def.NetworkEnabled && req.NetworkEnabled
	return out
}

// generateContainerName returns a unique name: sanduku-sbx-<16 hex>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sanduku-sbx-" + hex.EncodeToString(b), nil
}
