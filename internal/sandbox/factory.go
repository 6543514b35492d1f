package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"

	"github.com/jkaninda/sanduku/internal/session"
)

// ErrUnavailable is returned when no execution strategy is present on
// the host. The system fails closed — it never executes unsandboxed.
var ErrUnavailable = errors.New("no sandbox strategy available")

// probeTimeout bounds the docker daemon availability check.
const probeTimeout = 3 * time.Second

// Config selects and configures the execution strategy.
type Config struct {
	Docker     DockerConfig
	Restricted RestrictedConfig

	// ForceStrategy pins a strategy instead of probing ("container" or
	// "restricted-interpreter"). Empty = probe, container preferred.
	ForceStrategy Strategy
}

// New picks the strongest available strategy: the container sandbox
// when a Docker daemon responds, the restricted interpreter when a
// Python binary exists, otherwise a fail-closed stub that reports
// every request as unavailable.
func New(cfg Config, logger *slog.Logger) Sandbox {
	switch cfg.ForceStrategy {
	case StrategyContainer:
		return NewDockerSandbox(cfg.Docker, logger)
	case StrategyRestrictedInterpreter:
		return NewRestrictedSandbox(cfg.Restricted, logger)
	}

	if dockerAvailable() {
		logger.Info("sandbox strategy selected", slog.String("strategy", string(StrategyContainer)))
		return NewDockerSandbox(cfg.Docker, logger)
	}

	pythonBin := cfg.Restricted.PythonBin
	if pythonBin == "" {
		pythonBin = defaultPythonBin
	}
	if _, err := exec.LookPath(pythonBin); err == nil {
		logger.Warn("container runtime unavailable, falling back to restricted interpreter (degraded trust)")
		return NewRestrictedSandbox(cfg.Restricted, logger)
	}

	logger.Error("no sandbox strategy available, executions will be rejected")
	return Unavailable{}
}

// dockerAvailable reports whether a Docker daemon answers within the
// probe timeout.
func dockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	return exec.CommandContext(ctx, "docker", "info").Run() == nil
}

// Unavailable is the fail-closed stub used when neither strategy is
// present. It rejects every execution without attempting anything.
type Unavailable struct{}

func (Unavailable) Strategy() Strategy { return StrategyUnavailable }

func (Unavailable) Execute(context.Context, string, *session.DataContext, ResourceLimits) (*Result, error) {
	return &Result{Status: StatusUnavailable, Strategy: StrategyUnavailable}, nil
}
