package sandbox

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/sanduku/internal/session"
)

// skipIfNoPython skips the test unless python3 with the analysis stack
// is installed.
func skipIfNoPython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available, skipping integration test")
	}
	if err := exec.Command("python3", "-c", "import pandas, matplotlib, plotly").Run(); err != nil {
		t.Skip("analysis stack (pandas/matplotlib/plotly) not installed, skipping integration test")
	}
}

func newTestRestrictedSandbox(t *testing.T) *RestrictedSandbox {
	t.Helper()
	skipIfNoPython(t)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewRestrictedSandbox(RestrictedConfig{
		DefaultLimits: ResourceLimits{
			MaxWallSeconds: 20,
			MaxMemoryBytes: 512 << 20,
		},
	}, logger)
}

func testData() *session.DataContext {
	return &session.DataContext{
		SessionID: "test",
		Name:      "sales.csv",
		CSV:       "region,total\nnorth,100\nsouth,250\n",
		Rows:      2,
		Columns:   []string{"region", "total"},
	}
}

func TestRestrictedSandbox_BasicExecution(t *testing.T) {
	sbx := newTestRestrictedSandbox(t)

	result, err := sbx.Execute(context.Background(), `print("total:", df["total"].sum())`, testData(), ResourceLimits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusOK {
		t.Fatalf("status = %q, want ok (message: %s)", result.Status, result.RuntimeMessage)
	}
	if got := strings.TrimSpace(result.Stdout); got != "total: 350" {
		t.Errorf("stdout = %q, want %q", got, "total: 350")
	}
	if result.Strategy != StrategyRestrictedInterpreter {
		t.Errorf("strategy = %q", result.Strategy)
	}
}

func TestRestrictedSandbox_RuntimeError(t *testing.T) {
	sbx := newTestRestrictedSandbox(t)

	result, err := sbx.Execute(context.Background(), `raise ValueError("boom")`, nil, ResourceLimits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusRuntimeError {
		t.Fatalf("status = %q, want runtime_error", result.Status)
	}
	if result.RuntimeMessage != "ValueError: boom" {
		t.Errorf("message = %q", result.RuntimeMessage)
	}
}

func TestRestrictedSandbox_ImportDenied(t *testing.T) {
	// The restricted symbol table carries no __import__; an import
	// statement that slipped past validation still cannot resolve.
	sbx := newTestRestrictedSandbox(t)

	result, err := sbx.Execute(context.Background(), "import json\nprint(json)", nil, ResourceLimits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusRuntimeError {
		t.Fatalf("status = %q, want runtime_error", result.Status)
	}
}

func TestRestrictedSandbox_Timeout(t *testing.T) {
	sbx := newTestRestrictedSandbox(t)

	start := time.Now()
	result, err := sbx.Execute(context.Background(), `plt.pause(60)`, nil, ResourceLimits{MaxWallSeconds: 3})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusTimeout {
		t.Fatalf("status = %q, want timeout", result.Status)
	}
	// Bounded overshoot: the watchdog must not let the call drift far
	// past the wall limit.
	if elapsed > 7*time.Second {
		t.Errorf("timeout took %s, want well under 7s", elapsed)
	}
}

func TestRestrictedSandbox_NoLeakedProcess(t *testing.T) {
	sbx := newTestRestrictedSandbox(t)

	before := countPythonProcesses(t)
	_, err := sbx.Execute(context.Background(), `plt.pause(60)`, nil, ResourceLimits{MaxWallSeconds: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	after := countPythonProcesses(t)
	if after > before {
		t.Errorf("python processes leaked: %d before, %d after", before, after)
	}
}

func countPythonProcesses(t *testing.T) int {
	t.Helper()
	out, _ := exec.Command("pgrep", "-c", "-f", "python3 -c").Output()
	n := 0
	for _, c := range strings.TrimSpace(string(out)) {
		if c >= '0' && c <= '9' {
			n = n*10 + int(c-'0')
		}
	}
	return n
}

func TestRestrictedSandbox_MemoryCeiling(t *testing.T) {
	sbx := newTestRestrictedSandbox(t)

	result, err := sbx.Execute(context.Background(), `x = list(range(10**9))`, nil, ResourceLimits{
		MaxWallSeconds: 20,
		MaxMemoryBytes: 256 << 20,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusResourceExceeded {
		t.Errorf("status = %q, want resource_exceeded", result.Status)
	}
}

func TestRestrictedSandbox_Idempotent(t *testing.T) {
	sbx := newTestRestrictedSandbox(t)
	code := `print(df.groupby("region")["total"].sum().to_dict())`

	first, err := sbx.Execute(context.Background(), code, testData(), ResourceLimits{})
	if err != nil {
		t.Fatalf("first execution: %v", err)
	}
	second, err := sbx.Execute(context.Background(), code, testData(), ResourceLimits{})
	if err != nil {
		t.Fatalf("second execution: %v", err)
	}
	if first.Status != second.Status || first.Stdout != second.Stdout {
		t.Errorf("executions differ: %q/%q vs %q/%q",
			first.Status, first.Stdout, second.Status, second.Stdout)
	}
}

func TestRestrictedSandbox_PlotArtifact(t *testing.T) {
	sbx := newTestRestrictedSandbox(t)

	result, err := sbx.Execute(context.Background(), `plt.plot([1, 2, 3])`, nil, ResourceLimits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusOK {
		t.Fatalf("status = %q (message: %s)", result.Status, result.RuntimeMessage)
	}
	if len(result.Artifacts) != 1 || result.Artifacts[0].Kind != ArtifactPlotImage {
		t.Fatalf("artifacts = %+v, want one plot_image", result.Artifacts)
	}
	if result.Artifacts[0].Payload == "" {
		t.Error("empty plot payload")
	}
}

func TestRestrictedSandbox_CancelDiscardsPartials(t *testing.T) {
	sbx := newTestRestrictedSandbox(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()

	result, err := sbx.Execute(ctx, `print("partial")`+"\n"+`plt.pause(60)`, nil, ResourceLimits{MaxWallSeconds: 30})
	if err == nil {
		t.Fatalf("expected cancellation error, got result %+v", result)
	}
	if result != nil {
		t.Error("partial result returned after cancellation")
	}
}
