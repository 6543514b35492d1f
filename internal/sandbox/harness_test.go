package sandbox

import (
	"bytes"
	"strings"
	"testing"
)

func TestSplitHarnessOutput(t *testing.T) {
	tests := []struct {
		name          string
		raw           string
		wantStdout    string
		wantArtifacts int
	}{
		{
			name:       "no trailer",
			raw:        "hello\nworld\n",
			wantStdout: "hello\nworld",
		},
		{
			name:          "trailer with artifacts",
			raw:           "sum: 42\n\n" + artifactSentinel + "\n" + `[{"kind":"plot_image","payload":"aGk="}]`,
			wantStdout:    "sum: 42",
			wantArtifacts: 1,
		},
		{
			name:       "empty trailer",
			raw:        "out\n\n" + artifactSentinel + "\n[]",
			wantStdout: "out",
		},
		{
			name:       "truncated trailer json",
			raw:        "out\n\n" + artifactSentinel + "\n" + `[{"kind":"plot_`,
			wantStdout: "out",
		},
		{
			name:       "sentinel-looking text in stdout",
			raw:        "fake " + artifactSentinel + " inline\n\n" + artifactSentinel + "\n[]",
			wantStdout: "fake " + artifactSentinel + " inline",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, artifacts := splitHarnessOutput(tt.raw)
			if stdout != tt.wantStdout {
				t.Errorf("stdout = %q, want %q", stdout, tt.wantStdout)
			}
			if len(artifacts) != tt.wantArtifacts {
				t.Errorf("artifacts = %d, want %d", len(artifacts), tt.wantArtifacts)
			}
		})
	}
}

func TestSanitizeRuntimeMessage(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   string
	}{
		{
			name:   "plain harness message",
			stderr: "ValueError: boom\n",
			want:   "ValueError: boom",
		},
		{
			name:   "last non-empty line wins",
			stderr: "noise\nKeyError: 'region'\n\n",
			want:   "KeyError: 'region'",
		},
		{
			name:   "host path stripped",
			stderr: "FileNotFoundError: [Errno 2] No such file: '/home/deploy/secrets.csv'",
			want:   "FileNotFoundError: [Errno 2] No such file: '<path>'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeRuntimeMessage(tt.stderr); got != tt.want {
				t.Errorf("sanitizeRuntimeMessage = %q, want %q", got, tt.want)
			}
		})
	}

	t.Run("long message truncated", func(t *testing.T) {
		got := sanitizeRuntimeMessage("Err: " + strings.Repeat("x", 2000))
		if len(got) != maxRuntimeMessageLen {
			t.Errorf("len = %d, want %d", len(got), maxRuntimeMessageLen)
		}
	})

	t.Run("never leaks absolute paths", func(t *testing.T) {
		got := sanitizeRuntimeMessage("error in /usr/local/lib/python3.12/site-packages/pandas/core/frame.py")
		if strings.Contains(got, "/usr/local") {
			t.Errorf("path leaked: %q", got)
		}
	})
}

func TestClassifyExit(t *testing.T) {
	tests := []struct {
		code int
		want Status
	}{
		{exitMemoryExceeded, StatusResourceExceeded},
		{137, StatusResourceExceeded},
		{152, StatusResourceExceeded},
		{1, StatusRuntimeError},
		{2, StatusRuntimeError},
	}
	for _, tt := range tests {
		if got := classifyExit(tt.code); got != tt.want {
			t.Errorf("classifyExit(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestResourceLimitsWithDefaults(t *testing.T) {
	got := ResourceLimits{}.WithDefaults()
	if got.MaxWallSeconds != DefaultMaxWallSeconds {
		t.Errorf("MaxWallSeconds = %d", got.MaxWallSeconds)
	}
	if got.MaxMemoryBytes != DefaultMaxMemoryBytes {
		t.Errorf("MaxMemoryBytes = %d", got.MaxMemoryBytes)
	}
	if got.MaxCPUFraction != DefaultMaxCPUFraction {
		t.Errorf("MaxCPUFraction = %f", got.MaxCPUFraction)
	}
	if got.NetworkEnabled {
		t.Error("NetworkEnabled should default to false")
	}
	if got.FilesystemMode != FilesystemNone {
		t.Errorf("FilesystemMode = %q", got.FilesystemMode)
	}

	// Explicit values survive.
	explicit := ResourceLimits{MaxWallSeconds: 5, MaxMemoryBytes: 1 << 20}.WithDefaults()
	if explicit.MaxWallSeconds != 5 || explicit.MaxMemoryBytes != 1<<20 {
		t.Errorf("explicit limits overwritten: %+v", explicit)
	}
}

func TestMergeLimits(t *testing.T) {
	def := ResourceLimits{MaxWallSeconds: 30, MaxMemoryBytes: 512 << 20, MaxCPUFraction: 0.5, NetworkEnabled: false, FilesystemMode: FilesystemNone}

	merged := mergeLimits(def, ResourceLimits{MaxWallSeconds: 5, NetworkEnabled: true})
	if merged.MaxWallSeconds != 5 {
		t.Errorf("MaxWallSeconds = %d, want 5", merged.MaxWallSeconds)
	}
	if merged.MaxMemoryBytes != 512<<20 {
		t.Errorf("MaxMemoryBytes = %d", merged.MaxMemoryBytes)
	}
	// A request cannot enable network unless the sandbox default allows it.
	if merged.NetworkEnabled {
		t.Error("request enabled network past a deny-by-default sandbox")
	}

	permissive := ResourceLimits{MaxWallSeconds: 30, NetworkEnabled: true}
	if got := mergeLimits(permissive, ResourceLimits{NetworkEnabled: true}); !got.NetworkEnabled {
		t.Error("network should be enabled when both default and request allow it")
	}
}

func TestMergeLimitsRequestCannotWiden(t *testing.T) {
	def := ResourceLimits{MaxWallSeconds: 30, MaxMemoryBytes: 512 << 20, MaxCPUFraction: 0.5, FilesystemMode: FilesystemNone}

	merged := mergeLimits(def, ResourceLimits{
		MaxWallSeconds: 3600,
		MaxMemoryBytes: 8 << 30,
		MaxCPUFraction: 4.0,
		FilesystemMode: FilesystemReadOnly,
	})
	if merged.MaxWallSeconds != 30 {
		t.Errorf("MaxWallSeconds = %d, want ceiling 30", merged.MaxWallSeconds)
	}
	if merged.MaxMemoryBytes != 512<<20 {
		t.Errorf("MaxMemoryBytes = %d, want ceiling %d", merged.MaxMemoryBytes, int64(512<<20))
	}
	if merged.MaxCPUFraction != 0.5 {
		t.Errorf("MaxCPUFraction = %f, want ceiling 0.5", merged.MaxCPUFraction)
	}
	if merged.FilesystemMode != FilesystemNone {
		t.Errorf("FilesystemMode = %q, request widened filesystem access", merged.FilesystemMode)
	}

	// Narrowing still works in the same call.
	narrowed := mergeLimits(ResourceLimits{MaxWallSeconds: 30, MaxMemoryBytes: 512 << 20, FilesystemMode: FilesystemReadOnly},
		ResourceLimits{MaxWallSeconds: 5, FilesystemMode: FilesystemNone})
	if narrowed.MaxWallSeconds != 5 {
		t.Errorf("MaxWallSeconds = %d, want 5", narrowed.MaxWallSeconds)
	}
	if narrowed.FilesystemMode != FilesystemNone {
		t.Errorf("FilesystemMode = %q, want none", narrowed.FilesystemMode)
	}
}

func TestLimitedWriterCaps(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 10}

	n, err := lw.Write([]byte("0123456789abcdef"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 16 {
		t.Errorf("n = %d, want 16 (excess silently discarded)", n)
	}
	if buf.String() != "0123456789" {
		t.Errorf("buffer = %q", buf.String())
	}

	// Further writes are discarded entirely.
	if n, _ := lw.Write([]byte("more")); n != 4 {
		t.Errorf("discarded write n = %d, want 4", n)
	}
	if buf.Len() != 10 {
		t.Errorf("buffer grew past cap: %d", buf.Len())
	}
}

func TestHarnessPayloadEncode(t *testing.T) {
	data, err := harnessPayload{Code: "print(1)", CSV: "a,b\n1,2\n", Restricted: true}.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, want := range []string{`"code":"print(1)"`, `"restricted":true`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("payload %s missing %s", data, want)
		}
	}
}

func TestUnavailableFailsClosed(t *testing.T) {
	result, err := Unavailable{}.Execute(t.Context(), "print(1)", nil, ResourceLimits{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != StatusUnavailable {
		t.Errorf("status = %q, want %q", result.Status, StatusUnavailable)
	}
	if (Unavailable{}).Strategy() != StrategyUnavailable {
		t.Error("strategy mismatch")
	}
}
