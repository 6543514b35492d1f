package validator

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/jkaninda/sanduku/internal/policy"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return New(policy.Default(), nil, logger)
}

func TestValidateClearsBenignCode(t *testing.T) {
	v := newValidator(t)

	r := v.Validate(context.Background(), "s1", `result = df.groupby("region")["total"].sum()`+"\nprint(result)\n")
	if !r.Cleared {
		t.Fatalf("benign code rejected: %+v", r.Violations)
	}
	if r.Sanitized {
		t.Error("benign code marked sanitized")
	}
}

func TestValidateBlocks(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		wantRule string
	}{
		{"exec call", `exec("print(1)")`, "code-dynamic-eval"},
		{"eval call", `x = eval("2+2")`, "code-dynamic-eval"},
		{"dunder import", `__import__("os").listdir(".")`, "code-dynamic-eval"},
		{"os import with system call", `import os; os.system("rm -rf /")`, "code-process-exec"},
		{"subprocess", `import subprocess\nsubprocess.run(["ls"])`, "code-forbidden-import"},
		{"socket", "import socket\ns = socket.socket()", "code-forbidden-import"},
		{"requests", `requests.get("http://example.com")`, "code-network-socket"},
		{"file write", `open("/etc/passwd", "w").write("x")`, "code-filesystem-write"},
		{"os remove", `os.remove("data.csv")`, "code-filesystem-write"},
		{"interactive input", `name = input("who? ")`, "code-interactive-input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newValidator(t)
			r := v.Validate(context.Background(), "s1", tt.code)
			if r.Cleared {
				t.Fatal("unsafe code cleared")
			}
			if r.Code != "" {
				t.Errorf("rejected report still carries code: %q", r.Code)
			}
			found := false
			for _, viol := range r.Violations {
				if viol.RuleID == tt.wantRule {
					found = true
				}
			}
			if !found {
				t.Errorf("violations = %+v, want rule %q", r.Violations, tt.wantRule)
			}
		})
	}
}

func TestValidateCollectsAllViolations(t *testing.T) {
	v := newValidator(t)

	code := "import os\nos.system(\"id\")\neval(\"1\")\nrequests.get(\"http://x\")\n"
	r := v.Validate(context.Background(), "s1", code)
	if r.Cleared {
		t.Fatal("unsafe code cleared")
	}
	if len(r.Violations) < 3 {
		t.Errorf("violations = %+v, want every matching block rule collected", r.Violations)
	}
}

func TestValidateSanitizesRedundantImports(t *testing.T) {
	v := newValidator(t)

	code := "import pandas as pd\nimport warnings\nwarnings.filterwarnings('ignore')\nimport sys\nprint(df.head())\n"
	r := v.Validate(context.Background(), "s1", code)
	if !r.Cleared {
		t.Fatalf("sanitizable code rejected: %+v", r.Violations)
	}
	if !r.Sanitized {
		t.Error("Sanitized flag not set")
	}
	for _, banned := range []string{"import pandas", "import warnings", "import sys"} {
		if strings.Contains(r.Code, banned) {
			t.Errorf("sanitized code still contains %q:\n%s", banned, r.Code)
		}
	}
	if !strings.Contains(r.Code, "print(df.head())") {
		t.Errorf("sanitizer removed live code:\n%s", r.Code)
	}
}

func TestValidateDeterministic(t *testing.T) {
	v := newValidator(t)
	code := "import warnings\nimport os\nprint(1)\n"

	first := v.Validate(context.Background(), "s1", code)
	for i := 0; i < 5; i++ {
		again := v.Validate(context.Background(), "s1", code)
		if again.Cleared != first.Cleared || len(again.Violations) != len(first.Violations) {
			t.Fatalf("run %d diverged: %+v vs %+v", i, again, first)
		}
	}
}

func TestPolicyVersionMatchesStore(t *testing.T) {
	store := policy.Default()
	v := New(store, nil, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if v.PolicyVersion() != store.Version() {
		t.Error("version mismatch")
	}
}
