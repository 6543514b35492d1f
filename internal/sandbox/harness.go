package sandbox

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Reserved harness exit codes. The harness converts interpreter-level
// faults into codes the supervisor can classify without parsing text.
const (
	exitMemoryExceeded = 87 // MemoryError inside the analysis code.
)

// artifactSentinel separates the analysis code's stdout from the JSON
// artifact trailer the harness appends.
const artifactSentinel = "---SANDUKU-ARTIFACTS---"

// harnessPayload is the serialized handoff written to the harness on
// stdin. The host never shares memory or mutable files with the
// sandboxed process.
type harnessPayload struct {
	Code       string `json:"code"`
	CSV        string `json:"csv,omitempty"`       // Inline dataset (FilesystemNone).
	DataPath   string `json:"data_path,omitempty"` // Materialized dataset (FilesystemReadOnly).
	Restricted bool   `json:"restricted"`
}

func (p harnessPayload) encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding harness payload: %w", err)
	}
	return data, nil
}

// harnessSource is the Python program both strategies run. It reads the
// payload from stdin, prepares the analysis environment (dataset bound
// to df, plotting forced to the Agg backend), executes the code, and
// appends structured artifacts after the sentinel line.
//
// In restricted mode the executed code sees only a whitelisted builtins
// table — no __import__, no open, no process control. The container
// strategy relies on kernel-level isolation instead and leaves the
// interpreter intact.
//
// Faults map to reserved exit codes: MemoryError exits 87, any other
// exception prints only the exception type and message (never a
// traceback) and exits 1.
const harnessSource = `
import base64, json, sys
from io import BytesIO, StringIO

_payload = json.load(sys.stdin)

import warnings
warnings.filterwarnings("ignore")

import matplotlib
matplotlib.use("Agg")
import matplotlib.pyplot as plt
import numpy as np
import pandas as pd
import plotly.express as px
import plotly.graph_objects as go

df = None
if _payload.get("data_path"):
    df = pd.read_csv(_payload["data_path"])
elif _payload.get("csv"):
    df = pd.read_csv(StringIO(_payload["csv"]))

_env = {
    "pd": pd, "np": np, "plt": plt, "px": px, "go": go, "df": df,
    "StringIO": StringIO, "BytesIO": BytesIO, "base64": base64,
}
if _payload.get("restricted"):
    _env["__builtins__"] = {
        "len": len, "str": str, "int": int, "float": float, "bool": bool,
        "list": list, "dict": dict, "tuple": tuple, "set": set,
        "range": range, "enumerate": enumerate, "zip": zip,
        "map": map, "filter": filter, "max": max, "min": min,
        "sum": sum, "abs": abs, "round": round, "sorted": sorted,
        "reversed": reversed, "print": print, "repr": repr,
        "isinstance": isinstance, "hasattr": hasattr, "getattr": getattr,
        "Exception": Exception, "TypeError": TypeError,
        "ValueError": ValueError, "IndexError": IndexError,
        "KeyError": KeyError, "ZeroDivisionError": ZeroDivisionError,
        "StopIteration": StopIteration, "True": True, "False": False,
        "None": None,
    }

try:
    exec(compile(_payload["code"], "<analysis>", "exec"), _env)
except MemoryError:
    sys.exit(87)
except BaseException as e:
    print("%s: %s" % (type(e).__name__, e), file=sys.stderr)
    sys.exit(1)

_artifacts = []
for _n in plt.get_fignums():
    _buf = BytesIO()
    plt.figure(_n).savefig(_buf, format="png", bbox_inches="tight")
    _artifacts.append({"kind": "plot_image",
                       "payload": base64.b64encode(_buf.getvalue()).decode()})
plt.close("all")

_fig = _env.get("fig")
if _fig is not None and hasattr(_fig, "to_html"):
    _artifacts.append({"kind": "plot_html",
                       "payload": _fig.to_html(include_plotlyjs="cdn", full_html=False)})

_pb = _env.get("plot_base64")
if isinstance(_pb, str) and _pb:
    _artifacts.append({"kind": "plot_image", "payload": _pb})

_tbl = _env.get("result_table")
if _tbl is not None and hasattr(_tbl, "to_json"):
    _artifacts.append({"kind": "table", "payload": _tbl.to_json(orient="split")})

sys.stdout.write("\n` + artifactSentinel + `\n")
sys.stdout.write(json.dumps(_artifacts))
`

// splitHarnessOutput separates the analysis code's own stdout from the
// artifact trailer. A missing or truncated trailer (the output cap may
// have cut it off) yields no artifacts, never an error.
func splitHarnessOutput(raw string) (stdout string, artifacts []Artifact) {
	idx := strings.LastIndex(raw, "\n"+artifactSentinel+"\n")
	if idx < 0 {
		return strings.TrimRight(raw, "\n"), nil
	}

	stdout = strings.TrimRight(raw[:idx], "\n")
	trailer := raw[idx+len(artifactSentinel)+2:]

	if err := json.Unmarshal([]byte(trailer), &artifacts); err != nil {
		return stdout, nil
	}
	return stdout, artifacts
}

// absPathPattern matches multi-segment filesystem paths in error text.
var absPathPattern = regexp.MustCompile(`(?:/[\w.+-]+){2,}/?`)

const maxRuntimeMessageLen = 500

// sanitizeRuntimeMessage reduces untrusted stderr to a short,
// host-path-free message. Only the final non-empty line is kept — the
// harness emits exactly one "Type: message" line, and anything longer
// would be interpreter noise.
func sanitizeRuntimeMessage(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	msg := ""
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			msg = s
			break
		}
	}
	msg = absPathPattern.ReplaceAllString(msg, "<path>")
	msg = strings.TrimSpace(msg)
	if len(msg) > maxRuntimeMessageLen {
		msg = msg[:maxRuntimeMessageLen]
	}
	return msg
}

// classifyExit maps a harness exit code to an execution status.
// 87 is the harness's MemoryError code; 137 and 152 are SIGKILL and
// SIGXCPU terminations from the kernel enforcing the memory or CPU
// ceiling.
func classifyExit(code int) Status {
	switch code {
	case exitMemoryExceeded, 137, 152:
		return StatusResourceExceeded
	default:
		return StatusRuntimeError
	}
}
