package policy

// defaultRules is the built-in rule set. Order matters: within a
// category the first matching rule wins, so the most specific rules
// come first.
func defaultRules() []ruleSpec {
	return []ruleSpec{
		// --- Intent rules: screen the user's request before code generation ---
		{
			ID:          "intent-prompt-override",
			Category:    "intent",
			Action:      "block",
			Pattern:     `(?i)ignore\s+(your|all|any|previous|prior)\s+(instructions|rules|guidelines|guardrails)`,
			Description: "Prompt injection attempting to override system instructions.",
		},
		{
			ID:          "intent-code-injection",
			Category:    "intent",
			Action:      "block",
			Pattern:     `(?i)\b(exec|eval|__import__|os\.system|subprocess)\s*\(`,
			Description: "Request smuggling executable primitives into the conversation.",
		},
		{
			ID:          "intent-malicious-keywords",
			Category:    "intent",
			Action:      "block",
			Pattern:     `(?i)\b(hack|exploit|bypass|inject|malicious|virus|steal|unauthorized|breach|crack)\b`,
			Description: "Keywords signaling exploitation, credential theft, or system compromise.",
		},
		{
			ID:          "intent-destructive-filesystem",
			Category:    "intent",
			Action:      "block",
			Pattern:     `(?i)(rm\s+-rf|delete\s+(all\s+)?files|format\s+(the\s+)?(disk|drive)|wipe\s+(the\s+)?system)`,
			Description: "Request for destructive filesystem operations.",
		},
		{
			ID:          "intent-sensitive-data",
			Category:    "intent",
			Action:      "block",
			Pattern:     `\b\d{3}-\d{2}-\d{4}\b|\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`,
			Description: "Personal identifiers pasted directly into the request.",
		},

		// --- Code rules: static screening of generated code ---
		//
		// Block rules fail closed: any match rejects the code outright.
		{
			ID:          "code-process-exec",
			Category:    "code",
			Action:      "block",
			Pattern:     `\b(os\.system|os\.popen|os\.exec\w*|os\.spawn\w*|subprocess\.)`,
			Description: "Process or command execution primitives.",
		},
		{
			ID:          "code-dynamic-eval",
			Category:    "code",
			Action:      "block",
			Pattern:     `\b(exec|eval|compile)\s*\(|__import__\s*\(|\bimportlib\b`,
			Description: "Dynamic code evaluation or import machinery.",
		},
		{
			ID:          "code-forbidden-import",
			Category:    "code",
			Action:      "block",
			Pattern:     `(?m)^\s*(import\s+(os|subprocess|socket|shutil|ctypes|pickle|multiprocessing)\b|from\s+(os|subprocess|socket|shutil|ctypes|pickle|multiprocessing)\b)`,
			Description: "Import of a capability module outside the allowed analysis set.",
		},
		{
			ID:          "code-filesystem-write",
			Category:    "code",
			Action:      "block",
			Pattern:     `\bopen\s*\([^)]*,\s*['"][wax]b?\+?['"]|\.to_csv\s*\(\s*['"]/|os\.(remove|unlink|rmdir|makedirs|mkdir|rename)\b`,
			Description: "Filesystem write or delete operations.",
		},
		{
			ID:          "code-network-socket",
			Category:    "code",
			Action:      "block",
			Pattern:     `\bsocket\s*\.\s*socket|\b(urllib|requests|http\.client|ftplib|smtplib)\b`,
			Description: "Network socket creation or HTTP client use.",
		},
		{
			ID:          "code-interactive-input",
			Category:    "code",
			Action:      "block",
			Pattern:     `\b(input|raw_input)\s*\(`,
			Description: "Interactive input would hang a non-interactive sandbox.",
		},
		// Sanitize rules rewrite instead of blocking. These statements are
		// redundant (the execution harness already provides the symbols) or
		// harmless, so the offending line is stripped and execution proceeds.
		{
			ID:          "code-redundant-sys-import",
			Category:    "code",
			Action:      "sanitize",
			Pattern:     `(?m)^[ \t]*import\s+sys[ \t]*\r?\n?`,
			Description: "sys import stripped; the harness owns stdout and exit handling.",
		},
		{
			ID:          "code-redundant-warnings-import",
			Category:    "code",
			Action:      "sanitize",
			Pattern:     `(?m)^[ \t]*import\s+warnings.*\r?\n?`,
			Description: "warnings configuration is handled by the harness.",
		},
		{
			ID:          "code-redundant-analysis-import",
			Category:    "code",
			Action:      "sanitize",
			Pattern:     `(?m)^[ \t]*(import\s+(pandas|numpy|matplotlib(\.pyplot)?|plotly(\.\w+)*)(\s+as\s+\w+)?|from\s+(pandas|numpy|matplotlib|plotly)[.\w]*\s+import\s+[\w, *]+)[ \t]*\r?\n?`,
			Description: "Analysis libraries are pre-imported by the harness.",
		},

		// --- Data-leak rules: output redaction ---
		{
			ID:          "leak-government-id",
			Category:    "data-leak",
			Action:      "redact",
			Pattern:     `\b\d{3}-\d{2}-\d{4}\b`,
			Description: "Government ID number (SSN-like).",
		},
		{
			ID:          "leak-payment-card",
			Category:    "data-leak",
			Action:      "redact",
			Pattern:     `\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`,
			Description: "Payment card number.",
		},
		{
			ID:          "leak-credential-assignment",
			Category:    "data-leak",
			Action:      "redact",
			Pattern:     `(?i)\b(password|passwd|secret|api[_\s-]?key|token)\s*[:=]\s*\S+`,
			Description: "Credential-like key/value assignment.",
		},
		{
			ID:          "leak-aws-access-key",
			Category:    "data-leak",
			Action:      "redact",
			Pattern:     `\bAKIA[0-9A-Z]{16}\b`,
			Description: "AWS access key identifier.",
		},
		{
			ID:          "leak-email-address",
			Category:    "data-leak",
			Action:      "warn",
			Pattern:     `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
			Description: "Email address in output; audited but delivered.",
		},
	}
}
