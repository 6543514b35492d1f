// Package policy implements the read-only rule store that drives every
// guardrail stage. Rules are loaded once at startup into an immutable,
// ordered store — evaluation walks each category top-to-bottom and the
// first match wins. There is no runtime mutation, so the store needs no
// locking.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Category classifies which pipeline stage a rule applies to.
type Category string

const (
	// CategoryIntent rules screen the natural-language request before
	// any code is generated.
	CategoryIntent Category = "intent"
	// CategoryCode rules inspect generated code before execution.
	CategoryCode Category = "code"
	// CategoryDataLeak rules scan execution output for sensitive spans.
	CategoryDataLeak Category = "data-leak"
)

// Action is what happens when a rule matches.
type Action string

const (
	// ActionBlock rejects the request outright. Only intent and code
	// rules may block — output rules never abort a response.
	ActionBlock Action = "block"
	// ActionSanitize rewrites code to strip the offending statement
	// instead of blocking. Code category only.
	ActionSanitize Action = "sanitize"
	// ActionRedact replaces the matched span with a placeholder.
	ActionRedact Action = "redact"
	// ActionWarn records an audit event without altering the result.
	ActionWarn Action = "warn"
)

// Rule is a single compiled policy rule. Immutable after load.
type Rule struct {
	ID          string
	Category    Category
	Action      Action
	Description string

	pattern *regexp.Regexp
}

// Match reports whether the rule's pattern matches anywhere in s.
func (r *Rule) Match(s string) bool {
	return r.pattern.MatchString(s)
}

// Redact replaces every match in s with the placeholder and returns the
// rewritten string plus the number of replacements made.
func (r *Rule) Redact(s, placeholder string) (string, int) {
	count := 0
	out := r.pattern.ReplaceAllStringFunc(s, func(string) string {
		count++
		return placeholder
	})
	return out, count
}

// Strip removes every match in s (used by sanitize-action code rules).
func (r *Rule) Strip(s string) string {
	return r.pattern.ReplaceAllString(s, "")
}

// Pattern returns the rule's pattern source, for audit records.
func (r *Rule) Pattern() string {
	return r.pattern.String()
}

// Store is the immutable, ordered rule store shared by all guardrail
// stages. Safe for unsynchronized concurrent reads.
type Store struct {
	byCategory map[Category][]*Rule
	version    string
}

// ruleSpec is the YAML wire form of a rule.
type ruleSpec struct {
	ID          string `yaml:"id"`
	Category    string `yaml:"category"`
	Action      string `yaml:"action"`
	Pattern     string `yaml:"pattern"`
	Description string `yaml:"description,omitempty"`
}

type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

// NewStore compiles the given specs into a Store. Order is preserved
// within each category. Fails on the first invalid rule — a store that
// silently drops rules would fail open.
func NewStore(specs []ruleSpec) (*Store, error) {
	byCat := make(map[Category][]*Rule)
	h := sha256.New()
	seen := make(map[string]bool, len(specs))

	for i, spec := range specs {
		if spec.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if seen[spec.ID] {
			return nil, fmt.Errorf("rule %q: duplicate id", spec.ID)
		}
		seen[spec.ID] = true

		cat := Category(spec.Category)
		switch cat {
		case CategoryIntent, CategoryCode, CategoryDataLeak:
		default:
			return nil, fmt.Errorf("rule %q: unknown category %q", spec.ID, spec.Category)
		}

		action := Action(spec.Action)
		switch action {
		case ActionBlock, ActionRedact, ActionWarn:
		case ActionSanitize:
			if cat != CategoryCode {
				return nil, fmt.Errorf("rule %q: sanitize is only valid for code rules", spec.ID)
			}
		default:
			return nil, fmt.Errorf("rule %q: unknown action %q", spec.ID, spec.Action)
		}
		if cat == CategoryDataLeak && action == ActionBlock {
			return nil, fmt.Errorf("rule %q: data-leak rules may redact or warn, never block", spec.ID)
		}

		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: compiling pattern: %w", spec.ID, err)
		}

		byCat[cat] = append(byCat[cat], &Rule{
			ID:          spec.ID,
			Category:    cat,
			Action:      action,
			Description: spec.Description,
			pattern:     re,
		})

		fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00", spec.ID, spec.Category, spec.Action, spec.Pattern)
	}

	return &Store{
		byCategory: byCat,
		version:    hex.EncodeToString(h.Sum(nil))[:12],
	}, nil
}

// Load builds a Store from the built-in defaults plus an optional YAML
// rule file. File rules are appended after the defaults, so built-in
// block rules cannot be shadowed by custom ones.
func Load(path string) (*Store, error) {
	specs := defaultRules()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading policy file %s: %w", path, err)
		}
		var rf ruleFile
		if err := yaml.Unmarshal(data, &rf); err != nil {
			return nil, fmt.Errorf("parsing policy file %s: %w", path, err)
		}
		specs = append(specs, rf.Rules...)
	}

	store, err := NewStore(specs)
	if err != nil {
		return nil, fmt.Errorf("building policy store: %w", err)
	}
	return store, nil
}

// Default returns a Store holding only the built-in rule set.
func Default() *Store {
	store, err := NewStore(defaultRules())
	if err != nil {
		// The built-in rules are compiled in tests; this cannot fail at runtime.
		panic(fmt.Sprintf("policy: built-in rules invalid: %v", err))
	}
	return store
}

// Rules returns the ordered rule sequence for a category. The returned
// slice must not be mutated.
func (s *Store) Rules(cat Category) []*Rule {
	return s.byCategory[cat]
}

// Version is a stable fingerprint of the loaded rule set. Identical
// rules always produce the identical version, which makes validator
// verdicts reproducible across processes.
func (s *Store) Version() string {
	return s.version
}

// Len returns the total number of loaded rules.
func (s *Store) Len() int {
	n := 0
	for _, rules := range s.byCategory {
		n += len(rules)
	}
	return n
}
