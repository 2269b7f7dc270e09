package escalation

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"go.yaml.in/yaml/v3"
)

//go:embed default_rules.yaml
var defaultRules []byte

// Rule binds error codes to a named handler.
type Rule struct {
	Name        string   `yaml:"name"`
	Codes       []string `yaml:"codes"`
	Handler     string   `yaml:"handler"`
	Level       string   `yaml:"level"`
	Description string   `yaml:"description"`
}

// LogLevel returns the rule's level, defaulting to warn.
func (r Rule) LogLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(r.Level))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.WarnLevel
	}
	return lvl
}

// RuleSet is the complete routing table.
type RuleSet struct {
	Rules    []Rule `yaml:"rules"`
	CatchAll Rule   `yaml:"catchAll"`

	byCode map[string]Rule
}

// LoadRules reads path, or the embedded defaults when path is empty.
func LoadRules(path string) (RuleSet, error) {
	if strings.TrimSpace(path) == "" {
		return ParseRules(defaultRules)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("escalation: read rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a rules document. A code may belong to
// at most one rule.
func ParseRules(data []byte) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("escalation: decode rules: %w", err)
	}

	if rs.CatchAll.Name == "" {
		rs.CatchAll.Name = "unmatched"
	}
	if rs.CatchAll.Handler == "" {
		rs.CatchAll.Handler = "log"
	}

	rs.byCode = make(map[string]Rule)
	names := make(map[string]bool)
	for i, r := range rs.Rules {
		if r.Name == "" {
			return RuleSet{}, fmt.Errorf("escalation: rule %d has no name", i)
		}
		if names[r.Name] || r.Name == rs.CatchAll.Name {
			return RuleSet{}, fmt.Errorf("escalation: duplicate rule name %q", r.Name)
		}
		names[r.Name] = true
		if len(r.Codes) == 0 {
			return RuleSet{}, fmt.Errorf("escalation: rule %q has no codes", r.Name)
		}
		if r.Handler == "" {
			r.Handler = "log"
			rs.Rules[i] = r
		}
		for _, code := range r.Codes {
			code = strings.TrimSpace(code)
			if code == "" {
				return RuleSet{}, fmt.Errorf("escalation: rule %q has an empty code", r.Name)
			}
			if prev, ok := rs.byCode[code]; ok {
				return RuleSet{}, fmt.Errorf("escalation: code %s bound to both %q and %q", code, prev.Name, r.Name)
			}
			rs.byCode[code] = r
		}
	}
	return rs, nil
}

// Match returns the rule for code, or the catch-all.
func (rs RuleSet) Match(code string) (Rule, bool) {
	if r, ok := rs.byCode[code]; ok {
		return r, true
	}
	return rs.CatchAll, false
}
