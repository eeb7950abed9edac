package rules

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/posdesk/posdesk/internal/domain"
)

// RuleScope selects what a rule is evaluated against.
type RuleScope string

const (
	ScopePortfolio RuleScope = "PORTFOLIO"
	ScopeCombo     RuleScope = "COMBO"
	ScopeLeg       RuleScope = "LEG"
)

// Rule is one compiled catalog entry. Filter and Expr are compiled once at
// parse time; evaluation never interprets strings.
type Rule struct {
	RuleID    string          `json:"rule_id"`
	Name      string          `json:"name"`
	Severity  domain.Severity `json:"severity"`
	Scope     RuleScope       `json:"scope"`
	FilterSrc string          `json:"filter,omitempty"`
	ExprSrc   string          `json:"expr"`

	filter Expr
	expr   Expr
}

// Catalog is a versioned rule set. Exactly one catalog is active at a time.
type Catalog struct {
	Version   int       `json:"version"`
	Rules     []Rule    `json:"rules"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by"`
}

// ValidationError points at one problem in catalog text.
type ValidationError struct {
	RuleID  string `json:"rule_id,omitempty"`
	Index   int    `json:"index"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.RuleID != "" {
		fmt.Fprintf(&b, "rule %q: ", e.RuleID)
	} else {
		fmt.Fprintf(&b, "rule #%d: ", e.Index)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, "%s: ", e.Field)
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is the structured error list surfaced to callers.
// Malformed catalog text never escapes the parse boundary as a panic or a
// single opaque error.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return fmt.Sprintf("catalog validation failed: %s", strings.Join(msgs, "; "))
}

// Messages flattens the list for transport payloads.
func (e ValidationErrors) Messages() []string {
	out := make([]string, len(e))
	for i, ve := range e {
		out[i] = ve.Error()
	}
	return out
}

// catalogDoc is the YAML wire shape of catalog text.
type catalogDoc struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Severity string `yaml:"severity"`
	Scope    string `yaml:"scope"`
	Filter   string `yaml:"filter"`
	Expr     string `yaml:"expr"`
}

// ParseCatalogText parses and compiles catalog YAML. On any problem it
// returns the full ValidationErrors list; the returned rules are only valid
// when the error is nil.
func ParseCatalogText(text string) ([]Rule, ValidationErrors) {
	var doc catalogDoc
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, ValidationErrors{{Index: -1, Message: fmt.Sprintf("invalid YAML: %v", err)}}
	}
	if doc.Rules == nil {
		// "rules: []" is a valid empty catalog; a document without the key
		// at all is almost certainly a mistake.
		if strings.TrimSpace(text) == "" {
			return nil, ValidationErrors{{Index: -1, Message: "empty catalog text"}}
		}
	}

	var errs ValidationErrors
	seen := make(map[string]bool)
	rules := make([]Rule, 0, len(doc.Rules))

	for i, spec := range doc.Rules {
		addErr := func(field, msg string) {
			errs = append(errs, ValidationError{RuleID: spec.ID, Index: i, Field: field, Message: msg})
		}

		if spec.ID == "" {
			addErr("id", "missing rule id")
		} else if seen[spec.ID] {
			addErr("id", "duplicate rule id")
		}
		seen[spec.ID] = true

		sev := domain.Severity(strings.ToUpper(spec.Severity))
		switch sev {
		case domain.SeverityInfo, domain.SeverityWarning, domain.SeverityCritical:
		case "":
			addErr("severity", "missing severity")
		default:
			addErr("severity", fmt.Sprintf("unknown severity %q", spec.Severity))
		}

		scope := RuleScope(strings.ToUpper(spec.Scope))
		switch scope {
		case ScopePortfolio, ScopeCombo, ScopeLeg:
		case "":
			addErr("scope", "missing scope")
		default:
			addErr("scope", fmt.Sprintf("unknown scope %q", spec.Scope))
		}

		rule := Rule{
			RuleID:    spec.ID,
			Name:      spec.Name,
			Severity:  sev,
			Scope:     scope,
			FilterSrc: spec.Filter,
			ExprSrc:   spec.Expr,
		}
		if rule.Name == "" {
			rule.Name = spec.ID
		}

		if spec.Expr == "" {
			addErr("expr", "missing expr")
		} else if compiled, err := CompileExpr(spec.Expr); err != nil {
			addErr("expr", err.Error())
		} else {
			rule.expr = compiled
		}

		if spec.Filter != "" {
			if compiled, err := CompileExpr(spec.Filter); err != nil {
				addErr("filter", err.Error())
			} else {
				rule.filter = compiled
			}
		}

		rules = append(rules, rule)
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return rules, nil
}

// MarshalText renders a rule set back to canonical catalog YAML.
func MarshalText(rules []Rule) (string, error) {
	doc := catalogDoc{Rules: make([]ruleSpec, len(rules))}
	for i, r := range rules {
		doc.Rules[i] = ruleSpec{
			ID:       r.RuleID,
			Name:     r.Name,
			Severity: string(r.Severity),
			Scope:    string(r.Scope),
			Filter:   r.FilterSrc,
			Expr:     r.ExprSrc,
		}
	}
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal catalog: %w", err)
	}
	return string(out), nil
}
