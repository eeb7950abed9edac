package rules

import "sort"

// RuleRecord is the comparable projection of a rule used in diffs.
type RuleRecord struct {
	RuleID   string `json:"rule_id"`
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Scope    string `json:"scope"`
	Filter   string `json:"filter,omitempty"`
	Expr     string `json:"expr"`
}

// FieldChange records one field-level difference on a shared rule id.
type FieldChange struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

// ChangedRule pairs a rule id with its field-level changes.
type ChangedRule struct {
	RuleID  string        `json:"rule_id"`
	Changes []FieldChange `json:"changes"`
}

// Diff is the structural delta between two catalogs, keyed by rule id.
type Diff struct {
	Added   []RuleRecord  `json:"added"`
	Removed []RuleRecord  `json:"removed"`
	Changed []ChangedRule `json:"changed"`
}

// Empty reports whether the diff carries no differences.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

func record(r Rule) RuleRecord {
	return RuleRecord{
		RuleID:   r.RuleID,
		Name:     r.Name,
		Severity: string(r.Severity),
		Scope:    string(r.Scope),
		Filter:   r.FilterSrc,
		Expr:     r.ExprSrc,
	}
}

// DiffRules compares two rule sets by id, with field-level comparison for
// shared ids. Output slices are sorted by rule id for stable presentation.
func DiffRules(old, new []Rule) Diff {
	var d Diff

	oldByID := make(map[string]Rule, len(old))
	for _, r := range old {
		oldByID[r.RuleID] = r
	}
	newByID := make(map[string]Rule, len(new))
	for _, r := range new {
		newByID[r.RuleID] = r
	}

	for id, nr := range newByID {
		or, ok := oldByID[id]
		if !ok {
			d.Added = append(d.Added, record(nr))
			continue
		}
		if changes := fieldChanges(record(or), record(nr)); len(changes) > 0 {
			d.Changed = append(d.Changed, ChangedRule{RuleID: id, Changes: changes})
		}
	}
	for id, or := range oldByID {
		if _, ok := newByID[id]; !ok {
			d.Removed = append(d.Removed, record(or))
		}
	}

	sort.Slice(d.Added, func(i, j int) bool { return d.Added[i].RuleID < d.Added[j].RuleID })
	sort.Slice(d.Removed, func(i, j int) bool { return d.Removed[i].RuleID < d.Removed[j].RuleID })
	sort.Slice(d.Changed, func(i, j int) bool { return d.Changed[i].RuleID < d.Changed[j].RuleID })
	return d
}

func fieldChanges(old, new RuleRecord) []FieldChange {
	var out []FieldChange
	cmp := func(field, o, n string) {
		if o != n {
			out = append(out, FieldChange{Field: field, Old: o, New: n})
		}
	}
	cmp("name", old.Name, new.Name)
	cmp("severity", old.Severity, new.Severity)
	cmp("scope", old.Scope, new.Scope)
	cmp("filter", old.Filter, new.Filter)
	cmp("expr", old.Expr, new.Expr)
	return out
}
