package domain

import "time"

// Severity orders rule and breach importance.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Rank maps severity to a sortable weight, higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// BreachStatus is derived state, recomputed each tick. Without an external
// acknowledgement store every breach is OPEN.
type BreachStatus string

const (
	BreachOpen         BreachStatus = "OPEN"
	BreachAcknowledged BreachStatus = "ACKNOWLEDGED"
	BreachResolved     BreachStatus = "RESOLVED"
)

// Breach is one rule firing against the current positions view.
type Breach struct {
	BreachID   string       `json:"breach_id"`
	RuleID     string       `json:"rule_id"`
	RuleName   string       `json:"rule_name"`
	Subject    string       `json:"subject"` // symbol, combo id, or "portfolio"
	Severity   Severity     `json:"severity"`
	OccurredAt time.Time    `json:"occurred_at"`
	Status     BreachStatus `json:"status"`
	Detail     string       `json:"detail,omitempty"`
}

// BreachCounters tallies breaches by severity.
type BreachCounters struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	Warning  int `json:"warning"`
	Info     int `json:"info"`
}

// Add counts one breach of the given severity.
func (c *BreachCounters) Add(s Severity) {
	c.Total++
	switch s {
	case SeverityCritical:
		c.Critical++
	case SeverityWarning:
		c.Warning++
	case SeverityInfo:
		c.Info++
	}
}

// Session labels the market session a snapshot was taken in.
type Session string

const (
	SessionPre     Session = "PRE"
	SessionRegular Session = "REGULAR"
	SessionPost    Session = "POST"
	SessionClosed  Session = "CLOSED"
)

// Snapshot is one immutable, fully assembled positions+breaches view,
// produced once per ingestion tick and superseded, never mutated.
type Snapshot struct {
	Timestamp      time.Time      `json:"timestamp"`
	Session        Session        `json:"session"`
	CatalogVersion int            `json:"catalog_version"`
	Positions      *PositionsView `json:"positions"`
	Counters       BreachCounters `json:"breach_counters"`
	TopBreaches    []Breach       `json:"top_breaches"`
	// FocusSymbols are the distinct subjects of the top breaches, in rank
	// order, for dashboard highlighting.
	FocusSymbols []string `json:"focus_symbols"`
}
