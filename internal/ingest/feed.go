// Package ingest runs the fixed-interval tick loop: fetch raw positions and
// quotes, derive the positions view, evaluate rules, publish one snapshot.
package ingest

import (
	"context"
	"fmt"

	"github.com/posdesk/posdesk/internal/domain"
)

// FeedData is one tick's raw input from the brokerage/market-data adapter.
// The core never retains it beyond the tick that derives a snapshot.
type FeedData struct {
	Positions []domain.Leg
	Quotes    map[string]*domain.Quote
}

// Feed produces raw positions and quotes. Implementations live outside the
// core; the loop only consumes their output shape.
type Feed interface {
	Fetch(ctx context.Context) (FeedData, error)
}

// DataGapError marks a leg or quote missing required fields. The affected
// item is excluded from aggregation and logged; it never fails the tick.
type DataGapError struct {
	Symbol string
	Field  string
}

func (e *DataGapError) Error() string {
	return fmt.Sprintf("data gap: %s missing %s", e.Symbol, e.Field)
}

// validateLeg reports the first missing required field, nil when complete.
func validateLeg(leg domain.Leg) *DataGapError {
	sym := leg.Instrument.Symbol
	if sym == "" {
		return &DataGapError{Symbol: "(unknown)", Field: "symbol"}
	}
	if leg.Account == "" {
		return &DataGapError{Symbol: sym, Field: "account"}
	}
	if leg.Quantity == 0 {
		return &DataGapError{Symbol: sym, Field: "quantity"}
	}
	if leg.IsOption() {
		switch {
		case leg.Underlying == "":
			return &DataGapError{Symbol: sym, Field: "underlying"}
		case leg.Right != domain.RightCall && leg.Right != domain.RightPut:
			return &DataGapError{Symbol: sym, Field: "right"}
		case leg.Strike <= 0:
			return &DataGapError{Symbol: sym, Field: "strike"}
		case leg.Expiry == "":
			return &DataGapError{Symbol: sym, Field: "expiry"}
		}
	}
	return nil
}
