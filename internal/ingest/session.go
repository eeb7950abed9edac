package ingest

import (
	"time"

	"github.com/posdesk/posdesk/internal/domain"
)

// newYork is loaded once; equity session boundaries are exchange-local.
var newYork = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SessionAt labels the US equity session for a timestamp: pre-market from
// 04:00, regular 09:30-16:00, post until 20:00, otherwise closed.
func SessionAt(t time.Time) domain.Session {
	local := t.In(newYork)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return domain.SessionClosed
	}

	minutes := local.Hour()*60 + local.Minute()
	switch {
	case minutes >= 4*60 && minutes < 9*60+30:
		return domain.SessionPre
	case minutes >= 9*60+30 && minutes < 16*60:
		return domain.SessionRegular
	case minutes >= 16*60 && minutes < 20*60:
		return domain.SessionPost
	default:
		return domain.SessionClosed
	}
}
