package marks

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posdesk/posdesk/internal/domain"
)

func f(v float64) *float64 { return &v }

func TestResolvePrefersMid(t *testing.T) {
	r := NewResolver(DefaultStalenessConfig())
	now := time.Now()

	q := &domain.Quote{Bid: f(4.10), Ask: f(4.30), Last: f(4.50), Timestamp: now}
	mark := r.Resolve("AAPL  250117C00190000", q, now)

	require.NotNil(t, mark.Price)
	assert.Equal(t, 4.20, *mark.Price)
	assert.Equal(t, domain.MarkMid, mark.Source)
	assert.Equal(t, TierFresh, mark.Tier)
}

func TestResolveCrossedBookFallsBackToLast(t *testing.T) {
	r := NewResolver(DefaultStalenessConfig())
	now := time.Now()

	q := &domain.Quote{Bid: f(4.40), Ask: f(4.10), Last: f(4.25), Timestamp: now}
	mark := r.Resolve("SPY", q, now)

	require.NotNil(t, mark.Price)
	assert.Equal(t, 4.25, *mark.Price)
	assert.Equal(t, domain.MarkLast, mark.Source)
}

func TestResolveFallsBackToPrev(t *testing.T) {
	r := NewResolver(DefaultStalenessConfig())
	now := time.Now()

	first := r.Resolve("SPY", &domain.Quote{Last: f(431.50), Timestamp: now}, now)
	require.NotNil(t, first.Price)

	mark := r.Resolve("SPY", &domain.Quote{Timestamp: now}, now)
	require.NotNil(t, mark.Price)
	assert.Equal(t, 431.50, *mark.Price)
	assert.Equal(t, domain.MarkPrev, mark.Source)
}

func TestResolvePrevFallbackAgesFromOriginalQuote(t *testing.T) {
	r := NewResolver(DefaultStalenessConfig())
	t0 := time.Now()

	first := r.Resolve("SPY", &domain.Quote{Last: f(431.50), Timestamp: t0}, t0)
	require.NotNil(t, first.Price)
	assert.Equal(t, 0.0, first.Staleness)

	// The feed goes quiet. 1000s later the remembered price is still served,
	// but its staleness must reflect the age of the original quote.
	later := t0.Add(1000 * time.Second)
	mark := r.Resolve("SPY", nil, later)

	require.NotNil(t, mark.Price)
	assert.Equal(t, domain.MarkPrev, mark.Source)
	assert.InDelta(t, 1000.0, mark.Staleness, 0.001)
	assert.Equal(t, TierRed, mark.Tier)

	// Repeated fallbacks keep aging from the same origin.
	evenLater := t0.Add(1500 * time.Second)
	mark = r.Resolve("SPY", nil, evenLater)
	assert.InDelta(t, 1500.0, mark.Staleness, 0.001)
	assert.Equal(t, TierRed, mark.Tier)
}

func TestResolveNoQuoteNoPrevYieldsNilMark(t *testing.T) {
	r := NewResolver(DefaultStalenessConfig())
	mark := r.Resolve("XYZ", nil, time.Now())

	assert.Nil(t, mark.Price)
	assert.Equal(t, domain.MarkNone, mark.Source)
}

func TestStalenessClampedToZero(t *testing.T) {
	r := NewResolver(DefaultStalenessConfig())
	now := time.Now()

	// Quote timestamped in the future, e.g. clock skew at the venue.
	q := &domain.Quote{Last: f(10), Timestamp: now.Add(30 * time.Second)}
	mark := r.Resolve("SPY", q, now)
	assert.Equal(t, 0.0, mark.Staleness)
}

func TestRedTierRegardlessOfSource(t *testing.T) {
	cfg := DefaultStalenessConfig()
	r := NewResolver(cfg)
	now := time.Now()

	cases := []struct {
		name string
		q    *domain.Quote
	}{
		{"mid", &domain.Quote{Bid: f(1), Ask: f(2), Timestamp: now.Add(-time.Duration(cfg.RedSeconds) * time.Second)}},
		{"last", &domain.Quote{Last: f(1.5), Timestamp: now.Add(-2000 * time.Second)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mark := r.Resolve("SPY", tc.q, now)
			assert.Equal(t, TierRed, mark.Tier)
		})
	}
}

func TestTierBoundaries(t *testing.T) {
	cfg := DefaultStalenessConfig()

	assert.Equal(t, TierFresh, cfg.Tier(0))
	assert.Equal(t, TierFresh, cfg.Tier(299.9))
	assert.Equal(t, TierAmber, cfg.Tier(300))
	assert.Equal(t, TierAmber, cfg.Tier(899.9))
	assert.Equal(t, TierRed, cfg.Tier(900))
	assert.Equal(t, TierRed, cfg.Tier(100000))
}

func TestLoadStalenessConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "staleness.yaml")
	require.NoError(t, os.WriteFile(path, []byte("amber_seconds: 120\nred_seconds: 600\n"), 0644))

	cfg, err := LoadStalenessConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 120.0, cfg.AmberSeconds)
	assert.Equal(t, 600.0, cfg.RedSeconds)
}

func TestLoadStalenessConfigRejectsInvertedTiers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "staleness.yaml")
	require.NoError(t, os.WriteFile(path, []byte("amber_seconds: 600\nred_seconds: 120\n"), 0644))

	_, err := LoadStalenessConfig(path)
	assert.Error(t, err)
}
