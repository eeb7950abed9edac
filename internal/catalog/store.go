// Package catalog owns the active versioned rule catalog and its
// validate/preview/publish/reload lifecycle.
package catalog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/posdesk/posdesk/internal/domain"
	"github.com/posdesk/posdesk/internal/rules"
)

// Record is the persisted form of one published catalog version.
type Record struct {
	Version   int       `json:"version" db:"version"`
	Text      string    `json:"text" db:"text"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
	UpdatedBy string    `json:"updated_by" db:"updated_by"`
}

// Backing durably persists catalog versions. Save must not return success
// before the record would survive a process crash; Load returns the highest
// version present.
type Backing interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context) (Record, bool, error)
}

// ViewProvider supplies the current positions view for validate/preview
// evaluation. A nil view (before the first tick) evaluates as empty.
type ViewProvider interface {
	View() (*domain.PositionsView, time.Time)
}

// Published is the immutable active catalog: compiled rules plus the source
// text they were compiled from.
type Published struct {
	Catalog rules.Catalog
	Text    string
}

// ConflictError reports a publish that raced another publish. The caller
// must re-diff against Current and retry or abandon.
type ConflictError struct {
	Base    int
	Current int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("publish conflict: base version %d, active version is %d", e.Base, e.Current)
}

// ConsistencyError is fatal for serving: the backing store regressed or is
// corrupt, and the store refuses to serve until a later reload succeeds.
type ConsistencyError struct {
	Reason string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("catalog consistency error: %s", e.Reason)
}

// ValidateResult is the outcome of a pure validation pass.
type ValidateResult struct {
	OK       bool                  `json:"ok"`
	Counters domain.BreachCounters `json:"counters"`
	Top      []domain.Breach       `json:"top"`
	Errors   []string              `json:"errors,omitempty"`
}

// PreviewResult adds the structural diff against the active catalog.
type PreviewResult struct {
	ValidateResult
	Diff rules.Diff `json:"diff"`
}

// Store holds the active catalog. Validate and preview are lock-free reads
// against the active pointer plus the latest view; publish and reload
// serialize on a mutex and bump the version monotonically.
type Store struct {
	backing Backing
	views   ViewProvider
	engine  *rules.Engine

	mu     sync.Mutex
	active atomic.Pointer[Published]

	// consistency holds the fatal error after a failed reload. While set,
	// Err() reports it and the ingestion loop refuses to serve snapshots.
	consistency atomic.Pointer[ConsistencyError]
}

// Open loads the latest persisted catalog, seeding an empty version 0 when
// the backing store holds nothing yet.
func Open(ctx context.Context, backing Backing, views ViewProvider, engine *rules.Engine) (*Store, error) {
	s := &Store{backing: backing, views: views, engine: engine}

	rec, found, err := backing.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	if !found {
		rec = Record{Version: 0, Text: "rules: []", UpdatedAt: time.Now().UTC(), UpdatedBy: "system"}
		if err := backing.Save(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to seed catalog: %w", err)
		}
		log.Info().Msg("seeded empty rule catalog at version 0")
	}

	pub, err := compile(rec)
	if err != nil {
		return nil, &ConsistencyError{Reason: fmt.Sprintf("persisted version %d does not parse: %v", rec.Version, err)}
	}
	s.active.Store(pub)
	log.Info().Int("version", rec.Version).Int("rules", len(pub.Catalog.Rules)).Msg("catalog loaded")
	return s, nil
}

func compile(rec Record) (*Published, error) {
	compiled, errs := rules.ParseCatalogText(rec.Text)
	if errs != nil {
		return nil, errs
	}
	return &Published{
		Catalog: rules.Catalog{
			Version:   rec.Version,
			Rules:     compiled,
			UpdatedAt: rec.UpdatedAt,
			UpdatedBy: rec.UpdatedBy,
		},
		Text: rec.Text,
	}, nil
}

// Active returns the current published catalog. Never nil after Open.
func (s *Store) Active() *Published {
	return s.active.Load()
}

// Err reports the standing consistency failure, nil when healthy.
func (s *Store) Err() error {
	if e := s.consistency.Load(); e != nil {
		return e
	}
	return nil
}

// Validate parses and compiles text, then evaluates the candidate rule set
// against the current positions view. Pure: the active catalog is never
// touched, and two consecutive calls with the same input yield identical
// counters.
func (s *Store) Validate(text string) ValidateResult {
	compiled, errs := rules.ParseCatalogText(text)
	if errs != nil {
		return ValidateResult{OK: false, Errors: errs.Messages()}
	}

	view, asOf := s.currentView()
	eval := s.engine.Evaluate(compiled, view, asOf)
	return ValidateResult{
		OK:       true,
		Counters: eval.Counters,
		Top:      eval.Top,
		Errors:   eval.EvalErrors,
	}
}

// Preview is Validate plus a structural diff against the active catalog.
func (s *Store) Preview(text string) PreviewResult {
	res := PreviewResult{ValidateResult: s.Validate(text)}
	if !res.OK {
		return res
	}
	compiled, _ := rules.ParseCatalogText(text)
	res.Diff = rules.DiffRules(s.Active().Catalog.Rules, compiled)
	return res
}

// Publish atomically replaces the active catalog. baseVersion is the version
// the caller prepared against; when another publish landed first the call
// fails with ConflictError and the active catalog is untouched. Validation
// failure also leaves the active catalog untouched. The new version is
// durably persisted before it becomes visible.
func (s *Store) Publish(ctx context.Context, text, author string, baseVersion int) (*Published, ValidateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.Err(); err != nil {
		return nil, ValidateResult{}, err
	}

	cur := s.Active()
	if cur.Catalog.Version != baseVersion {
		return nil, ValidateResult{}, &ConflictError{Base: baseVersion, Current: cur.Catalog.Version}
	}

	res := s.Validate(text)
	if !res.OK {
		return nil, res, fmt.Errorf("catalog validation failed")
	}

	rec := Record{
		Version:   cur.Catalog.Version + 1,
		Text:      text,
		UpdatedAt: time.Now().UTC(),
		UpdatedBy: author,
	}
	if err := s.backing.Save(ctx, rec); err != nil {
		return nil, res, fmt.Errorf("failed to persist catalog version %d: %w", rec.Version, err)
	}

	pub, err := compile(rec)
	if err != nil {
		// Cannot happen: Validate accepted the same text.
		return nil, res, err
	}
	s.active.Store(pub)
	log.Info().Int("version", rec.Version).Str("author", author).Int("rules", len(pub.Catalog.Rules)).Msg("catalog published")
	return pub, res, nil
}

// Reload discards the in-memory catalog and re-derives it from the backing
// store. A missing record, a parse failure, or a version regression marks
// the store unserviceable until a later reload succeeds.
func (s *Store) Reload(ctx context.Context) (*Published, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fail := func(reason string) (*Published, error) {
		cerr := &ConsistencyError{Reason: reason}
		s.consistency.Store(cerr)
		log.Error().Str("reason", reason).Msg("catalog reload failed, refusing to serve")
		return nil, cerr
	}

	rec, found, err := s.backing.Load(ctx)
	if err != nil {
		return fail(fmt.Sprintf("backing store read failed: %v", err))
	}
	if !found {
		return fail("backing store is empty but a catalog was previously published")
	}
	if cur := s.Active(); cur != nil && rec.Version < cur.Catalog.Version {
		return fail(fmt.Sprintf("backing store version %d regressed below active %d", rec.Version, cur.Catalog.Version))
	}

	pub, err := compile(rec)
	if err != nil {
		return fail(fmt.Sprintf("persisted version %d does not parse: %v", rec.Version, err))
	}

	s.active.Store(pub)
	s.consistency.Store(nil)
	log.Info().Int("version", rec.Version).Msg("catalog reloaded")
	return pub, nil
}

func (s *Store) currentView() (*domain.PositionsView, time.Time) {
	if s.views == nil {
		return nil, time.Now().UTC()
	}
	return s.views.View()
}
