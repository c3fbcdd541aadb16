// Package fetch answers time-range queries against the telemetry archive:
// single MSIDs, coherent multi-MSID sets, aggregate views, nearest-neighbor
// interpolation, interval selection and unit conversion.
//
// Fetches are bulk batch operations: bounded I/O, results in memory, no
// suspension contract. Readers never observe a partially applied append
// because visibility is bounded by the archfiles catalog tail.
package fetch // import "github.com/telarc/telarc/fetch"

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/telarc/telarc"
	"github.com/telarc/telarc/colstore"
	"github.com/telarc/telarc/meta"
	"github.com/telarc/telarc/stats"
)

// DefaultMaxGlobMatches caps how many MSIDs one set fetch may expand to.
const DefaultMaxGlobMatches = 10

// Config represents the configuration for the fetch engine.
type Config struct {
	MaxGlobMatches int    `toml:"max-fetch-msids"`
	UnitSystem     string `toml:"unit-system"`
}

// NewConfig returns a new Config with defaults.
func NewConfig() Config {
	return Config{
		MaxGlobMatches: DefaultMaxGlobMatches,
		UnitSystem:     string(telarc.UnitsCXC),
	}
}

// Validate returns an error if the Config is invalid.
func (c Config) Validate() error {
	if c.MaxGlobMatches <= 0 {
		return errors.New("max-fetch-msids must be positive")
	}
	if !telarc.UnitSystem(c.UnitSystem).Valid() {
		return fmt.Errorf("unknown unit system %q", c.UnitSystem)
	}
	return nil
}

// Query carries the per-call options of a fetch.
type Query struct {
	// FilterBad drops samples whose quality flag is set. For same-content
	// sets the drop is concordant: a row leaves every member.
	FilterBad bool

	// Units selects the unit system; empty means the engine default.
	Units telarc.UnitSystem

	// Sources overrides the engine's ordered source list.
	Sources []Source

	// MaxMatches overrides the glob expansion limit for this query.
	MaxMatches int
}

// Engine answers fetch queries.
type Engine struct {
	cfg     Config
	meta    *meta.Store
	store   *colstore.Store
	sources []Source
	bad     *BadTimes

	Logger  *zap.Logger
	Metrics *Metrics
}

// NewEngine returns a fetch engine whose primary source is the columnar
// archive in store. Additional sources append after it in order.
func NewEngine(c Config, store *colstore.Store, metaStore *meta.Store, extra ...Source) *Engine {
	sources := append([]Source{NewArchiveSource(store, metaStore)}, extra...)
	return &Engine{
		cfg:     c,
		meta:    metaStore,
		store:   store,
		sources: sources,
		bad:     NewBadTimes(nil),
		Logger:  zap.NewNop(),
		Metrics: NewMetrics(),
	}
}

// WithLogger sets the logger for the engine.
func (e *Engine) WithLogger(log *zap.Logger) {
	e.Logger = log.With(zap.String("service", "fetch"))
}

// BadTimes returns the engine's bad-times registry.
func (e *Engine) BadTimes() *BadTimes { return e.bad }

func (e *Engine) unitSystem(q Query) telarc.UnitSystem {
	if q.Units != "" {
		return q.Units
	}
	return telarc.UnitSystem(e.cfg.UnitSystem)
}

func (e *Engine) querySources(q Query) []Source {
	if q.Sources != nil {
		return q.Sources
	}
	return e.sources
}

// resolve expands a single-MSID pattern; more than one match is an error.
func (e *Engine) resolve(pattern string) (*telarc.MSID, error) {
	known, err := e.meta.MSIDNames()
	if err != nil {
		return nil, err
	}
	names, err := expandGlobs(known, []string{pattern}, e.cfg.MaxGlobMatches)
	if err != nil {
		return nil, err
	}
	if len(names) > 1 {
		return nil, fmt.Errorf("%s matches %d MSIDs: %w", pattern, len(names), telarc.ErrAmbiguousMSID)
	}
	return e.meta.MSID(names[0])
}

// Msid fetches full-resolution samples of one MSID over [tstart, tstop).
// A range intersecting no data returns an empty result, not an error.
func (e *Engine) Msid(ctx context.Context, pattern string, tstart, tstop float64, q Query) (*FullRes, error) {
	m, err := e.resolve(pattern)
	if err != nil {
		return nil, err
	}
	res, err := e.readFullRes(ctx, m, tstart, tstop, q)
	if err != nil {
		return nil, err
	}
	e.Metrics.Queries.WithLabelValues("full").Inc()
	e.Metrics.RowsReturned.WithLabelValues("full").Add(float64(res.Len()))
	return res, nil
}

func (e *Engine) readFullRes(ctx context.Context, m *telarc.MSID, tstart, tstop float64, q Query) (*FullRes, error) {
	type part struct {
		source  string
		samples *Samples
	}
	var parts []part

	remaining := []Range{{tstart, tstop}}
	for _, src := range e.querySources(q) {
		if len(remaining) == 0 {
			break
		}
		if !src.Knows(m.Name) {
			continue
		}
		var next []Range
		for _, r := range remaining {
			samples, covered, err := src.Read(ctx, m, r.Start, r.Stop)
			if err != nil {
				// Transient I/O is retried once, then surfaced.
				samples, covered, err = src.Read(ctx, m, r.Start, r.Stop)
				if err != nil {
					return nil, fmt.Errorf("source %s: %w", src.Name(), err)
				}
			}
			if len(samples.Times) > 0 {
				parts = append(parts, part{src.Name(), samples})
			}
			next = append(next, subtractRanges(r, covered)...)
		}
		remaining = next
	}

	sort.Slice(parts, func(i, j int) bool {
		return parts[i].samples.Times[0] < parts[j].samples.Times[0]
	})

	res := &FullRes{
		MSID:      m.Name,
		Content:   m.Content,
		UnitLabel: m.Unit(e.unitSystem(q)),
	}
	for _, p := range parts {
		s := p.samples
		res.Sources = append(res.Sources, SourceRange{
			Source: p.source,
			Start:  s.Times[0],
			Stop:   s.Times[len(s.Times)-1],
		})
		res.Times = append(res.Times, s.Times...)
		res.Bads = append(res.Bads, s.Bads...)
		if s.StrVals != nil {
			res.StrVals = append(res.StrVals, s.StrVals...)
		} else {
			res.Vals = append(res.Vals, s.Vals...)
		}
	}

	if m.IsState() {
		// The column stores raw integer codes; expose both.
		res.RawVals = res.Vals
		res.StrVals = make([]string, len(res.Vals))
		for i, v := range res.Vals {
			if code, ok := m.StateForRaw(int64(v)); ok {
				res.StrVals[i] = code
			}
		}
	} else if m.Type.Numeric() {
		res.convertUnits(m.ConvTo(e.unitSystem(q)))
	}

	if q.FilterBad {
		res.FilterBad()
	}
	return res, nil
}

// MsidStats fetches aggregate records of one MSID for one interval kind
// over [tstart, tstop).
func (e *Engine) MsidStats(ctx context.Context, pattern string, tstart, tstop float64, kind stats.Kind, q Query) (*Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := e.resolve(pattern)
	if err != nil {
		return nil, err
	}

	res := &Stat{
		MSID:      m.Name,
		Content:   m.Content,
		UnitLabel: m.Unit(e.unitSystem(q)),
		Kind:      kind,
	}

	ms, err := stats.OpenMsidStore(e.store, m.Content, kind, m, colstore.ModeRead)
	if err != nil {
		// No stat store yet: an empty result, not an error.
		if errors.Is(err, os.ErrNotExist) {
			return res, nil
		}
		return nil, err
	}
	defer ms.Close()

	idxLo := kind.IndexOf(tstart)
	idxHi := int64(math.Ceil(tstop / kind.Delta()))
	fr, err := ms.ReadIndexRange(idxLo, idxHi)
	if err != nil {
		return nil, err
	}
	res.Frame = *fr
	if m.Type.Numeric() && !m.IsState() {
		res.convertUnits(m.ConvTo(e.unitSystem(q)))
	}
	e.Metrics.Queries.WithLabelValues(kind.String()).Inc()
	e.Metrics.RowsReturned.WithLabelValues(kind.String()).Add(float64(res.Len()))
	return res, nil
}

// Set is a coherent multi-MSID fetch result.
type Set struct {
	MSIDs   []string
	Results map[string]*FullRes

	TStart, TStop float64
}

// Each calls f over the results in MSID order.
func (s *Set) Each(f func(*FullRes)) {
	for _, name := range s.MSIDs {
		f(s.Results[name])
	}
}

// MsidSet fetches several MSIDs by glob patterns over a common time range.
// With FilterBad set and every match in one content type, bad-row removal
// is concordant: a row is dropped from all members when any member flags
// it.
func (e *Engine) MsidSet(ctx context.Context, patterns []string, tstart, tstop float64, q Query) (*Set, error) {
	known, err := e.meta.MSIDNames()
	if err != nil {
		return nil, err
	}
	limit := q.MaxMatches
	if limit <= 0 {
		limit = e.cfg.MaxGlobMatches
	}
	names, err := expandGlobs(known, patterns, limit)
	if err != nil {
		return nil, err
	}

	set := &Set{
		MSIDs:   names,
		Results: make(map[string]*FullRes, len(names)),
		TStart:  tstart,
		TStop:   tstop,
	}

	// Same-content concordance needs the unfiltered rows first.
	sub := q
	sub.FilterBad = false

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			m, err := e.meta.MSID(name)
			if err != nil {
				return err
			}
			res, err := e.readFullRes(gctx, m, tstart, tstop, sub)
			if err != nil {
				return err
			}
			mu.Lock()
			set.Results[name] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if q.FilterBad {
		if content, same := set.sameContent(); same && len(names) > 1 {
			e.Logger.Debug("Applying same-content concordant bad filter",
				zap.String("content", content))
			set.filterBadUnion()
		} else {
			set.Each(func(r *FullRes) { r.FilterBad() })
		}
	}
	e.Metrics.Queries.WithLabelValues("set").Inc()
	return set, nil
}

func (s *Set) sameContent() (string, bool) {
	content := ""
	for _, name := range s.MSIDs {
		r := s.Results[name]
		if content == "" {
			content = r.Content
		} else if r.Content != content {
			return "", false
		}
	}
	return content, true
}

// filterBadUnion drops every row at which any member is bad. All members
// share one time axis (same content, same range), so positions align.
func (s *Set) filterBadUnion() {
	if len(s.MSIDs) == 0 {
		return
	}
	n := s.Results[s.MSIDs[0]].Len()
	union := make([]bool, n)
	for _, name := range s.MSIDs {
		for i, bad := range s.Results[name].Bads {
			if bad {
				union[i] = true
			}
		}
	}
	rows := make([]int, 0, n)
	for i, bad := range union {
		if !bad {
			rows = append(rows, i)
		}
	}
	for _, name := range s.MSIDs {
		r := s.Results[name]
		r.keep(rows)
		r.Bads = nil
	}
}
