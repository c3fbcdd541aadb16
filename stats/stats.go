// Package stats maintains the 5-minute and daily aggregate views of every
// MSID, keyed by a mission-global interval index and kept coherent with the
// full-resolution columns through the ingest pipeline's post-append events.
//
// The engine is deterministic and safely restartable: the possibly-partial
// tail record is deleted and recomputed on every run, so the same inputs
// always produce bit-identical stat stores.
package stats // import "github.com/telarc/telarc/stats"

import (
	"context"
	"errors"
	"os"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/telarc/telarc"
	"github.com/telarc/telarc/colstore"
	"github.com/telarc/telarc/ingest"
	"github.com/telarc/telarc/meta"
)

const (
	// DefaultSanityLimit is the |value| threshold above which a sample is
	// logged as suspect. The sample is still included: quality flags are
	// the contractual exclusion mechanism, the bad-times registry the
	// policy tool.
	DefaultSanityLimit = 1e15

	// minSamples is the fewest non-bad samples for which an interval
	// record is emitted.
	minSamples = 3
)

// Config represents the configuration for the statistics engine.
type Config struct {
	SanityLimit float64 `toml:"sanity-limit"`
}

// NewConfig returns a new Config with defaults.
func NewConfig() Config {
	return Config{SanityLimit: DefaultSanityLimit}
}

// Validate returns an error if the Config is invalid.
func (c Config) Validate() error {
	if c.SanityLimit <= 0 {
		return errors.New("sanity-limit must be positive")
	}
	return nil
}

// Engine computes and stores stat records. It is driven serially by the
// ingest pipeline of each content; individual MSIDs update in parallel.
type Engine struct {
	cfg   Config
	store *colstore.Store
	meta  *meta.Store

	Logger *zap.Logger
}

var _ ingest.Trigger = (*Engine)(nil)

// NewEngine returns a statistics engine over the given stores.
func NewEngine(c Config, store *colstore.Store, metaStore *meta.Store) *Engine {
	return &Engine{
		cfg:    c,
		store:  store,
		meta:   metaStore,
		Logger: zap.NewNop(),
	}
}

// WithLogger sets the logger for the engine.
func (e *Engine) WithLogger(log *zap.Logger) {
	e.Logger = log.With(zap.String("service", "stats"))
}

// ContentAppended implements ingest.Trigger.
func (e *Engine) ContentAppended(ctx context.Context, ev ingest.AppendEvent) error {
	return e.Update(ctx, ev.Content)
}

// ContentTruncated implements ingest.Trigger: stat records whose window
// starts at or after the cutoff are dropped, and the window containing the
// cutoff is dropped too so the next update recomputes it from the shortened
// columns.
func (e *Engine) ContentTruncated(ctx context.Context, content string, tcut float64) error {
	msids, err := e.meta.ContentMSIDs(content)
	if err != nil {
		return err
	}
	for _, m := range msids {
		for _, k := range Kinds() {
			ms, err := OpenMsidStore(e.store, content, k, m, colstore.ModeTruncate)
			if err != nil {
				return err
			}
			err = ms.TruncateFromIndex(k.IndexOf(tcut))
			if cerr := ms.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// Update brings both stat views of every MSID in a content up to date with
// the full-resolution columns.
func (e *Engine) Update(ctx context.Context, content string) error {
	msids, err := e.meta.ContentMSIDs(content)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, m := range msids {
		m := m
		g.Go(func() error {
			for _, k := range Kinds() {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := e.updateMsid(content, m, k); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// updateMsid recomputes the tail of one MSID's stat store. The final stored
// record (covering a window that may still have been filling) is deleted
// first, then every window from there through the end of the data is
// recomputed, so restarts and incremental updates converge on identical
// stores.
func (e *Engine) updateMsid(content string, m *telarc.MSID, k Kind) error {
	tc, err := e.store.OpenTime(content, colstore.ModeRead)
	if err != nil {
		// Nothing ingested yet.
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer tc.Close()

	nRows := tc.Length()
	if nRows == 0 {
		return nil
	}

	ms, err := OpenMsidStore(e.store, content, k, m, colstore.ModeTruncate)
	if err != nil {
		return err
	}
	defer ms.Close()

	var startIdx int64
	if lastIdx, ok, err := ms.LastIndex(); err != nil {
		return err
	} else if ok {
		startIdx = lastIdx
		if err := ms.TruncateFromIndex(lastIdx); err != nil {
			return err
		}
	} else {
		t0, err := tc.ReadFloatAt(0)
		if err != nil {
			return err
		}
		startIdx = k.IndexOf(t0)
	}

	tEnd, err := tc.ReadFloatAt(nRows - 1)
	if err != nil {
		return err
	}
	endIdx := k.IndexOf(tEnd)
	if endIdx < startIdx {
		return nil
	}

	winLo, _ := k.Window(startIdx)
	rowLo, err := colstore.SearchFloat(tc, winLo)
	if err != nil {
		return err
	}
	times, err := tc.ReadFloats(rowLo, nRows)
	if err != nil {
		return err
	}

	qc, err := e.store.OpenQuality(content, m.Name, colstore.ModeRead)
	if err != nil {
		return err
	}
	bads, err := qc.ReadBools(rowLo, nRows)
	qc.Close()
	if err != nil {
		return err
	}

	vc, err := e.store.OpenValue(content, m.Name, m.Type, colstore.ModeRead)
	if err != nil {
		return err
	}
	defer vc.Close()

	isString := m.Type.Kind == telarc.KindString
	var vals []float64
	var strVals []string
	if isString {
		strVals, err = vc.ReadStrings(rowLo, nRows)
	} else {
		vals, err = vc.ReadFloats(rowLo, nRows)
	}
	if err != nil {
		return err
	}

	var recs []Record
	for idx := startIdx; idx <= endIdx; idx++ {
		lo, hi := k.Window(idx)
		a := sort.SearchFloat64s(times, lo)
		b := sort.SearchFloat64s(times, hi)
		if b-a < minSamples {
			continue
		}

		// Discard bad rows; the record requires >= 3 good samples.
		gTimes := make([]float64, 0, b-a)
		var gVals []float64
		var gStrs []string
		for i := a; i < b; i++ {
			if bads[i] {
				continue
			}
			gTimes = append(gTimes, times[i])
			if isString {
				gStrs = append(gStrs, strVals[i])
			} else {
				gVals = append(gVals, vals[i])
			}
		}
		if len(gTimes) < minSamples {
			continue
		}

		rec := Record{Index: idx, N: uint32(len(gTimes))}
		mv := midvalRow(gTimes, lo, hi)
		switch {
		case isString:
			rec.MidvalStr = gStrs[mv]
		case m.IsState():
			rec.Midval = gVals[mv]
			rec.StateCounts = make(map[string]uint32, len(m.StateCodes))
			for _, sc := range m.StateCodes {
				var n uint32
				for _, v := range gVals {
					if int64(v) == sc.Raw {
						n++
					}
				}
				rec.StateCounts[sanitizeStateCode(sc.Code)] = n
			}
		default:
			rec.Midval = gVals[mv]
			for _, v := range gVals {
				if v > e.cfg.SanityLimit || v < -e.cfg.SanityLimit {
					e.Logger.Warn("Sample magnitude exceeds sanity limit",
						zap.String("msid", m.Name),
						zap.Int64("index", idx),
						zap.Float64("value", v))
					break
				}
			}
			computeNumeric(&rec, gTimes, gVals, hi, k == Daily)
		}
		recs = append(recs, rec)
	}

	if len(recs) == 0 {
		return nil
	}
	if err := ms.Append(recs); err != nil {
		return err
	}
	e.Logger.Debug("Updated stat records",
		zap.String("content", content),
		zap.String("msid", m.Name),
		zap.String("kind", k.String()),
		zap.Int("records", len(recs)))
	return nil
}
