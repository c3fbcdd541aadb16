package fetch

import (
	"context"
	"math"
	"path/filepath"
	"sync"

	"github.com/telarc/telarc"
	"github.com/telarc/telarc/archfiles"
	"github.com/telarc/telarc/colstore"
	"github.com/telarc/telarc/meta"
)

// Samples is the raw per-source read unit: row-aligned times, values and
// quality for one MSID.
type Samples struct {
	Times   []float64
	Vals    []float64
	StrVals []string
	Bads    []bool
}

// Range is a half-open time range [Start, Stop).
type Range struct {
	Start, Stop float64
}

// Source answers range reads for MSIDs it knows. Sources are tried in
// order; ranges a source does not cover are forwarded to later sources.
// The columnar archive is the primary source; a live-telemetry proxy is a
// typical secondary.
type Source interface {
	Name() string
	Knows(msid string) bool
	Read(ctx context.Context, m *telarc.MSID, tstart, tstop float64) (*Samples, []Range, error)
}

// subtractRanges returns the parts of r not covered by any of covered.
func subtractRanges(r Range, covered []Range) []Range {
	rest := []Range{r}
	for _, c := range covered {
		var next []Range
		for _, x := range rest {
			if c.Stop <= x.Start || c.Start >= x.Stop {
				next = append(next, x)
				continue
			}
			if c.Start > x.Start {
				next = append(next, Range{x.Start, c.Start})
			}
			if c.Stop < x.Stop {
				next = append(next, Range{c.Stop, x.Stop})
			}
		}
		rest = next
	}
	return rest
}

// ArchiveSource reads the columnar archive. Visibility is bounded by the
// archfiles catalog tail, so a partially applied append is never observed.
type ArchiveSource struct {
	store *colstore.Store
	meta  *meta.Store

	mu       sync.Mutex
	catalogs map[string]*archfiles.Catalog
}

// NewArchiveSource returns the primary archive source.
func NewArchiveSource(store *colstore.Store, metaStore *meta.Store) *ArchiveSource {
	return &ArchiveSource{
		store:    store,
		meta:     metaStore,
		catalogs: make(map[string]*archfiles.Catalog),
	}
}

// Name implements Source.
func (s *ArchiveSource) Name() string { return "cxc" }

// Knows implements Source.
func (s *ArchiveSource) Knows(msid string) bool {
	_, err := s.meta.MSID(msid)
	return err == nil
}

func (s *ArchiveSource) catalog(content string) (*archfiles.Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cat, ok := s.catalogs[content]; ok {
		return cat, nil
	}
	dir, err := s.store.ContentDir(content)
	if err != nil {
		return nil, err
	}
	cat, err := archfiles.Open(filepath.Join(dir, "archfiles.db"), nil)
	if err != nil {
		return nil, err
	}
	s.catalogs[content] = cat
	return cat, nil
}

// Close closes the cached catalogs.
func (s *ArchiveSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for name, cat := range s.catalogs {
		if e := cat.Close(); e != nil && err == nil {
			err = e
		}
		delete(s.catalogs, name)
	}
	return err
}

// Read implements Source. The covered range ends at the catalog tail: any
// remainder of the request is left to later sources.
func (s *ArchiveSource) Read(ctx context.Context, m *telarc.MSID, tstart, tstop float64) (*Samples, []Range, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	cat, err := s.catalog(m.Content)
	if err != nil {
		return nil, nil, err
	}
	lastRow, err := cat.LastRow()
	if err != nil {
		return nil, nil, err
	}
	if lastRow == 0 {
		return &Samples{}, nil, nil
	}

	tc, err := s.store.OpenTime(m.Content, colstore.ModeRead)
	if err != nil {
		return nil, nil, err
	}
	defer tc.Close()

	// The archive covers mission time up to its tail sample. Rows beyond
	// the catalog tail (a partially applied append) stay invisible.
	tailTime, err := tc.ReadFloatAt(lastRow - 1)
	if err != nil {
		return nil, nil, err
	}
	coveredStop := tstop
	if tailTime < tstop {
		// The tail sample itself is answered here; coverage is half-open.
		coveredStop = math.Nextafter(tailTime, math.Inf(1))
	}
	if coveredStop <= tstart {
		return &Samples{}, nil, nil
	}
	covered := []Range{{tstart, coveredStop}}

	lo, err := colstore.SearchFloat(tc, tstart)
	if err != nil {
		return nil, nil, err
	}
	hi, err := colstore.SearchFloat(tc, tstop)
	if err != nil {
		return nil, nil, err
	}
	if hi > lastRow {
		hi = lastRow
	}
	if lo >= hi {
		// In range but between samples: covered, empty.
		return &Samples{}, covered, nil
	}

	out := &Samples{}
	if out.Times, err = tc.ReadFloats(lo, hi); err != nil {
		return nil, nil, err
	}

	vc, err := s.store.OpenValue(m.Content, m.Name, m.Type, colstore.ModeRead)
	if err != nil {
		return nil, nil, err
	}
	defer vc.Close()
	if m.Type.Kind == telarc.KindString {
		out.StrVals, err = vc.ReadStrings(lo, hi)
	} else {
		out.Vals, err = vc.ReadFloats(lo, hi)
	}
	if err != nil {
		return nil, nil, err
	}

	qc, err := s.store.OpenQuality(m.Content, m.Name, colstore.ModeRead)
	if err != nil {
		return nil, nil, err
	}
	defer qc.Close()
	if out.Bads, err = qc.ReadBools(lo, hi); err != nil {
		return nil, nil, err
	}
	return out, covered, nil
}
