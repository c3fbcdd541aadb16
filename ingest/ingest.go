// Package ingest transforms ordered streams of decommutated source files
// into idempotent appends on the column store, maintaining the archfiles
// catalog and emitting post-append events for the statistics engine.
//
// Per content type there is a single writer. Crash safety comes from
// ordering: columns are extended and fsynced before the catalog row commits,
// and a recovery sweep truncates columns back to the catalog tail whenever
// an append was interrupted.
package ingest // import "github.com/telarc/telarc/ingest"

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/telarc/telarc"
	"github.com/telarc/telarc/archfiles"
	"github.com/telarc/telarc/colstore"
	"github.com/telarc/telarc/meta"
)

// Product is the decommutated content of one source file: row-aligned value
// columns for every MSID in the content plus the shared time column.
type Product struct {
	Filename string
	Filetime int64
	Revision int64
	AscDSVer string

	// TStart/TStop are the file's metadata time span. Zero values fall
	// back to the first/last time sample.
	TStart, TStop float64

	Times []float64

	// Floats holds numeric columns (including raw state codes); Strings
	// holds fixed-width string columns. Every MSID of the content must
	// appear in exactly one of the two maps.
	Floats  map[string][]float64
	Strings map[string][]string

	// RowQuality flags rows bad for every MSID; Quality adds per-MSID
	// flags. Either may be nil.
	RowQuality []bool
	Quality    map[string][]bool
}

func (p *Product) tstart() float64 {
	if p.TStart != 0 || len(p.Times) == 0 {
		return p.TStart
	}
	return p.Times[0]
}

func (p *Product) tstop() float64 {
	if p.TStop != 0 || len(p.Times) == 0 {
		return p.TStop
	}
	return p.Times[len(p.Times)-1]
}

// Decom reads one source file. Implementations decode the upstream physical
// format; the pipeline does not care what that format is.
type Decom interface {
	Read(path string) (*Product, error)
}

// AppendEvent describes one committed append, consumed by triggers.
type AppendEvent struct {
	Content  string
	RowStart int64
	RowStop  int64
	TStart   float64
	TStop    float64
}

// Trigger is notified after the catalog commit of every append, and after an
// operator truncation. The statistics engine implements this.
type Trigger interface {
	ContentAppended(ctx context.Context, ev AppendEvent) error
	ContentTruncated(ctx context.Context, content string, tcut float64) error
}

// Service is the single writer for the contents it ingests.
type Service struct {
	cfg   Config
	store *colstore.Store
	meta  *meta.Store
	decom Decom

	Logger  *zap.Logger
	Metrics *Metrics

	clock clock.Clock

	mu       sync.Mutex
	catalogs map[string]*archfiles.Catalog
	triggers []Trigger
}

// NewService returns an ingest service over the given stores. decom may be
// nil when only AppendProduct is used (derived parameters).
func NewService(c Config, store *colstore.Store, metaStore *meta.Store, decom Decom) *Service {
	return &Service{
		cfg:      c,
		store:    store,
		meta:     metaStore,
		decom:    decom,
		Logger:   zap.NewNop(),
		Metrics:  NewMetrics(),
		clock:    clock.New(),
		catalogs: make(map[string]*archfiles.Catalog),
	}
}

// WithLogger sets the logger for the service.
func (s *Service) WithLogger(log *zap.Logger) {
	s.Logger = log.With(zap.String("service", "ingest"))
}

// WithClock substitutes the wall clock, for tests.
func (s *Service) WithClock(c clock.Clock) { s.clock = c }

// AddTrigger registers a post-append trigger.
func (s *Service) AddTrigger(t Trigger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers = append(s.triggers, t)
}

// Catalog returns the (cached) archfiles catalog for a content.
func (s *Service) Catalog(content string) (*archfiles.Catalog, error) {
	content = telarc.CanonicalContent(content)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cat, ok := s.catalogs[content]; ok {
		return cat, nil
	}
	dir, err := s.store.ContentDir(content)
	if err != nil {
		return nil, err
	}
	cat, err := archfiles.Open(filepath.Join(dir, "archfiles.db"), s.Logger)
	if err != nil {
		return nil, err
	}
	s.catalogs[content] = cat
	return cat, nil
}

// Close closes all cached catalogs.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for name, cat := range s.catalogs {
		err = multierr.Append(err, cat.Close())
		delete(s.catalogs, name)
	}
	return err
}

// Recover truncates every column of a content back to the catalog tail.
// It repairs appends that crashed between extending the columns and
// committing the archfile row.
func (s *Service) Recover(ctx context.Context, content string) error {
	content = telarc.CanonicalContent(content)
	cat, err := s.Catalog(content)
	if err != nil {
		return err
	}
	msids, err := s.meta.ContentMSIDs(content)
	if err != nil {
		return err
	}
	return s.sweep(content, cat, msids)
}

// sweep reconciles column lengths with the catalog tail. Columns extended
// past the tail (an interrupted append) are truncated back; a column
// shorter than the tail means lost data and is fatal for the content.
func (s *Service) sweep(content string, cat *archfiles.Catalog, msids []*telarc.MSID) error {
	lastRow, err := cat.LastRow()
	if err != nil {
		return err
	}
	min, max, err := s.store.ContentBounds(content, msids)
	if err != nil {
		return err
	}
	if min < lastRow {
		return fmt.Errorf("content %s: columns shorter than catalog tail (%d < %d): %w",
			content, min, lastRow, telarc.ErrLengthDrift)
	}
	if max == lastRow {
		return nil
	}
	s.Logger.Warn("Recovering partially applied append",
		zap.String("content", content),
		zap.Int64("catalog_rows", lastRow))
	return s.store.TruncateContent(content, msids, lastRow)
}

// IngestFiles decodes, orders and appends the given source files for one
// content type. A file that fails to decode is skipped; the catalog does not
// advance for it. Gap-policy rejections stop the run because every later
// file would also be discontiguous.
func (s *Service) IngestFiles(ctx context.Context, content string, paths []string) error {
	content = telarc.CanonicalContent(content)
	if err := s.Recover(ctx, content); err != nil {
		return err
	}

	products := make([]*Product, 0, len(paths))
	var errs error
	for _, path := range paths {
		p, err := s.decom.Read(path)
		if err != nil {
			s.Logger.Warn("Skipping undecodable source file",
				zap.String("content", content), zap.String("file", path), zap.Error(err))
			s.Metrics.FilesSkipped.WithLabelValues(content, "decom").Inc()
			errs = multierr.Append(errs, fmt.Errorf("%s: %w: %v", path, telarc.ErrSourceDecom, err))
			continue
		}
		products = append(products, p)
	}
	sort.SliceStable(products, func(i, j int) bool {
		return products[i].Filetime < products[j].Filetime
	})

	for _, p := range products {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		if err := s.AppendProduct(ctx, content, p); err != nil {
			return multierr.Append(errs, err)
		}
	}
	return errs
}

// AppendProduct appends one decommutated product to a content. The append is
// idempotent on filename and atomic with respect to readers: either the
// archfile row commits after all columns are extended and fsynced, or the
// recovery sweep undoes the partial append.
func (s *Service) AppendProduct(ctx context.Context, content string, p *Product) error {
	content = telarc.CanonicalContent(content)
	cat, err := s.Catalog(content)
	if err != nil {
		return err
	}

	// Step 1: idempotent replay produces zero appends.
	if ok, err := cat.Has(p.Filename); err != nil {
		return err
	} else if ok {
		s.Logger.Debug("Source file already ingested",
			zap.String("content", content), zap.String("file", p.Filename))
		s.Metrics.FilesSkipped.WithLabelValues(content, "replay").Inc()
		return nil
	}
	if dup, err := cat.HasFiletime(p.Filetime, p.Filename); err != nil {
		return err
	} else if dup {
		return fmt.Errorf("%s (filetime %d): %w", p.Filename, p.Filetime, telarc.ErrDuplicateFiletime)
	}

	ct, err := s.meta.Content(content)
	if err != nil {
		return err
	}
	msids, err := s.meta.ContentMSIDs(content)
	if err != nil {
		return err
	}

	rows, err := validateProduct(p, msids)
	if err != nil {
		s.Logger.Warn("Skipping invalid source file",
			zap.String("content", content), zap.String("file", p.Filename), zap.Error(err))
		s.Metrics.FilesSkipped.WithLabelValues(content, "invalid").Inc()
		return nil
	}
	if len(rows) == 0 {
		s.Logger.Warn("Source file contains no rows",
			zap.String("content", content), zap.String("file", p.Filename))
		s.Metrics.FilesSkipped.WithLabelValues(content, "empty").Inc()
		return nil
	}

	// Step 3: gap policy against the catalog.
	maxGap := ct.MaxGap
	if maxGap <= 0 {
		maxGap = float64(s.cfg.MaxGap)
	}
	if gap, known, err := cat.GapTo(p.Times[rows[0]]); err != nil {
		return err
	} else if known {
		if err := archfiles.CheckGap(gap, maxGap, s.cfg.AllowGaps); err != nil {
			s.Metrics.GapRejections.WithLabelValues(content).Inc()
			return fmt.Errorf("%s: gap %.2f s: %w", p.Filename, gap, err)
		}
		if gap > maxGap {
			s.Logger.Warn("Allowing large gap between archive files",
				zap.String("content", content),
				zap.String("file", p.Filename),
				zap.Float64("gap_secs", gap))
		}
	}

	// Step 4: position the append at the catalog tail. Columns extended
	// past the tail by an interrupted append are swept back first.
	if err := s.sweep(content, cat, msids); err != nil {
		return err
	}
	rowstart, err := cat.LastRow()
	if err != nil {
		return err
	}
	rowstop := rowstart + int64(len(rows))

	// Steps 5-6: extend every column by the same N and fsync.
	if err := s.appendColumns(content, msids, p, rows); err != nil {
		return err
	}

	// Step 7: the archfile row commits only after the columns are durable.
	rec := &archfiles.Record{
		Filename:   p.Filename,
		Filetime:   p.Filetime,
		TStart:     p.tstart(),
		TStop:      p.tstop(),
		RowStart:   rowstart,
		RowStop:    rowstop,
		Revision:   p.Revision,
		IngestDate: s.clock.Now().UTC().Format(time.RFC3339),
		AscDSVer:   p.AscDSVer,
	}
	if err := cat.Record(rec); err != nil {
		return err
	}

	s.Logger.Info("Ingested source file",
		zap.String("content", content),
		zap.String("file", p.Filename),
		zap.Int64("rowstart", rowstart),
		zap.Int64("rowstop", rowstop))
	s.Metrics.FilesIngested.WithLabelValues(content).Inc()
	s.Metrics.RowsAppended.WithLabelValues(content).Add(float64(len(rows)))

	// Step 8: post-append event for the statistics engine.
	ev := AppendEvent{
		Content:  content,
		RowStart: rowstart,
		RowStop:  rowstop,
		TStart:   rec.TStart,
		TStop:    rec.TStop,
	}
	for _, tr := range s.triggers {
		if err := tr.ContentAppended(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// validateProduct checks column alignment and the time base, returning the
// indices of rows to append. Rows repeating the previous timestamp are
// dropped (keep-first) so the stored TIME column stays strictly increasing.
func validateProduct(p *Product, msids []*telarc.MSID) ([]int, error) {
	n := len(p.Times)
	for _, m := range msids {
		if fs, ok := p.Floats[m.Name]; ok {
			if m.Type.Kind == telarc.KindString {
				return nil, fmt.Errorf("msid %s: numeric data for string channel", m.Name)
			}
			if len(fs) != n {
				return nil, fmt.Errorf("msid %s: %d values for %d times", m.Name, len(fs), n)
			}
		} else if ss, ok := p.Strings[m.Name]; ok {
			if m.Type.Kind != telarc.KindString {
				return nil, fmt.Errorf("msid %s: string data for %s channel", m.Name, m.Type)
			}
			if len(ss) != n {
				return nil, fmt.Errorf("msid %s: %d values for %d times", m.Name, len(ss), n)
			}
		} else {
			return nil, fmt.Errorf("msid %s missing from product", m.Name)
		}
	}
	if p.RowQuality != nil && len(p.RowQuality) != n {
		return nil, fmt.Errorf("row quality has %d entries for %d times", len(p.RowQuality), n)
	}
	for name, q := range p.Quality {
		if len(q) != n {
			return nil, fmt.Errorf("msid %s: quality has %d entries for %d times", name, len(q), n)
		}
	}

	rows := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if i > 0 {
			if p.Times[i] < p.Times[i-1] {
				return nil, fmt.Errorf("time column decreases at row %d", i)
			}
			if p.Times[i] == p.Times[i-1] {
				// Duplicate timestamp: keep the first row only.
				continue
			}
		}
		rows = append(rows, i)
	}
	return rows, nil
}

func (s *Service) appendColumns(content string, msids []*telarc.MSID, p *Product, rows []int) error {
	times := make([]float64, len(rows))
	for i, r := range rows {
		times[i] = p.Times[r]
	}

	tc, err := s.store.OpenTime(content, colstore.ModeAppend)
	if err != nil {
		return err
	}
	err = tc.AppendFloats(times)
	if err == nil {
		err = tc.Sync()
	}
	err = multierr.Append(err, tc.Close())
	if err != nil {
		return err
	}

	for _, m := range msids {
		bads := make([]bool, len(rows))
		for i, r := range rows {
			if p.RowQuality != nil && p.RowQuality[r] {
				bads[i] = true
			}
			if q, ok := p.Quality[m.Name]; ok && q[r] {
				bads[i] = true
			}
		}

		vc, err := s.store.OpenValue(content, m.Name, m.Type, colstore.ModeAppend)
		if err != nil {
			return err
		}
		if m.Type.Kind == telarc.KindString {
			src := p.Strings[m.Name]
			vals := make([]string, len(rows))
			for i, r := range rows {
				vals[i] = src[r]
			}
			err = vc.AppendStrings(vals)
		} else {
			src := p.Floats[m.Name]
			vals := make([]float64, len(rows))
			for i, r := range rows {
				vals[i] = src[r]
			}
			err = vc.AppendFloats(vals)
		}
		if err == nil {
			err = vc.Sync()
		}
		err = multierr.Append(err, vc.Close())
		if err != nil {
			return err
		}

		qc, err := s.store.OpenQuality(content, m.Name, colstore.ModeAppend)
		if err != nil {
			return err
		}
		err = qc.AppendBools(bads)
		if err == nil {
			err = qc.Sync()
		}
		err = multierr.Append(err, qc.Close())
		if err != nil {
			return err
		}
	}
	return nil
}

// Truncate is the operator repair command: it truncates all columns of a
// content at the earliest archfile with tstart >= tcut, removes those
// archfile rows, and resets the statistics tails. The column truncation is
// durable before the catalog is updated.
func (s *Service) Truncate(ctx context.Context, content string, tcut float64) error {
	content = telarc.CanonicalContent(content)
	cat, err := s.Catalog(content)
	if err != nil {
		return err
	}
	rowstart, ok, err := cat.RowStartAfter(tcut)
	if err != nil {
		return err
	}
	if !ok {
		s.Logger.Info("Truncate found no archive files at or after cutoff",
			zap.String("content", content), zap.Float64("tcut", tcut))
		return nil
	}

	msids, err := s.meta.ContentMSIDs(content)
	if err != nil {
		return err
	}
	if err := s.store.TruncateContent(content, msids, rowstart); err != nil {
		return err
	}
	if _, _, err := cat.DeleteAfter(tcut); err != nil {
		return err
	}

	s.Logger.Info("Truncated content",
		zap.String("content", content),
		zap.Float64("tcut", tcut),
		zap.Int64("rowstart", rowstart))

	for _, tr := range s.triggers {
		if err := tr.ContentTruncated(ctx, content, tcut); err != nil {
			return err
		}
	}
	return nil
}
