// Package colstore persists per-MSID append-only column files.
//
// Layout under the store root:
//
//	<root>/<content>/TIME.col                shared time column
//	<root>/<content>/<MSID>.col              value column
//	<root>/<content>/<MSID>.qual             quality column (1 byte per row)
//	<root>/<content>/<kind>/<MSID>.<field>   statistics columns
//
// Columns grow monotonically and are rewritten only by truncation.
package colstore // import "github.com/telarc/telarc/colstore"

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/telarc/telarc"
)

// TimeColumn is the reserved column name for the shared time base.
const TimeColumn = "TIME"

// Store roots a tree of column files.
type Store struct {
	Path   string
	Logger *zap.Logger
}

// NewStore returns a store rooted at path.
func NewStore(path string) *Store {
	return &Store{Path: path, Logger: zap.NewNop()}
}

// WithLogger sets the logger for the store.
func (s *Store) WithLogger(log *zap.Logger) {
	s.Logger = log.With(zap.String("service", "colstore"))
}

// ContentDir returns the directory holding a content type's columns,
// creating it if necessary.
func (s *Store) ContentDir(content string) (string, error) {
	dir := filepath.Join(s.Path, telarc.CanonicalContent(content))
	return dir, os.MkdirAll(dir, 0777)
}

// StatDir returns the directory holding a content type's statistics columns
// for one interval kind ("5min" or "daily").
func (s *Store) StatDir(content, kind string) (string, error) {
	dir := filepath.Join(s.Path, telarc.CanonicalContent(content), kind)
	return dir, os.MkdirAll(dir, 0777)
}

// OpenTime opens the shared TIME column of a content.
func (s *Store) OpenTime(content string, mode Mode) (*Column, error) {
	dir, err := s.ContentDir(content)
	if err != nil {
		return nil, err
	}
	return Open(filepath.Join(dir, TimeColumn+".col"), telarc.Float64, mode)
}

// OpenValue opens an MSID's value column.
func (s *Store) OpenValue(content, msid string, typ telarc.ElemType, mode Mode) (*Column, error) {
	dir, err := s.ContentDir(content)
	if err != nil {
		return nil, err
	}
	return Open(filepath.Join(dir, telarc.CanonicalName(msid)+".col"), typ, mode)
}

// OpenQuality opens an MSID's quality column.
func (s *Store) OpenQuality(content, msid string, mode Mode) (*Column, error) {
	dir, err := s.ContentDir(content)
	if err != nil {
		return nil, err
	}
	return Open(filepath.Join(dir, telarc.CanonicalName(msid)+".qual"), telarc.Uint8, mode)
}

// OpenStat opens one statistics column for an MSID under a stat kind
// directory. field names the stat record column ("index", "n", "mean", ...).
func (s *Store) OpenStat(content, kind, msid, field string, typ telarc.ElemType, mode Mode) (*Column, error) {
	dir, err := s.StatDir(content, kind)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s.%s", telarc.CanonicalName(msid), field)
	return Open(filepath.Join(dir, name), typ, mode)
}

// ContentLength returns the row count of a content and verifies that the
// TIME column and every MSID's value and quality columns agree. A mismatch
// returns ErrLengthDrift: it signals prior corruption and is fatal for the
// content.
func (s *Store) ContentLength(content string, msids []*telarc.MSID) (int64, error) {
	tc, err := s.OpenTime(content, ModeRead)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer tc.Close()
	n := tc.Length()

	for _, m := range msids {
		vc, err := s.OpenValue(content, m.Name, m.Type, ModeRead)
		if err != nil {
			return 0, err
		}
		vn := vc.Length()
		vc.Close()

		qc, err := s.OpenQuality(content, m.Name, ModeRead)
		if err != nil {
			return 0, err
		}
		qn := qc.Length()
		qc.Close()

		if vn != n || qn != n {
			return 0, fmt.Errorf("content %s: %s has %d values, %d quality, TIME has %d: %w",
				content, m.Name, vn, qn, n, telarc.ErrLengthDrift)
		}
	}
	return n, nil
}

// ContentBounds returns the minimum and maximum row count across the TIME
// column and every MSID's value and quality columns. An interrupted append
// leaves the bounds unequal; the recovery sweep truncates back to the
// catalog tail.
func (s *Store) ContentBounds(content string, msids []*telarc.MSID) (min, max int64, err error) {
	tc, err := s.OpenTime(content, ModeRead)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	min = tc.Length()
	max = min
	tc.Close()

	observe := func(n int64) {
		if n < min {
			min = n
		}
		if n > max {
			max = n
		}
	}
	for _, m := range msids {
		vc, err := s.OpenValue(content, m.Name, m.Type, ModeRead)
		if err != nil {
			if os.IsNotExist(err) {
				observe(0)
				continue
			}
			return 0, 0, err
		}
		observe(vc.Length())
		vc.Close()

		qc, err := s.OpenQuality(content, m.Name, ModeRead)
		if err != nil {
			if os.IsNotExist(err) {
				observe(0)
				continue
			}
			return 0, 0, err
		}
		observe(qc.Length())
		qc.Close()
	}
	return min, max, nil
}

// TruncateContent shrinks the TIME column and every MSID's value and quality
// columns to rowKeep rows. Truncation is durable (fsynced) before return so
// the caller can then update the catalog.
func (s *Store) TruncateContent(content string, msids []*telarc.MSID, rowKeep int64) error {
	tc, err := s.OpenTime(content, ModeTruncate)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	err = tc.Truncate(rowKeep)
	err = multierr.Append(err, tc.Close())
	if err != nil {
		return err
	}

	for _, m := range msids {
		vc, verr := s.OpenValue(content, m.Name, m.Type, ModeTruncate)
		if verr != nil {
			return verr
		}
		verr = vc.Truncate(rowKeep)
		if e := vc.Close(); verr == nil {
			verr = e
		}
		if verr != nil {
			return verr
		}

		qc, qerr := s.OpenQuality(content, m.Name, ModeTruncate)
		if qerr != nil {
			return qerr
		}
		qerr = qc.Truncate(rowKeep)
		if e := qc.Close(); qerr == nil {
			qerr = e
		}
		if qerr != nil {
			return qerr
		}
	}

	s.Logger.Info("Truncated content columns",
		zap.String("content", content), zap.Int64("row_keep", rowKeep))
	return nil
}
