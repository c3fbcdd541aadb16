// Package archfiles maintains the per-content relational catalog of ingested
// source files. The catalog drives idempotent replay, gap detection and the
// truncation protocol: every successfully appended source file has exactly
// one row recording the half-open row interval it contributed.
package archfiles // import "github.com/telarc/telarc/archfiles"

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/telarc/telarc"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Record describes one ingested source file's contribution to a content.
// [RowStart, RowStop) is the half-open interval of rows it appended.
type Record struct {
	Filename   string  `db:"filename"`
	Filetime   int64   `db:"filetime"`
	TStart     float64 `db:"tstart"`
	TStop      float64 `db:"tstop"`
	RowStart   int64   `db:"rowstart"`
	RowStop    int64   `db:"rowstop"`
	Revision   int64   `db:"revision"`
	IngestDate string  `db:"ingest_date"`
	AscDSVer   string  `db:"ascdsver"`
}

// Catalog is an open archfiles database for one content type.
type Catalog struct {
	db  *sqlx.DB
	log *zap.Logger
}

// Open opens or creates the catalog at path and applies any pending schema
// migrations, tracked through sqlite's user_version pragma.
func Open(path string, log *zap.Logger) (*Catalog, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	c := &Catalog{db: db, log: log}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) migrate() error {
	list, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })

	var current int
	if err := c.db.Get(&current, `PRAGMA user_version`); err != nil {
		return err
	}

	for _, f := range list {
		v, err := scriptVersion(f.Name())
		if err != nil {
			return err
		}
		if v <= current {
			continue
		}
		c.log.Debug("Executing catalog migration", zap.String("migration_name", f.Name()))
		script, err := migrations.ReadFile("migrations/" + f.Name())
		if err != nil {
			return err
		}
		tx, err := c.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(script)); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, v)); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		current = v
	}
	return nil
}

// scriptVersion extracts the version number from a file named like
// "0002_migration_name.sql".
func scriptVersion(filename string) (int, error) {
	return strconv.Atoi(strings.Split(filename, "_")[0])
}

// Close closes the underlying database.
func (c *Catalog) Close() error { return c.db.Close() }

// Has reports whether filename has already been ingested. Replay safety
// hinges on this check.
func (c *Catalog) Has(filename string) (bool, error) {
	var n int
	err := c.db.Get(&n, `SELECT COUNT(*) FROM archfiles WHERE filename = ?`, filename)
	return n > 0, err
}

// HasFiletime reports whether a different filename with the same filetime is
// already cataloged.
func (c *Catalog) HasFiletime(filetime int64, filename string) (bool, error) {
	var n int
	err := c.db.Get(&n,
		`SELECT COUNT(*) FROM archfiles WHERE filetime = ? AND filename != ?`,
		filetime, filename)
	return n > 0, err
}

// Last returns the record with the greatest filetime, or nil when the
// catalog is empty.
func (c *Catalog) Last() (*Record, error) {
	var rec Record
	err := c.db.Get(&rec, `SELECT * FROM archfiles ORDER BY filetime DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// LastRow returns the tail row index of the content: the rowstop of the most
// recent record, which equals the content's column length. Readers use this
// as the visibility horizon.
func (c *Catalog) LastRow() (int64, error) {
	var row sql.NullInt64
	if err := c.db.Get(&row, `SELECT MAX(rowstop) FROM archfiles`); err != nil {
		return 0, err
	}
	return row.Int64, nil
}

// GapTo returns the gap in seconds between the last cataloged tstop and a
// candidate tstart. Negative means overlap. With an empty catalog it
// returns 0 and false.
func (c *Catalog) GapTo(tstart float64) (float64, bool, error) {
	last, err := c.Last()
	if err != nil || last == nil {
		return 0, false, err
	}
	return tstart - last.TStop, true, nil
}

// Record inserts one archfile row. It must be called only after the columns
// have been extended and fsynced.
func (c *Catalog) Record(rec *Record) error {
	_, err := c.db.NamedExec(`
		INSERT INTO archfiles (filename, filetime, tstart, tstop, rowstart, rowstop,
		                       revision, ingest_date, ascdsver)
		VALUES (:filename, :filetime, :tstart, :tstop, :rowstart, :rowstop,
		        :revision, :ingest_date, :ascdsver)`, rec)
	return err
}

// RowStartAfter returns the rowstart of the earliest record with tstart >=
// cutoff without deleting anything. ok is false when no record matches.
func (c *Catalog) RowStartAfter(cutoff float64) (rowstart int64, ok bool, err error) {
	var row sql.NullInt64
	if err := c.db.Get(&row,
		`SELECT MIN(rowstart) FROM archfiles WHERE tstart >= ?`, cutoff); err != nil {
		return 0, false, err
	}
	return row.Int64, row.Valid, nil
}

// DeleteAfter removes all records with tstart >= cutoff and returns the
// rowstart of the earliest removed record, which the caller uses to truncate
// the columns. ok is false when no record matched.
func (c *Catalog) DeleteAfter(cutoff float64) (rowstart int64, ok bool, err error) {
	var row sql.NullInt64
	if err := c.db.Get(&row,
		`SELECT MIN(rowstart) FROM archfiles WHERE tstart >= ?`, cutoff); err != nil {
		return 0, false, err
	}
	if !row.Valid {
		return 0, false, nil
	}
	if _, err := c.db.Exec(`DELETE FROM archfiles WHERE tstart >= ?`, cutoff); err != nil {
		return 0, false, err
	}
	return row.Int64, true, nil
}

// Delete removes a single record by filename.
func (c *Catalog) Delete(filename string) error {
	_, err := c.db.Exec(`DELETE FROM archfiles WHERE filename = ?`, filename)
	return err
}

// All returns every record ordered by filetime.
func (c *Catalog) All() ([]Record, error) {
	var recs []Record
	err := c.db.Select(&recs, `SELECT * FROM archfiles ORDER BY filetime`)
	return recs, err
}

// CheckGap classifies a candidate gap against the policy limits. maxGap is
// the content's soft limit; allowGaps permits warn-level gaps.
func CheckGap(gap, maxGap float64, allowGaps bool) error {
	switch {
	case gap < 0:
		return telarc.ErrOverlappingFile
	case gap <= maxGap:
		return nil
	case gap <= telarc.HardGapLimit && allowGaps:
		return nil
	default:
		return telarc.ErrGapTooLarge
	}
}
