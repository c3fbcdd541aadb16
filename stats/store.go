package stats

import (
	"fmt"
	"sort"

	"go.uber.org/multierr"

	"github.com/telarc/telarc"
	"github.com/telarc/telarc/colstore"
)

// field is one column of the stat record layout.
type field struct {
	name string
	typ  telarc.ElemType
}

// fieldsFor returns the stat record layout for an MSID under one kind.
// State-valued channels carry per-state counts instead of numeric
// aggregates; sample counts are 32-bit unsigned throughout.
func fieldsFor(m *telarc.MSID, k Kind) []field {
	fields := []field{
		{"index", telarc.Int32},
		{"n", telarc.Uint32},
		{"val", m.Type},
	}
	switch {
	case m.IsState():
		for _, sc := range m.StateCodes {
			fields = append(fields, field{"n_" + sanitizeStateCode(sc.Code), telarc.Uint32})
		}
	case m.Type.Numeric():
		fields = append(fields,
			field{"min", m.Type},
			field{"max", m.Type},
			field{"mean", telarc.Float32},
		)
		if k == Daily {
			fields = append(fields, field{"std", telarc.Float32})
			for _, q := range quantiles {
				fields = append(fields, field{fmt.Sprintf("p%02d", q), m.Type})
			}
		}
	}
	return fields
}

// MsidStore holds the stat columns of one (content, kind, MSID).
type MsidStore struct {
	msid   *telarc.MSID
	kind   Kind
	fields []field
	cols   map[string]*colstore.Column
}

// OpenMsidStore opens (creating as needed in non-read modes) every stat
// column of an MSID under one kind.
func OpenMsidStore(cs *colstore.Store, content string, kind Kind, m *telarc.MSID, mode colstore.Mode) (*MsidStore, error) {
	ms := &MsidStore{
		msid:   m,
		kind:   kind,
		fields: fieldsFor(m, kind),
		cols:   make(map[string]*colstore.Column),
	}
	for _, f := range ms.fields {
		col, err := cs.OpenStat(content, kind.String(), m.Name, f.name, f.typ, mode)
		if err != nil {
			ms.Close()
			return nil, err
		}
		ms.cols[f.name] = col
	}
	if err := ms.checkLengths(); err != nil {
		ms.Close()
		return nil, err
	}
	return ms, nil
}

func (ms *MsidStore) checkLengths() error {
	n := int64(-1)
	for _, f := range ms.fields {
		l := ms.cols[f.name].Length()
		if n < 0 {
			n = l
		} else if l != n {
			return fmt.Errorf("stat store %s/%s: field %s has %d records, expected %d: %w",
				ms.msid.Name, ms.kind, f.name, l, n, telarc.ErrLengthDrift)
		}
	}
	return nil
}

// Length returns the number of stored records.
func (ms *MsidStore) Length() int64 { return ms.cols["index"].Length() }

// LastIndex returns the interval index of the final record. ok is false
// when the store is empty; restarts use this as their resume point.
func (ms *MsidStore) LastIndex() (int64, bool, error) {
	n := ms.Length()
	if n == 0 {
		return 0, false, nil
	}
	v, err := ms.cols["index"].ReadFloatAt(n - 1)
	if err != nil {
		return 0, false, err
	}
	return int64(v), true, nil
}

// SearchIndex returns the position of the first record with interval index
// >= idx. Records are stored in strictly increasing index order.
func (ms *MsidStore) SearchIndex(idx int64) (int64, error) {
	n := ms.Length()
	var searchErr error
	row := sort.Search(int(n), func(i int) bool {
		v, err := ms.cols["index"].ReadFloatAt(int64(i))
		if err != nil {
			searchErr = err
			return true
		}
		return int64(v) >= idx
	})
	return int64(row), searchErr
}

// TruncateFromIndex removes every record with interval index >= idx. Used
// to drop the possibly-partial tail before recomputation and by the
// operator truncation protocol.
func (ms *MsidStore) TruncateFromIndex(idx int64) error {
	row, err := ms.SearchIndex(idx)
	if err != nil {
		return err
	}
	for _, f := range ms.fields {
		if err := ms.cols[f.name].Truncate(row); err != nil {
			return err
		}
	}
	return nil
}

// Append writes records to every stat column and fsyncs.
func (ms *MsidStore) Append(recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	for _, f := range ms.fields {
		col := ms.cols[f.name]
		var err error
		switch {
		case f.name == "val" && ms.msid.Type.Kind == telarc.KindString:
			vals := make([]string, len(recs))
			for i, r := range recs {
				vals[i] = r.MidvalStr
			}
			err = col.AppendStrings(vals)
		default:
			vals := make([]float64, len(recs))
			for i, r := range recs {
				vals[i] = fieldValue(&r, f.name)
			}
			err = col.AppendFloats(vals)
		}
		if err != nil {
			return err
		}
	}
	return ms.Sync()
}

func fieldValue(r *Record, name string) float64 {
	switch name {
	case "index":
		return float64(r.Index)
	case "n":
		return float64(r.N)
	case "val":
		return r.Midval
	case "min":
		return r.Min
	case "max":
		return r.Max
	case "mean":
		return r.Mean
	case "std":
		return r.Std
	}
	if len(name) == 3 && name[0] == 'p' {
		var q int
		fmt.Sscanf(name[1:], "%d", &q)
		return r.Pcts[q]
	}
	if len(name) > 2 && name[:2] == "n_" {
		return float64(r.StateCounts[name[2:]])
	}
	return 0
}

// Frame is a columnar slice of stat records, as read back for fetches.
type Frame struct {
	Indexes []int64
	Times   []float64 // window midpoints
	Ns      []uint32

	Midvals    []float64
	MidvalStrs []string

	Mins, Maxes, Means []float64
	Stds               []float64
	Pcts               map[int][]float64
	StateCounts        map[string][]uint32
}

// ReadIndexRange returns all records with interval index in [idxLo, idxHi).
func (ms *MsidStore) ReadIndexRange(idxLo, idxHi int64) (*Frame, error) {
	lo, err := ms.SearchIndex(idxLo)
	if err != nil {
		return nil, err
	}
	hi, err := ms.SearchIndex(idxHi)
	if err != nil {
		return nil, err
	}
	return ms.readRows(lo, hi)
}

func (ms *MsidStore) readRows(lo, hi int64) (*Frame, error) {
	fr := &Frame{}
	n := int(hi - lo)
	if n <= 0 {
		return fr, nil
	}

	for _, f := range ms.fields {
		col := ms.cols[f.name]
		if f.name == "val" && ms.msid.Type.Kind == telarc.KindString {
			ss, err := col.ReadStrings(lo, hi)
			if err != nil {
				return nil, err
			}
			fr.MidvalStrs = ss
			continue
		}
		vals, err := col.ReadFloats(lo, hi)
		if err != nil {
			return nil, err
		}
		switch f.name {
		case "index":
			fr.Indexes = make([]int64, n)
			fr.Times = make([]float64, n)
			for i, v := range vals {
				fr.Indexes[i] = int64(v)
				fr.Times[i] = (v + 0.5) * ms.kind.Delta()
			}
		case "n":
			fr.Ns = toUint32(vals)
		case "val":
			fr.Midvals = vals
		case "min":
			fr.Mins = vals
		case "max":
			fr.Maxes = vals
		case "mean":
			fr.Means = vals
		case "std":
			fr.Stds = vals
		default:
			if f.name[0] == 'p' {
				var q int
				fmt.Sscanf(f.name[1:], "%d", &q)
				if fr.Pcts == nil {
					fr.Pcts = make(map[int][]float64)
				}
				fr.Pcts[q] = vals
			} else {
				if fr.StateCounts == nil {
					fr.StateCounts = make(map[string][]uint32)
				}
				fr.StateCounts[f.name[2:]] = toUint32(vals)
			}
		}
	}
	return fr, nil
}

func toUint32(vals []float64) []uint32 {
	out := make([]uint32, len(vals))
	for i, v := range vals {
		out[i] = uint32(v)
	}
	return out
}

// Sync flushes every stat column.
func (ms *MsidStore) Sync() error {
	var err error
	for _, f := range ms.fields {
		err = multierr.Append(err, ms.cols[f.name].Sync())
	}
	return err
}

// Close closes every stat column.
func (ms *MsidStore) Close() error {
	var err error
	for name, col := range ms.cols {
		err = multierr.Append(err, col.Close())
		delete(ms.cols, name)
	}
	return err
}
