package fetch

import (
	"github.com/telarc/telarc"
	"github.com/telarc/telarc/stats"
)

// SourceRange records which data source contributed one time range of a
// result.
type SourceRange struct {
	Source string
	Start  float64
	Stop   float64
}

// Result is implemented by the fetch result variants: FullRes for
// full-resolution samples and Stat for aggregate records. Callers type
// switch rather than probing for optional fields.
type Result interface {
	Msid() string
	ContentType() string
	Unit() string
	Len() int
}

// FullRes holds full-resolution samples of one MSID.
type FullRes struct {
	MSID      string
	Content   string
	UnitLabel string

	Times []float64
	Vals  []float64
	Bads  []bool

	// StrVals holds string-channel values, or resolved state strings for
	// state-valued channels (RawVals then carries the raw codes).
	StrVals []string
	RawVals []float64

	// Times0 records, after interpolation, the original timestamp each
	// sample was taken from.
	Times0 []float64

	// Sources records per-range provenance.
	Sources []SourceRange
}

func (r *FullRes) Msid() string        { return r.MSID }
func (r *FullRes) ContentType() string { return r.Content }
func (r *FullRes) Unit() string        { return r.UnitLabel }
func (r *FullRes) Len() int            { return len(r.Times) }

// Copy returns a deep copy; interval filters can then mutate one of the two
// independently.
func (r *FullRes) Copy() *FullRes {
	out := *r
	out.Times = append([]float64(nil), r.Times...)
	out.Vals = append([]float64(nil), r.Vals...)
	out.Bads = append([]bool(nil), r.Bads...)
	out.StrVals = append([]string(nil), r.StrVals...)
	out.RawVals = append([]float64(nil), r.RawVals...)
	out.Times0 = append([]float64(nil), r.Times0...)
	out.Sources = append([]SourceRange(nil), r.Sources...)
	return &out
}

// keep retains only the rows at the given positions, in order.
func (r *FullRes) keep(rows []int) {
	r.Times = keepFloats(r.Times, rows)
	r.Vals = keepFloats(r.Vals, rows)
	r.RawVals = keepFloats(r.RawVals, rows)
	r.Times0 = keepFloats(r.Times0, rows)
	if r.Bads != nil {
		bads := make([]bool, len(rows))
		for i, p := range rows {
			bads[i] = r.Bads[p]
		}
		r.Bads = bads
	}
	if r.StrVals != nil {
		ss := make([]string, len(rows))
		for i, p := range rows {
			ss[i] = r.StrVals[p]
		}
		r.StrVals = ss
	}
}

func keepFloats(vals []float64, rows []int) []float64 {
	if vals == nil {
		return nil
	}
	out := make([]float64, len(rows))
	for i, p := range rows {
		out[i] = vals[p]
	}
	return out
}

// FilterBad drops every row whose quality flag is set.
func (r *FullRes) FilterBad() {
	if r.Bads == nil {
		return
	}
	rows := make([]int, 0, len(r.Times))
	for i, bad := range r.Bads {
		if !bad {
			rows = append(rows, i)
		}
	}
	r.keep(rows)
	r.Bads = nil
}

// Stat holds aggregate records of one MSID for one interval kind.
type Stat struct {
	MSID      string
	Content   string
	UnitLabel string
	Kind      stats.Kind

	// Frame carries the record columns: indexes, window midpoint times,
	// counts, midvals, aggregates, percentiles and state counts.
	stats.Frame
}

func (r *Stat) Msid() string        { return r.MSID }
func (r *Stat) ContentType() string { return r.Content }
func (r *Stat) Unit() string        { return r.UnitLabel }
func (r *Stat) Len() int            { return len(r.Indexes) }

// convertUnits applies a scalar unit conversion in place. Spreads (std)
// scale without the offset.
func (r *FullRes) convertUnits(conv telarc.UnitConv) {
	if conv == telarc.Identity {
		return
	}
	for i := range r.Vals {
		r.Vals[i] = conv.Apply(r.Vals[i])
	}
}

func (r *Stat) convertUnits(conv telarc.UnitConv) {
	if conv == telarc.Identity {
		return
	}
	for _, vals := range [][]float64{r.Midvals, r.Mins, r.Maxes, r.Means} {
		for i := range vals {
			vals[i] = conv.Apply(vals[i])
		}
	}
	for i := range r.Stds {
		r.Stds[i] *= conv.Scale
		if r.Stds[i] < 0 {
			r.Stds[i] = -r.Stds[i]
		}
	}
	for _, vals := range r.Pcts {
		for i := range vals {
			vals[i] = conv.Apply(vals[i])
		}
	}
}
