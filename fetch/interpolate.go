package fetch

import (
	"errors"
	"math"
)

// nearestRows maps each grid time to the row of the nearest original
// sample; ties resolve to the earlier row. src must be sorted ascending
// and non-empty.
func nearestRows(src, grid []float64) []int {
	rows := make([]int, len(grid))
	j := 0
	for i, t := range grid {
		for j < len(src)-1 && src[j+1] <= t {
			j++
		}
		best := j
		if j < len(src)-1 {
			if math.Abs(src[j+1]-t) < math.Abs(src[j]-t) {
				best = j + 1
			}
		}
		rows[i] = best
	}
	return rows
}

// interpOne resamples one result onto the grid by nearest neighbor,
// recording the original timestamps as Times0.
func interpOne(r *FullRes, grid []float64) *FullRes {
	out := r.Copy()
	if len(r.Times) == 0 {
		out.Times = append([]float64(nil), grid...)
		out.Vals = nil
		out.Bads = nil
		out.StrVals = nil
		out.RawVals = nil
		out.Times0 = nil
		return out
	}
	rows := nearestRows(r.Times, grid)
	out.keep(rows)
	out.Times0 = out.Times
	out.Times = append([]float64(nil), grid...)
	return out
}

// Interpolate resamples every member of the set onto a uniform grid with
// step dt starting at the set's tstart.
//
// The two policy flags combine as:
//
//	filterBad=true,  badUnion=false  drop each MSID's bad samples before
//	                                 interpolating (gap-free, per-MSID
//	                                 time semantics)
//	filterBad=true,  badUnion=true   interpolate first, then drop rows
//	                                 where any MSID is bad (strict
//	                                 coincidence, e.g. quaternions)
//	filterBad=false, badUnion=false  keep bads; each MSID's bads are its
//	                                 own
//	filterBad=false, badUnion=true   keep bads; every MSID's bads are the
//	                                 union
func (s *Set) Interpolate(dt float64, filterBad, badUnion bool) (*Set, error) {
	if dt <= 0 {
		return nil, errors.New("interpolation step must be positive")
	}
	n := int(math.Floor((s.TStop-s.TStart)/dt)) + 1
	grid := make([]float64, n)
	for i := range grid {
		grid[i] = s.TStart + float64(i)*dt
	}
	return s.InterpolateTimes(grid, filterBad, badUnion)
}

// InterpolateTimes resamples onto an explicit, ascending time grid.
func (s *Set) InterpolateTimes(grid []float64, filterBad, badUnion bool) (*Set, error) {
	out := &Set{
		MSIDs:   append([]string(nil), s.MSIDs...),
		Results: make(map[string]*FullRes, len(s.MSIDs)),
		TStart:  s.TStart,
		TStop:   s.TStop,
	}

	for _, name := range s.MSIDs {
		r := s.Results[name]
		if filterBad && !badUnion {
			r = r.Copy()
			r.FilterBad()
		}
		out.Results[name] = interpOne(r, grid)
	}

	if badUnion {
		union := make([]bool, len(grid))
		out.Each(func(r *FullRes) {
			for i, bad := range r.Bads {
				if bad {
					union[i] = true
				}
			}
		})
		if filterBad {
			rows := make([]int, 0, len(grid))
			for i, bad := range union {
				if !bad {
					rows = append(rows, i)
				}
			}
			out.Each(func(r *FullRes) {
				r.keep(rows)
				r.Bads = nil
			})
		} else {
			out.Each(func(r *FullRes) {
				r.Bads = append([]bool(nil), union...)
			})
		}
	}
	return out, nil
}
