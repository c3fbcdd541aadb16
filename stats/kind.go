package stats

import "math"

// Kind selects one of the two derived statistics views.
type Kind int

const (
	FiveMin Kind = iota
	Daily
)

// Kinds lists every stat kind.
func Kinds() []Kind { return []Kind{FiveMin, Daily} }

// Delta returns the interval width in seconds. The 5-minute interval is 328
// seconds exactly; daily intervals are 86400 seconds and therefore drift
// from midnight, which callers are documented to expect.
func (k Kind) Delta() float64 {
	if k == Daily {
		return 86400
	}
	return 328
}

func (k Kind) String() string {
	if k == Daily {
		return "daily"
	}
	return "5min"
}

// ParseKind maps a kind name to its Kind. ok is false for unknown names.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "5min":
		return FiveMin, true
	case "daily":
		return Daily, true
	}
	return 0, false
}

// IndexOf returns the mission-global interval index containing time t. The
// same index means the same wall-clock window across all MSIDs.
func (k Kind) IndexOf(t float64) int64 {
	return int64(math.Floor(t / k.Delta()))
}

// Window returns the half-open time window [lo, hi) of an interval index.
func (k Kind) Window(index int64) (lo, hi float64) {
	return float64(index) * k.Delta(), float64(index+1) * k.Delta()
}
