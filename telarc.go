// Package telarc defines the core domain types for the columnar telemetry
// archive: MSIDs (named telemetry channels), content types (groups of MSIDs
// sharing an exact time grid), element types, unit systems and state codes.
//
// All stored times are float64 seconds since the mission epoch in Terrestrial
// Time. Parsing of external string time formats is out of scope for this
// module.
package telarc // import "github.com/telarc/telarc"

import (
	"fmt"
	"strings"
)

const (
	// MinorFrameSec is the mission minor-frame period in seconds. Derived
	// parameter validation does not check time steps against it.
	MinorFrameSec = 0.25625

	// HardGapLimit is the largest inter-file time gap, in seconds, that the
	// ingest pipeline will accept even in allow-gap mode.
	HardGapLimit = 1e6
)

// UnitSystem selects one of the three engineering unit systems a fetch can
// request.
type UnitSystem string

const (
	UnitsCXC UnitSystem = "cxc"
	UnitsSci UnitSystem = "sci"
	UnitsEng UnitSystem = "eng"
)

// Valid returns true if u names a known unit system.
func (u UnitSystem) Valid() bool {
	switch u {
	case UnitsCXC, UnitsSci, UnitsEng:
		return true
	}
	return false
}

// ElemKind is the scalar class of a column element.
type ElemKind byte

const (
	KindInt ElemKind = iota + 1
	KindUint
	KindFloat
	KindString
)

func (k ElemKind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// ElemType describes the fixed-width on-disk element of a column: a scalar
// kind plus its width in bytes. Strings are fixed width, padded on disk.
type ElemType struct {
	Kind  ElemKind
	Width int
}

// Common element types.
var (
	Int8    = ElemType{KindInt, 1}
	Int16   = ElemType{KindInt, 2}
	Int32   = ElemType{KindInt, 4}
	Int64   = ElemType{KindInt, 8}
	Uint8   = ElemType{KindUint, 1}
	Uint16  = ElemType{KindUint, 2}
	Uint32  = ElemType{KindUint, 4}
	Uint64  = ElemType{KindUint, 8}
	Float32 = ElemType{KindFloat, 4}
	Float64 = ElemType{KindFloat, 8}
)

// StringN returns a fixed-width string element type of n bytes.
func StringN(n int) ElemType { return ElemType{KindString, n} }

func (t ElemType) String() string {
	if t.Kind == KindString {
		return fmt.Sprintf("string%d", t.Width)
	}
	return fmt.Sprintf("%s%d", t.Kind, t.Width*8)
}

// Numeric returns true if t supports arithmetic aggregates.
func (t ElemType) Numeric() bool { return t.Kind != KindString }

// Validate returns an error if the kind/width combination is not storable.
func (t ElemType) Validate() error {
	switch t.Kind {
	case KindInt, KindUint:
		switch t.Width {
		case 1, 2, 4, 8:
			return nil
		}
	case KindFloat:
		switch t.Width {
		case 4, 8:
			return nil
		}
	case KindString:
		if t.Width > 0 && t.Width <= 255 {
			return nil
		}
	}
	return fmt.Errorf("invalid element type %s", t)
}

// StateCode maps a raw integer telemetry value to its short state string.
type StateCode struct {
	Raw  int64  `json:"raw"`
	Code string `json:"code"`
}

// UnitConv converts a stored value into one unit system: out = v*Scale + Offset.
type UnitConv struct {
	Scale  float64 `json:"scale"`
	Offset float64 `json:"offset"`
}

// Identity is the no-op unit conversion.
var Identity = UnitConv{Scale: 1}

// Apply converts a stored value to the target system.
func (c UnitConv) Apply(v float64) float64 { return v*c.Scale + c.Offset }

// Invert converts a value in the target system back to storage units.
func (c UnitConv) Invert(v float64) float64 { return (v - c.Offset) / c.Scale }

// MSID describes one telemetry channel. Names are case-insensitive and
// canonicalized to upper case everywhere inside the archive.
type MSID struct {
	Name    string   `json:"name"`
	Content string   `json:"content"`
	Type    ElemType `json:"type"`

	// Units holds the engineering unit label in each unit system. Values
	// are stored in the cxc system; Conv maps a system to the scalar
	// conversion from storage.
	Units map[UnitSystem]string   `json:"units,omitempty"`
	Conv  map[UnitSystem]UnitConv `json:"conv,omitempty"`

	// StateCodes is non-empty for state-valued MSIDs. The column stores the
	// raw integer code; the fetch layer resolves strings.
	StateCodes []StateCode `json:"state_codes,omitempty"`

	// Derived is true for DP_ channels produced by the derived-parameter
	// engine.
	Derived bool `json:"derived,omitempty"`
}

// CanonicalName upper-cases an MSID name.
func CanonicalName(name string) string { return strings.ToUpper(strings.TrimSpace(name)) }

// IsState returns true if the MSID carries a state-code table.
func (m *MSID) IsState() bool { return len(m.StateCodes) > 0 }

// StateForRaw resolves a raw integer code to its state string. The second
// return is false when the code is not in the table.
func (m *MSID) StateForRaw(raw int64) (string, bool) {
	for _, sc := range m.StateCodes {
		if sc.Raw == raw {
			return sc.Code, true
		}
	}
	return "", false
}

// Unit returns the unit label for the requested system, falling back to the
// cxc label when the system has no entry.
func (m *MSID) Unit(sys UnitSystem) string {
	if u, ok := m.Units[sys]; ok {
		return u
	}
	return m.Units[UnitsCXC]
}

// ConvTo returns the conversion from storage units to the requested system.
func (m *MSID) ConvTo(sys UnitSystem) UnitConv {
	if c, ok := m.Conv[sys]; ok {
		return c
	}
	return Identity
}

// ContentType is a named group of MSIDs sharing an exact time grid. Within a
// content all columns have identical length and identical time values at
// each row.
type ContentType struct {
	Name  string   `json:"name"`
	MSIDs []string `json:"msids"`

	// MaxGap is the largest inter-file time gap in seconds accepted
	// silently by ingest. Zero means the ingest service default applies.
	MaxGap float64 `json:"max_gap,omitempty"`

	// TimeStep is set for derived-parameter synthetic contents; zero for
	// natural telemetry contents.
	TimeStep float64 `json:"time_step,omitempty"`
}

// CanonicalContent lower-cases a content type name.
func CanonicalContent(name string) string { return strings.ToLower(strings.TrimSpace(name)) }
