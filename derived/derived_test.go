package derived

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func addCalc(in Input) ([]float64, error) {
	a, b := in["A"], in["B"]
	out := make([]float64, len(a.Vals))
	for i := range out {
		out[i] = a.Vals[i] + b.Vals[i]
	}
	return out, nil
}

func TestDefinition_Validate(t *testing.T) {
	t.Parallel()

	def := &Definition{
		Name:        "DP_P",
		ContentRoot: "syn",
		RootMSIDs:   []string{"A", "B"},
		TimeStep:    2.05,
		Calc:        addCalc,
	}
	require.NoError(t, def.Validate())

	bad := *def
	bad.Name = "P"
	require.Error(t, bad.Validate())

	bad = *def
	bad.TimeStep = 0
	require.Error(t, bad.Validate())

	bad = *def
	bad.RootMSIDs = nil
	require.Error(t, bad.Validate())

	bad = *def
	bad.Calc = nil
	require.Error(t, bad.Validate())
}

func TestDefinition_ContentName(t *testing.T) {
	t.Parallel()

	def := &Definition{Name: "DP_X", ContentRoot: "EPS", RootMSIDs: []string{"A"}, TimeStep: 2.05, Calc: addCalc}
	require.Equal(t, "dp_eps205", def.ContentName())

	def.TimeStep = 32.8
	require.Equal(t, "dp_eps3280", def.ContentName())
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(&Definition{
		Name: "dp_p", ContentRoot: "syn", RootMSIDs: []string{"a", "b"}, TimeStep: 1, Calc: addCalc,
	}))
	require.NoError(t, reg.Register(&Definition{
		Name: "DP_Q", ContentRoot: "syn", RootMSIDs: []string{"A"}, TimeStep: 1, Calc: addCalc,
	}))
	require.NoError(t, reg.Register(&Definition{
		Name: "DP_R", ContentRoot: "syn", RootMSIDs: []string{"A"}, TimeStep: 2.05, Calc: addCalc,
	}))

	// Names and roots canonicalize to upper case.
	d, ok := reg.Get("DP_P")
	require.True(t, ok)
	require.Equal(t, []string{"A", "B"}, d.RootMSIDs)

	require.Equal(t, []string{"DP_P", "DP_Q", "DP_R"}, reg.Names())

	// Definitions group into synthetic contents by (root, step).
	byContent := reg.ByContent()
	require.Len(t, byContent, 2)
	require.Len(t, byContent["dp_syn100"], 2)
	require.Len(t, byContent["dp_syn205"], 1)

	require.Error(t, reg.Register(&Definition{Name: "DP_BAD", ContentRoot: "syn", TimeStep: 1, Calc: addCalc}))
}

func TestRegistry_CalcErrorsPropagate(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	def := &Definition{
		Name: "DP_E", ContentRoot: "syn", RootMSIDs: []string{"A"}, TimeStep: 1,
		Calc: func(Input) ([]float64, error) { return nil, boom },
	}
	require.NoError(t, def.Validate())
	_, err := def.Calc(Input{})
	require.ErrorIs(t, err, boom)
}
