package colstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/telarc/telarc"
)

func testMSIDs() []*telarc.MSID {
	return []*telarc.MSID{
		{Name: "A", Content: "syn", Type: telarc.Float64},
		{Name: "B", Content: "syn", Type: telarc.Int16},
	}
}

func fillContent(t *testing.T, s *Store, msids []*telarc.MSID, n int) {
	t.Helper()

	times := make([]float64, n)
	vals := make([]float64, n)
	bads := make([]bool, n)
	for i := range times {
		times[i] = float64(i)
		vals[i] = float64(i * 10)
	}

	tc, err := s.OpenTime("syn", ModeAppend)
	require.NoError(t, err)
	require.NoError(t, tc.AppendFloats(times))
	require.NoError(t, tc.Close())

	for _, m := range msids {
		vc, err := s.OpenValue("syn", m.Name, m.Type, ModeAppend)
		require.NoError(t, err)
		require.NoError(t, vc.AppendFloats(vals))
		require.NoError(t, vc.Close())

		qc, err := s.OpenQuality("syn", m.Name, ModeAppend)
		require.NoError(t, err)
		require.NoError(t, qc.AppendBools(bads))
		require.NoError(t, qc.Close())
	}
}

func TestStore_ContentLength(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir())
	msids := testMSIDs()

	// Empty store: zero rows, no error.
	n, err := s.ContentLength("syn", msids)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	fillContent(t, s, msids, 5)
	n, err = s.ContentLength("syn", msids)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
}

func TestStore_LengthDrift(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir())
	msids := testMSIDs()
	fillContent(t, s, msids, 5)

	// Grow one value column out of step with the rest.
	vc, err := s.OpenValue("syn", "A", telarc.Float64, ModeAppend)
	require.NoError(t, err)
	require.NoError(t, vc.AppendFloats([]float64{99}))
	require.NoError(t, vc.Close())

	_, err = s.ContentLength("syn", msids)
	require.ErrorIs(t, err, telarc.ErrLengthDrift)
}

func TestStore_ContentBounds(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir())
	msids := testMSIDs()

	min, max, err := s.ContentBounds("syn", msids)
	require.NoError(t, err)
	require.Equal(t, int64(0), min)
	require.Equal(t, int64(0), max)

	fillContent(t, s, msids, 5)

	// An interrupted append leaves one column longer than the others.
	vc, err := s.OpenValue("syn", "A", telarc.Float64, ModeAppend)
	require.NoError(t, err)
	require.NoError(t, vc.AppendFloats([]float64{99, 100}))
	require.NoError(t, vc.Close())

	min, max, err = s.ContentBounds("syn", msids)
	require.NoError(t, err)
	require.Equal(t, int64(5), min)
	require.Equal(t, int64(7), max)
}

func TestStore_TruncateContent(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir())
	msids := testMSIDs()
	fillContent(t, s, msids, 8)

	require.NoError(t, s.TruncateContent("syn", msids, 3))

	n, err := s.ContentLength("syn", msids)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	tc, err := s.OpenTime("syn", ModeRead)
	require.NoError(t, err)
	defer tc.Close()
	times, err := tc.ReadFloats(0, 3)
	require.NoError(t, err)
	require.Equal(t, []float64{0, 1, 2}, times)
}
