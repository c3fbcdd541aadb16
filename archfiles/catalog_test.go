package archfiles

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/telarc/telarc"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "archfiles.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func rec(name string, ft int64, t0, t1 float64, r0, r1 int64) *Record {
	return &Record{
		Filename: name, Filetime: ft, TStart: t0, TStop: t1,
		RowStart: r0, RowStop: r1, IngestDate: "2026:001:00:00:00",
	}
}

func TestCatalog_RecordHasLast(t *testing.T) {
	t.Parallel()

	c := openTestCatalog(t)

	ok, err := c.Has("f1.fits")
	require.NoError(t, err)
	require.False(t, ok)

	last, err := c.Last()
	require.NoError(t, err)
	require.Nil(t, last)

	require.NoError(t, c.Record(rec("f1.fits", 0, 0, 100, 0, 100)))
	require.NoError(t, c.Record(rec("f2.fits", 100, 100, 200, 100, 200)))

	ok, err = c.Has("f1.fits")
	require.NoError(t, err)
	require.True(t, ok)

	last, err = c.Last()
	require.NoError(t, err)
	require.Equal(t, "f2.fits", last.Filename)

	row, err := c.LastRow()
	require.NoError(t, err)
	require.Equal(t, int64(200), row)
}

func TestCatalog_GapTo(t *testing.T) {
	t.Parallel()

	c := openTestCatalog(t)

	_, known, err := c.GapTo(50)
	require.NoError(t, err)
	require.False(t, known)

	require.NoError(t, c.Record(rec("f1.fits", 0, 0, 100, 0, 100)))

	gap, known, err := c.GapTo(130)
	require.NoError(t, err)
	require.True(t, known)
	require.Equal(t, float64(30), gap)

	gap, _, err = c.GapTo(90)
	require.NoError(t, err)
	require.Equal(t, float64(-10), gap)
}

func TestCatalog_DeleteAfter(t *testing.T) {
	t.Parallel()

	c := openTestCatalog(t)
	require.NoError(t, c.Record(rec("f1.fits", 0, 0, 100, 0, 100)))
	require.NoError(t, c.Record(rec("f2.fits", 100, 100, 200, 100, 200)))
	require.NoError(t, c.Record(rec("f3.fits", 200, 200, 300, 200, 300)))

	row, ok, err := c.DeleteAfter(100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(100), row)

	recs, err := c.All()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "f1.fits", recs[0].Filename)

	// No record at or after the cutoff.
	_, ok, err = c.DeleteAfter(5000)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCatalog_HasFiletime(t *testing.T) {
	t.Parallel()

	c := openTestCatalog(t)
	require.NoError(t, c.Record(rec("f1.fits", 42, 0, 100, 0, 100)))

	dup, err := c.HasFiletime(42, "f2.fits")
	require.NoError(t, err)
	require.True(t, dup)

	dup, err = c.HasFiletime(42, "f1.fits")
	require.NoError(t, err)
	require.False(t, dup)
}

func TestCatalog_ReopenKeepsSchema(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "archfiles.db")
	c, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Record(rec("f1.fits", 0, 0, 100, 0, 100)))
	require.NoError(t, c.Close())

	c, err = Open(path, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	ok, err := c.Has("f1.fits")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCheckGap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		gap       float64
		maxGap    float64
		allowGaps bool
		want      error
	}{
		{"zero gap", 0, 600, false, nil},
		{"within max", 300, 600, false, nil},
		{"over max strict", 1000, 600, false, telarc.ErrGapTooLarge},
		{"over max allowed", 1000, 600, true, nil},
		{"over hard limit", 2e6, 600, true, telarc.ErrGapTooLarge},
		{"overlap", -1, 600, true, telarc.ErrOverlappingFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckGap(tt.gap, tt.maxGap, tt.allowGaps)
			if tt.want == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.want)
			}
		})
	}
}
