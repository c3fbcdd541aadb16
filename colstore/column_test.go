package colstore

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/telarc/telarc"
)

func TestColumn_AppendRead(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "A.col")
	c, err := Open(path, telarc.Float64, ModeAppend)
	require.NoError(t, err)

	require.NoError(t, c.AppendFloats([]float64{10, 11, 12, 13}))
	require.NoError(t, c.Sync())
	require.Equal(t, int64(4), c.Length())

	vals, err := c.ReadFloats(1, 3)
	require.NoError(t, err)
	require.Equal(t, []float64{11, 12}, vals)
	require.NoError(t, c.Close())

	// Reopen read-only and check persisted data.
	c, err = Open(path, telarc.Float64, ModeRead)
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, int64(4), c.Length())
	vals, err = c.ReadFloats(0, 4)
	require.NoError(t, err)
	require.Equal(t, []float64{10, 11, 12, 13}, vals)
}

func TestColumn_IntegerWidths(t *testing.T) {
	t.Parallel()

	for _, typ := range []telarc.ElemType{
		telarc.Int8, telarc.Int16, telarc.Int32, telarc.Int64,
		telarc.Uint8, telarc.Uint16, telarc.Uint32,
	} {
		path := filepath.Join(t.TempDir(), "X.col")
		c, err := Open(path, typ, ModeAppend)
		require.NoError(t, err)

		in := []float64{0, 1, 2, 127}
		if typ.Kind == telarc.KindInt {
			in = append(in, -5)
		}
		require.NoError(t, c.AppendFloats(in))
		out, err := c.ReadFloats(0, int64(len(in)))
		require.NoError(t, err)
		require.Equal(t, in, out, "type %s", typ)
		require.NoError(t, c.Close())
	}
}

func TestColumn_Float32RoundsToNative(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "F.col")
	c, err := Open(path, telarc.Float32, ModeAppend)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.AppendFloats([]float64{1.5, math.Pi}))
	out, err := c.ReadFloats(0, 2)
	require.NoError(t, err)
	require.Equal(t, 1.5, out[0])
	require.Equal(t, float64(float32(math.Pi)), out[1])
}

func TestColumn_Strings(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "S.col")
	c, err := Open(path, telarc.StringN(4), ModeAppend)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.AppendStrings([]string{"ON", "OFF", "SAFE"}))
	out, err := c.ReadStrings(0, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"ON", "OFF", "SAFE"}, out)
}

func TestColumn_SchemaMismatch(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "A.col")
	c, err := Open(path, telarc.Float64, ModeAppend)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = Open(path, telarc.Int32, ModeAppend)
	require.ErrorIs(t, err, telarc.ErrSchemaMismatch)

	// Opening with the zero type adopts the on-disk schema.
	c, err = Open(path, telarc.ElemType{}, ModeRead)
	require.NoError(t, err)
	require.Equal(t, telarc.Float64, c.Type())
	require.NoError(t, c.Close())
}

func TestColumn_Truncate(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "A.col")
	c, err := Open(path, telarc.Float64, ModeTruncate)
	require.NoError(t, err)

	require.NoError(t, c.AppendFloats([]float64{1, 2, 3, 4, 5}))
	require.NoError(t, c.Truncate(2))
	require.Equal(t, int64(2), c.Length())

	// Appends continue from the shortened tail.
	require.NoError(t, c.AppendFloats([]float64{9}))
	vals, err := c.ReadFloats(0, 3)
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2, 9}, vals)
	require.NoError(t, c.Close())
}

func TestColumn_TruncateRequiresMode(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "A.col")
	c, err := Open(path, telarc.Float64, ModeAppend)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.AppendFloats([]float64{1, 2}))
	require.Error(t, c.Truncate(1))
}

func TestColumn_PartialTrailingElementIgnored(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "A.col")
	c, err := Open(path, telarc.Float64, ModeAppend)
	require.NoError(t, err)
	require.NoError(t, c.AppendFloats([]float64{1, 2}))
	require.NoError(t, c.Close())

	// Simulate a crash mid-append by writing a torn element.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0666)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	c, err = Open(path, telarc.Float64, ModeRead)
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, int64(2), c.Length())
}
