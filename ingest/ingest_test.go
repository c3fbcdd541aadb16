package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/telarc/telarc"
	"github.com/telarc/telarc/colstore"
	"github.com/telarc/telarc/meta"
)

// fakeDecom maps paths to canned products.
type fakeDecom struct {
	products map[string]*Product
}

func (d *fakeDecom) Read(path string) (*Product, error) {
	p, ok := d.products[path]
	if !ok {
		return nil, fmt.Errorf("no such product %s", path)
	}
	return p, nil
}

type testEnv struct {
	store *colstore.Store
	meta  *meta.Store
	svc   *Service
	decom *fakeDecom
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	store := colstore.NewStore(filepath.Join(dir, "data"))
	ms, err := meta.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ms.Close() })

	require.NoError(t, ms.PutMSID(&telarc.MSID{Name: "A", Content: "syn", Type: telarc.Float64}))
	require.NoError(t, ms.PutMSID(&telarc.MSID{Name: "B", Content: "syn", Type: telarc.Int32}))

	decom := &fakeDecom{products: make(map[string]*Product)}
	svc := NewService(NewConfig(), store, ms, decom)
	t.Cleanup(func() { svc.Close() })
	return &testEnv{store: store, meta: ms, svc: svc, decom: decom}
}

// product builds a synthetic product with A = 10*t and B = t over [t0, t1)
// at 1 s spacing.
func product(name string, ft int64, t0, t1 float64) *Product {
	n := int(t1 - t0)
	p := &Product{
		Filename: name,
		Filetime: ft,
		TStart:   t0,
		TStop:    t1,
		Times:    make([]float64, n),
		Floats:   map[string][]float64{"A": make([]float64, n), "B": make([]float64, n)},
	}
	for i := 0; i < n; i++ {
		tm := t0 + float64(i)
		p.Times[i] = tm
		p.Floats["A"][i] = tm * 10
		p.Floats["B"][i] = tm
	}
	return p
}

func (e *testEnv) contentBytes(t *testing.T) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	dir := filepath.Join(e.store.Path, "syn")
	for _, name := range []string{"TIME.col", "A.col", "A.qual", "B.col", "B.qual"} {
		b, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		out[name] = b
	}
	return out
}

func TestService_AppendAndCatalog(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ctx := context.Background()

	p := &Product{
		Filename: "f1.fits",
		Filetime: 0,
		Times:    []float64{0, 1, 2, 3},
		Floats: map[string][]float64{
			"A": {10, 11, 12, 13},
			"B": {0, 1, 2, 3},
		},
		Quality: map[string][]bool{"A": {false, false, true, false}},
	}
	require.NoError(t, e.svc.AppendProduct(ctx, "syn", p))

	cat, err := e.svc.Catalog("syn")
	require.NoError(t, err)
	last, err := cat.Last()
	require.NoError(t, err)
	require.Equal(t, int64(0), last.RowStart)
	require.Equal(t, int64(4), last.RowStop)
	require.Equal(t, float64(0), last.TStart)
	require.Equal(t, float64(3), last.TStop)

	tc, err := e.store.OpenTime("syn", colstore.ModeRead)
	require.NoError(t, err)
	defer tc.Close()
	times, err := tc.ReadFloats(0, 4)
	require.NoError(t, err)
	require.Equal(t, []float64{0, 1, 2, 3}, times)

	qc, err := e.store.OpenQuality("syn", "A", colstore.ModeRead)
	require.NoError(t, err)
	defer qc.Close()
	bads, err := qc.ReadBools(0, 4)
	require.NoError(t, err)
	require.Equal(t, []bool{false, false, true, false}, bads)
}

func TestService_IdempotentReplay(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ctx := context.Background()
	e.decom.products["f1"] = product("f1.fits", 0, 0, 100)

	require.NoError(t, e.svc.IngestFiles(ctx, "syn", []string{"f1"}))
	before := e.contentBytes(t)

	// Re-ingesting the same file yields zero new rows anywhere.
	require.NoError(t, e.svc.IngestFiles(ctx, "syn", []string{"f1"}))
	require.Equal(t, before, e.contentBytes(t))

	cat, err := e.svc.Catalog("syn")
	require.NoError(t, err)
	recs, err := cat.All()
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestService_TruncateAndRebuild(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ctx := context.Background()
	e.decom.products["f1"] = product("f1.fits", 0, 0, 100)
	e.decom.products["f2"] = product("f2.fits", 100, 100, 200)

	require.NoError(t, e.svc.IngestFiles(ctx, "syn", []string{"f1", "f2"}))
	before := e.contentBytes(t)

	require.NoError(t, e.svc.Truncate(ctx, "syn", 100))

	msids, err := e.meta.ContentMSIDs("syn")
	require.NoError(t, err)
	n, err := e.store.ContentLength("syn", msids)
	require.NoError(t, err)
	require.Equal(t, int64(100), n)

	cat, err := e.svc.Catalog("syn")
	require.NoError(t, err)
	recs, err := cat.All()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "f1.fits", recs[0].Filename)

	// Re-ingest restores a bit-identical archive.
	require.NoError(t, e.svc.IngestFiles(ctx, "syn", []string{"f2"}))
	require.Equal(t, before, e.contentBytes(t))
}

func TestService_RecoverySweep(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ctx := context.Background()
	e.decom.products["f1"] = product("f1.fits", 0, 0, 100)
	require.NoError(t, e.svc.IngestFiles(ctx, "syn", []string{"f1"}))

	// Simulate a crash after extending columns but before the catalog
	// commit: grow the columns directly.
	msids, err := e.meta.ContentMSIDs("syn")
	require.NoError(t, err)
	tc, err := e.store.OpenTime("syn", colstore.ModeAppend)
	require.NoError(t, err)
	require.NoError(t, tc.AppendFloats([]float64{100, 101}))
	require.NoError(t, tc.Close())
	for _, m := range msids {
		vc, err := e.store.OpenValue("syn", m.Name, m.Type, colstore.ModeAppend)
		require.NoError(t, err)
		require.NoError(t, vc.AppendFloats([]float64{0, 0}))
		require.NoError(t, vc.Close())
		qc, err := e.store.OpenQuality("syn", m.Name, colstore.ModeAppend)
		require.NoError(t, err)
		require.NoError(t, qc.AppendBools([]bool{false, false}))
		require.NoError(t, qc.Close())
	}

	require.NoError(t, e.svc.Recover(ctx, "syn"))
	n, err := e.store.ContentLength("syn", msids)
	require.NoError(t, err)
	require.Equal(t, int64(100), n)
}

func TestService_SweepUnequalColumns(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ctx := context.Background()
	e.decom.products["f1"] = product("f1.fits", 0, 0, 100)
	require.NoError(t, e.svc.IngestFiles(ctx, "syn", []string{"f1"}))

	// A crash mid-loop extends only some columns. The next append sweeps
	// the orphan rows before positioning itself.
	tc, err := e.store.OpenTime("syn", colstore.ModeAppend)
	require.NoError(t, err)
	require.NoError(t, tc.AppendFloats([]float64{100, 101}))
	require.NoError(t, tc.Close())

	require.NoError(t, e.svc.AppendProduct(ctx, "syn", product("f2.fits", 100, 100, 200)))

	msids, err := e.meta.ContentMSIDs("syn")
	require.NoError(t, err)
	n, err := e.store.ContentLength("syn", msids)
	require.NoError(t, err)
	require.Equal(t, int64(200), n)

	tc, err = e.store.OpenTime("syn", colstore.ModeRead)
	require.NoError(t, err)
	defer tc.Close()
	times, err := tc.ReadFloats(99, 101)
	require.NoError(t, err)
	require.Equal(t, []float64{99, 100}, times)
}

func TestService_GapPolicy(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, e.svc.AppendProduct(ctx, "syn", product("f1.fits", 0, 0, 100)))

	// Gap of 900 s exceeds the default 600 s soft limit.
	err := e.svc.AppendProduct(ctx, "syn", product("f2.fits", 1000, 1000, 1100))
	require.ErrorIs(t, err, telarc.ErrGapTooLarge)

	// Overlap is rejected outright.
	err = e.svc.AppendProduct(ctx, "syn", product("f3.fits", 50, 50, 150))
	require.ErrorIs(t, err, telarc.ErrOverlappingFile)

	// Allow-gap mode accepts the soft-limit overshoot.
	e.svc.cfg.AllowGaps = true
	require.NoError(t, e.svc.AppendProduct(ctx, "syn", product("f2.fits", 1000, 1000, 1100)))

	// The hard limit still applies.
	err = e.svc.AppendProduct(ctx, "syn", product("f4.fits", 3000000, 3000000, 3000100))
	require.ErrorIs(t, err, telarc.ErrGapTooLarge)
}

func TestService_DuplicateTimestampsDropped(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ctx := context.Background()

	p := &Product{
		Filename: "f1.fits",
		Filetime: 0,
		Times:    []float64{0, 1, 1, 2},
		Floats: map[string][]float64{
			"A": {10, 11, 99, 12},
			"B": {0, 1, 99, 2},
		},
	}
	require.NoError(t, e.svc.AppendProduct(ctx, "syn", p))

	tc, err := e.store.OpenTime("syn", colstore.ModeRead)
	require.NoError(t, err)
	defer tc.Close()
	require.Equal(t, int64(3), tc.Length())
	times, err := tc.ReadFloats(0, 3)
	require.NoError(t, err)
	require.Equal(t, []float64{0, 1, 2}, times)

	vc, err := e.store.OpenValue("syn", "A", telarc.Float64, colstore.ModeRead)
	require.NoError(t, err)
	defer vc.Close()
	vals, err := vc.ReadFloats(0, 3)
	require.NoError(t, err)
	require.Equal(t, []float64{10, 11, 12}, vals)
}

func TestService_DuplicateFiletime(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, e.svc.AppendProduct(ctx, "syn", product("f1.fits", 7, 0, 100)))

	err := e.svc.AppendProduct(ctx, "syn", product("other.fits", 7, 100, 200))
	require.ErrorIs(t, err, telarc.ErrDuplicateFiletime)
}

func TestService_MissingMSIDSkipsFile(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ctx := context.Background()

	p := &Product{
		Filename: "f1.fits",
		Times:    []float64{0, 1},
		Floats:   map[string][]float64{"A": {1, 2}}, // B missing
	}
	require.NoError(t, e.svc.AppendProduct(ctx, "syn", p))

	cat, err := e.svc.Catalog("syn")
	require.NoError(t, err)
	recs, err := cat.All()
	require.NoError(t, err)
	require.Empty(t, recs)
}

type captureTrigger struct {
	events    []AppendEvent
	truncates []float64
}

func (c *captureTrigger) ContentAppended(_ context.Context, ev AppendEvent) error {
	c.events = append(c.events, ev)
	return nil
}

func (c *captureTrigger) ContentTruncated(_ context.Context, _ string, tcut float64) error {
	c.truncates = append(c.truncates, tcut)
	return nil
}

func TestService_Triggers(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ctx := context.Background()
	tr := &captureTrigger{}
	e.svc.AddTrigger(tr)

	require.NoError(t, e.svc.AppendProduct(ctx, "syn", product("f1.fits", 0, 0, 100)))
	require.Len(t, tr.events, 1)
	require.Equal(t, AppendEvent{
		Content: "syn", RowStart: 0, RowStop: 100, TStart: 0, TStop: 100,
	}, tr.events[0])

	require.NoError(t, e.svc.AppendProduct(ctx, "syn", product("f2.fits", 100, 100, 200)))
	require.NoError(t, e.svc.Truncate(ctx, "syn", 100))
	require.Equal(t, []float64{100}, tr.truncates)

	// A cutoff past all archive files truncates nothing and fires no
	// trigger.
	require.NoError(t, e.svc.Truncate(ctx, "syn", 5000))
	require.Len(t, tr.truncates, 1)
}
