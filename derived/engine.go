package derived

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/telarc/telarc"
	"github.com/telarc/telarc/fetch"
	"github.com/telarc/telarc/ingest"
	"github.com/telarc/telarc/meta"
	"github.com/telarc/telarc/toml"
)

// DefaultCheckInterval is the recompute cadence if none is specified.
const DefaultCheckInterval = 10 * time.Minute

// Config represents the configuration for the derived-parameter engine.
type Config struct {
	Enabled       bool          `toml:"enabled"`
	CheckInterval toml.Duration `toml:"check-interval"`
}

// NewConfig returns a new Config with defaults.
func NewConfig() Config {
	return Config{
		Enabled:       true,
		CheckInterval: toml.Duration(DefaultCheckInterval),
	}
}

// Validate returns an error if the Config is invalid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CheckInterval <= 0 {
		return errors.New("check-interval must be positive")
	}
	return nil
}

// Engine schedules and evaluates derived-parameter recomputation. Output is
// appended through the ingest pipeline, so the statistics engine processes
// synthetic contents exactly like natural ones.
type Engine struct {
	cfg    Config
	reg    *Registry
	fetch  *fetch.Engine
	ingest *ingest.Service
	meta   *meta.Store

	Logger *zap.Logger

	clock  clock.Clock
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine returns a derived-parameter engine.
func NewEngine(c Config, reg *Registry, fetchEng *fetch.Engine, ingestSvc *ingest.Service, metaStore *meta.Store) *Engine {
	return &Engine{
		cfg:    c,
		reg:    reg,
		fetch:  fetchEng,
		ingest: ingestSvc,
		meta:   metaStore,
		Logger: zap.NewNop(),
		clock:  clock.New(),
	}
}

// WithLogger sets the logger for the engine.
func (e *Engine) WithLogger(log *zap.Logger) {
	e.Logger = log.With(zap.String("service", "derived"))
}

// WithClock substitutes the wall clock, for tests.
func (e *Engine) WithClock(c clock.Clock) { e.clock = c }

// Sync writes the synthetic content and MSID definitions for every
// registered derived parameter into the metadata store. Call after
// registration and before the first recompute.
func (e *Engine) Sync() error {
	for content, defs := range e.reg.ByContent() {
		if err := e.meta.PutContent(&telarc.ContentType{
			Name:     content,
			TimeStep: defs[0].TimeStep,
		}); err != nil {
			return err
		}
		for _, d := range defs {
			if err := e.meta.PutMSID(&telarc.MSID{
				Name:    d.Name,
				Content: content,
				Type:    telarc.Float64,
				Derived: true,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Open starts the periodic recompute loop.
func (e *Engine) Open(ctx context.Context) error {
	if !e.cfg.Enabled || e.cancel != nil {
		return nil
	}
	e.Logger.Info("Starting derived-parameter service",
		zap.Duration("check_interval", time.Duration(e.cfg.CheckInterval)))

	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.run(ctx)
	return nil
}

// Close stops the recompute loop.
func (e *Engine) Close() error {
	if e.cancel == nil {
		return nil
	}
	e.cancel()
	e.wg.Wait()
	e.cancel = nil
	return nil
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := e.clock.Ticker(time.Duration(e.cfg.CheckInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.Update(ctx); err != nil {
				e.Logger.Info("Derived-parameter update failed", zap.Error(err))
			}
		case <-ctx.Done():
			e.Logger.Info("Terminating derived-parameter service")
			return
		}
	}
}

// Update recomputes every synthetic content.
func (e *Engine) Update(ctx context.Context) error {
	for content := range e.reg.ByContent() {
		if err := e.UpdateContent(ctx, content); err != nil {
			return err
		}
	}
	return nil
}

// UpdateContent evaluates the latest uncovered interval of one synthetic
// content and appends it through the ingest pipeline.
func (e *Engine) UpdateContent(ctx context.Context, content string) error {
	defs := e.reg.ByContent()[telarc.CanonicalContent(content)]
	if len(defs) == 0 {
		return fmt.Errorf("%s: no derived parameters registered: %w",
			content, telarc.ErrUnknownContent)
	}
	step := defs[0].TimeStep

	// Collect the union of root channels.
	rootSet := make(map[string]bool)
	for _, d := range defs {
		for _, root := range d.RootMSIDs {
			rootSet[root] = true
		}
	}

	// The grid starts after the last appended output and ends at the most
	// recent time covered by every root.
	cat, err := e.ingest.Catalog(content)
	if err != nil {
		return err
	}
	last, err := cat.Last()
	if err != nil {
		return err
	}

	firstK := int64(math.MinInt64)
	lastK := int64(math.MaxInt64)
	if last != nil {
		firstK = int64(math.Floor(last.TStop/step)) + 1
	}
	for root := range rootSet {
		t0, t1, err := e.rootSpan(ctx, root)
		if err != nil {
			return err
		}
		if t1 <= t0 {
			e.Logger.Debug("Root has no data yet", zap.String("msid", root))
			return nil
		}
		if k := int64(math.Ceil(t0 / step)); last == nil && k > firstK {
			firstK = k
		}
		if k := int64(math.Floor(t1 / step)); k < lastK {
			lastK = k
		}
	}
	if lastK < firstK {
		return nil
	}

	n := int(lastK - firstK + 1)
	grid := make([]float64, n)
	for i := range grid {
		grid[i] = float64(firstK+int64(i)) * step
	}

	// Align every root to the grid: bad-filtered nearest neighbor, with a
	// grid point marked bad when the root has no good sample within one
	// time step of it.
	roots := make(map[string]RootData, len(rootSet))
	for root := range rootSet {
		aligned, err := e.alignRoot(ctx, root, grid, step)
		if err != nil {
			return err
		}
		roots[root] = aligned
	}

	product := &ingest.Product{
		Filename: fmt.Sprintf("%s:%d:%d", telarc.CanonicalContent(content), firstK, lastK),
		Filetime: int64(grid[0]),
		TStart:   grid[0],
		TStop:    grid[n-1],
		Times:    grid,
		Floats:   make(map[string][]float64, len(defs)),
		Quality:  make(map[string][]bool, len(defs)),
	}

	for _, d := range defs {
		input := make(Input, len(d.RootMSIDs))
		bads := make([]bool, n)
		for _, root := range d.RootMSIDs {
			rd := roots[root]
			input[root] = rd
			for i, bad := range rd.Bads {
				if bad {
					bads[i] = true
				}
			}
		}
		vals, err := d.Calc(input)
		if err != nil {
			return fmt.Errorf("derived parameter %s: %w", d.Name, err)
		}
		if len(vals) != n {
			return fmt.Errorf("derived parameter %s: calc returned %d values for %d grid points",
				d.Name, len(vals), n)
		}
		product.Floats[d.Name] = vals
		product.Quality[d.Name] = bads
	}

	e.Logger.Info("Computed derived parameters",
		zap.String("content", content),
		zap.Float64("tstart", product.TStart),
		zap.Float64("tstop", product.TStop),
		zap.Int("rows", n))
	return e.ingest.AppendProduct(ctx, content, product)
}

// rootSpan returns the stored time span of a root channel.
func (e *Engine) rootSpan(ctx context.Context, root string) (float64, float64, error) {
	res, err := e.fetch.Msid(ctx, root, 0, math.MaxFloat64, fetch.Query{})
	if err != nil {
		return 0, 0, err
	}
	if res.Len() == 0 {
		return 0, 0, nil
	}
	return res.Times[0], res.Times[res.Len()-1], nil
}

// alignRoot fetches a root with bad filtering and resamples it to the grid
// by nearest neighbor.
func (e *Engine) alignRoot(ctx context.Context, root string, grid []float64, step float64) (RootData, error) {
	res, err := e.fetch.Msid(ctx, root, grid[0]-step, grid[len(grid)-1]+step, fetch.Query{FilterBad: true})
	if err != nil {
		return RootData{}, err
	}

	out := RootData{
		Times: grid,
		Vals:  make([]float64, len(grid)),
		Bads:  make([]bool, len(grid)),
	}
	if res.Len() == 0 {
		for i := range out.Bads {
			out.Bads[i] = true
		}
		return out, nil
	}

	j := 0
	for i, t := range grid {
		for j < res.Len()-1 && res.Times[j+1] <= t {
			j++
		}
		best := j
		if j < res.Len()-1 && math.Abs(res.Times[j+1]-t) < math.Abs(res.Times[j]-t) {
			best = j + 1
		}
		out.Vals[i] = res.Vals[best]
		if math.Abs(res.Times[best]-t) > step {
			out.Bads[i] = true
		}
	}
	return out, nil
}
