// Command telarc operates the telemetry archive: ingesting staged source
// files, repairing by truncation, forcing statistics updates and printing
// fetched samples.
package main

import (
	"fmt"
	"io"
	"os"

	btoml "github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/telarc/telarc"
	"github.com/telarc/telarc/colstore"
	"github.com/telarc/telarc/derived"
	"github.com/telarc/telarc/fetch"
	"github.com/telarc/telarc/ingest"
	"github.com/telarc/telarc/logger"
	"github.com/telarc/telarc/meta"
	"github.com/telarc/telarc/stats"
)

type config struct {
	DataDir       string   `toml:"data-dir"`
	MetaPath      string   `toml:"meta-path"`
	BadTimesFiles []string `toml:"bad-times-files"`

	Ingest  ingest.Config  `toml:"ingest"`
	Stats   stats.Config   `toml:"stats"`
	Fetch   fetch.Config   `toml:"fetch"`
	Derived derived.Config `toml:"derived"`
}

func newConfig() config {
	return config{
		DataDir:  "data",
		MetaPath: "meta.db",
		Ingest:   ingest.NewConfig(),
		Stats:    stats.NewConfig(),
		Fetch:    fetch.NewConfig(),
		Derived:  derived.NewConfig(),
	}
}

func (c config) validate() error {
	if err := c.Ingest.Validate(); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if err := c.Stats.Validate(); err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	if err := c.Fetch.Validate(); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if err := c.Derived.Validate(); err != nil {
		return fmt.Errorf("derived: %w", err)
	}
	return nil
}

type app struct {
	cfg config

	store    *colstore.Store
	metaSt   *meta.Store
	ingestSv *ingest.Service
	statEng  *stats.Engine
	fetchEng *fetch.Engine
	registry *prometheus.Registry
}

func (a *app) open(cfgPath string, verbose bool) error {
	a.cfg = newConfig()
	if cfgPath != "" {
		if _, err := btoml.DecodeFile(cfgPath, &a.cfg); err != nil {
			return err
		}
	}
	if err := a.cfg.validate(); err != nil {
		return err
	}

	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	log := logger.New(os.Stderr, level)

	a.store = colstore.NewStore(a.cfg.DataDir)
	a.store.WithLogger(log)

	ms, err := meta.Open(a.cfg.MetaPath)
	if err != nil {
		return err
	}
	a.metaSt = ms

	a.ingestSv = ingest.NewService(a.cfg.Ingest, a.store, ms, ingest.FlatDecom{})
	a.ingestSv.WithLogger(log)

	a.statEng = stats.NewEngine(a.cfg.Stats, a.store, ms)
	a.statEng.WithLogger(log)
	a.ingestSv.AddTrigger(a.statEng)

	a.fetchEng = fetch.NewEngine(a.cfg.Fetch, a.store, ms)
	a.fetchEng.WithLogger(log)
	for _, path := range a.cfg.BadTimesFiles {
		if err := a.fetchEng.BadTimes().ReadFile(path); err != nil {
			return err
		}
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(a.ingestSv.Metrics.PrometheusCollectors()...)
	a.registry.MustRegister(a.fetchEng.Metrics.PrometheusCollectors()...)
	return nil
}

// dumpMetrics writes the registry's families in the Prometheus text
// exposition format.
func (a *app) dumpMetrics(w io.Writer) error {
	mfs, err := a.registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) close() {
	if a.ingestSv != nil {
		a.ingestSv.Close()
	}
	if a.metaSt != nil {
		a.metaSt.Close()
	}
}

func main() {
	a := &app{}
	var cfgPath string
	var verbose, showMetrics bool

	root := &cobra.Command{
		Use:          "telarc",
		Short:        "Columnar telemetry archive operations",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cfgPath, verbose)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			defer a.close()
			if showMetrics {
				return a.dumpMetrics(cmd.ErrOrStderr())
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to TOML configuration")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().BoolVar(&showMetrics, "metrics", false, "dump metrics after the command runs")

	root.AddCommand(a.ingestCmd(), a.truncateCmd(), a.statsCmd(), a.fetchCmd(),
		a.badtimesCmd(), a.metricsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *app) ingestCmd() *cobra.Command {
	var content string
	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Decode and append staged source files to a content type",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.ingestSv.IngestFiles(cmd.Context(), content, args)
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "content type name")
	cmd.MarkFlagRequired("content")
	return cmd
}

func (a *app) truncateCmd() *cobra.Command {
	var content string
	var tcut float64
	cmd := &cobra.Command{
		Use:   "truncate",
		Short: "Truncate a content at a cutoff time for repair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.ingestSv.Truncate(cmd.Context(), content, tcut)
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "content type name")
	cmd.Flags().Float64Var(&tcut, "tcut", 0, "cutoff in mission seconds")
	cmd.MarkFlagRequired("content")
	cmd.MarkFlagRequired("tcut")
	return cmd
}

func (a *app) statsCmd() *cobra.Command {
	var content string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Bring the 5min and daily views of a content up to date",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.statEng.Update(cmd.Context(), content)
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "content type name")
	cmd.MarkFlagRequired("content")
	return cmd
}

func (a *app) fetchCmd() *cobra.Command {
	var (
		tstart, tstop float64
		statKind      string
		filterBad     bool
		units         string
	)
	cmd := &cobra.Command{
		Use:   "fetch MSID",
		Short: "Print samples or stat records for one MSID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if units != "" && !telarc.UnitSystem(units).Valid() {
				return fmt.Errorf("unknown unit system %q", units)
			}
			q := fetch.Query{FilterBad: filterBad, Units: telarc.UnitSystem(units)}
			if statKind != "" {
				kind, ok := stats.ParseKind(statKind)
				if !ok {
					return fmt.Errorf("unknown stat kind %q", statKind)
				}
				res, err := a.fetchEng.MsidStats(cmd.Context(), args[0], tstart, tstop, kind, q)
				if err != nil {
					return err
				}
				return printStat(cmd, res)
			}
			res, err := a.fetchEng.Msid(cmd.Context(), args[0], tstart, tstop, q)
			if err != nil {
				return err
			}
			return printFullRes(cmd, res)
		},
	}
	cmd.Flags().Float64Var(&tstart, "tstart", 0, "range start in mission seconds")
	cmd.Flags().Float64Var(&tstop, "tstop", 0, "range stop in mission seconds")
	cmd.Flags().StringVar(&statKind, "stat", "", "stat kind (5min or daily)")
	cmd.Flags().BoolVar(&filterBad, "filter-bad", false, "drop bad samples")
	cmd.Flags().StringVar(&units, "units", "", "unit system (cxc, sci, eng)")
	return cmd
}

func printFullRes(cmd *cobra.Command, res *fetch.FullRes) error {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "# %s (%s) unit=%s rows=%d\n", res.MSID, res.Content, res.UnitLabel, res.Len())
	for i := range res.Times {
		bad := ""
		if res.Bads != nil && res.Bads[i] {
			bad = " bad"
		}
		if res.StrVals != nil {
			fmt.Fprintf(w, "%.3f %s%s\n", res.Times[i], res.StrVals[i], bad)
		} else {
			fmt.Fprintf(w, "%.3f %g%s\n", res.Times[i], res.Vals[i], bad)
		}
	}
	return nil
}

func printStat(cmd *cobra.Command, res *fetch.Stat) error {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "# %s (%s) %s unit=%s rows=%d\n",
		res.MSID, res.Content, res.Kind, res.UnitLabel, res.Len())
	for i := range res.Indexes {
		fmt.Fprintf(w, "%d n=%d", res.Indexes[i], res.Ns[i])
		if res.Means != nil {
			fmt.Fprintf(w, " min=%g max=%g mean=%g", res.Mins[i], res.Maxes[i], res.Means[i])
		}
		fmt.Fprintln(w)
	}
	return nil
}

func (a *app) metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "List registered archive metrics in Prometheus text format",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.dumpMetrics(cmd.OutOrStdout())
		},
	}
}

func (a *app) badtimesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "badtimes [files...]",
		Short: "Validate bad-times tables",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				b := fetch.NewBadTimes(nil)
				if err := b.ReadFile(path); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			}
			return nil
		},
	}
	return cmd
}
