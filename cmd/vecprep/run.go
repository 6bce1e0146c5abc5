package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/emptyOVO/vecprep"
	"github.com/emptyOVO/vecprep/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type runFlags struct {
	configPath  string
	input       string
	output      string
	overwrite   bool
	maxItems    int64
	useListName bool
	reducers    int
	workers     int
	inRAM       bool
	transport   string
	compression string
	export      string
	metricsAddr string
}

func (f *runFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "Job config file (JSON)")
	fs.StringVarP(&f.input, "input", "i", "", "Input sequence file or directory")
	fs.StringVarP(&f.output, "output", "o", "", "Output directory")
	fs.BoolVar(&f.overwrite, "overwrite", false, "Delete the output directory first")
	fs.Int64VarP(&f.maxItems, "max-items-per-label", "n", vecprep.DefaultMaxItemsPerLabel, "Maximum number of items per label")
	fs.BoolVarP(&f.useListName, "use-list-name", "u", false, "Append the mailing list name to the project label")
	fs.IntVarP(&f.reducers, "reducers", "r", 4, "Number of reduce partitions")
	fs.IntVarP(&f.workers, "workers", "w", 8, "Number of workers")
	fs.BoolVar(&f.inRAM, "in-ram", false, "Keep intermediate runs in /dev/shm")
	fs.StringVar(&f.transport, "transport", vecprep.TransportLocal, "Shuffle transport (local|grpc)")
	fs.StringVar(&f.compression, "compression", "none", "Sequence file compression (none|zstd)")
	fs.StringVar(&f.export, "export", vecprep.ExportNone, "Also export output (none|mysql|redis)")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a preparation job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildJobConfig(cmd, f)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			m := metrics.New(reg)
			if f.metricsAddr != "" {
				srv, _, err := metrics.Serve(f.metricsAddr, reg)
				if err != nil {
					return err
				}
				defer srv.Close()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			sum, err := vecprep.Run(ctx, cfg, m)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "read=%d skipped=%d labels=%d emitted=%d dropped=%d map=%s reduce=%s total=%s\n",
				sum.Read, sum.Skipped, sum.Groups, sum.Emitted, sum.Dropped,
				sum.MapDuration, sum.ReduceDuration, sum.TotalDuration)
			return nil
		},
	}

	f.register(cmd.Flags())
	return cmd
}

// buildJobConfig layers the config file, flags set on the command line and
// environment fallbacks for export connections.
func buildJobConfig(cmd *cobra.Command, f runFlags) (vecprep.JobConfig, error) {
	cfg := vecprep.DefaultJobConfig()
	if f.configPath != "" {
		var err error
		cfg, err = vecprep.LoadJobConfig(f.configPath)
		if err != nil {
			return cfg, err
		}
	}

	fs := cmd.Flags()
	if fs.Changed("input") {
		cfg.Input = f.input
	}
	if fs.Changed("output") {
		cfg.Output = f.output
	}
	if fs.Changed("overwrite") {
		cfg.Overwrite = f.overwrite
	}
	if fs.Changed("max-items-per-label") {
		cfg.MaxItemsPerLabel = f.maxItems
	}
	if fs.Changed("use-list-name") {
		cfg.UseListName = f.useListName
	}
	if fs.Changed("reducers") {
		cfg.Reducers = f.reducers
	}
	if fs.Changed("workers") {
		cfg.Workers = f.workers
	}
	if fs.Changed("in-ram") {
		cfg.InRAM = f.inRAM
	}
	if fs.Changed("transport") {
		cfg.Transport = f.transport
	}
	if fs.Changed("compression") {
		cfg.Compression = f.compression
	}
	if fs.Changed("export") {
		cfg.Export.Type = f.export
	}
	applyExportEnv(&cfg.Export)
	cfg.WithDefaults()
	return cfg, vecprep.ValidateJobConfig(cfg)
}

// applyExportEnv fills connection settings missing from the config from
// the environment.
func applyExportEnv(e *vecprep.ExportConfig) {
	switch e.Type {
	case vecprep.ExportMySQL:
		db := &e.MySQL.DB
		if db.Host == "" {
			db.Host = getenvDefault("MYSQL_HOST", "127.0.0.1")
		}
		if db.Port == 0 {
			db.Port = getenvInt("MYSQL_PORT", 3306)
		}
		if db.User == "" {
			db.User = getenvDefault("MYSQL_USER", "root")
		}
		if db.Password == "" {
			db.Password = os.Getenv("MYSQL_PASSWORD")
		}
		if db.Database == "" {
			db.Database = os.Getenv("MYSQL_DB")
		}
	case vecprep.ExportRedis:
		r := &e.Redis
		if r.Host == "" {
			r.Host = getenvDefault("REDIS_HOST", "127.0.0.1")
		}
		if r.Port == 0 {
			r.Port = getenvInt("REDIS_PORT", 6379)
		}
		if r.Password == "" {
			r.Password = os.Getenv("REDIS_PASSWORD")
		}
	}
}
