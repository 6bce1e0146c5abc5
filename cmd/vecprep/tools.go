package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/emptyOVO/vecprep"
	"github.com/emptyOVO/vecprep/seqfile"
	"github.com/emptyOVO/vecprep/shuffle"
	"github.com/emptyOVO/vecprep/vector"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newPrepareCmd() *cobra.Command {
	var (
		output      string
		compression string
		cfg         vecprep.PrepareConfig
	)
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Generate synthetic vectorized mail-archive input",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				return fmt.Errorf("output is required")
			}
			c, err := seqfile.ParseCompression(compression)
			if err != nil {
				return err
			}
			cfg.Compression = c
			n, err := vecprep.PrepareSyntheticInput(cmd.Context(), output, cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "prepare done: %d records in %s\n", n, output)
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&output, "output", "o", "", "Output directory")
	fs.Int64Var(&cfg.Docs, "docs", 10000, "Number of messages")
	fs.IntVar(&cfg.Projects, "projects", 8, "Number of projects")
	fs.IntVar(&cfg.Lists, "lists", 2, "Mailing lists per project")
	fs.IntVar(&cfg.Dim, "dim", 1000, "Vector cardinality")
	fs.IntVar(&cfg.NNZ, "nnz", 20, "Non-zero entries per vector")
	fs.Int64Var(&cfg.Seed, "seed", 1, "Random seed")
	fs.IntVar(&cfg.Files, "files", 4, "Number of input files")
	fs.StringVar(&compression, "compression", "none", "Sequence file compression (none|zstd)")
	return cmd
}

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <path>",
		Short: "Print label, document and entry count of every record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dump(cmd.OutOrStdout(), args[0])
		},
	}
}

func dump(w io.Writer, path string) error {
	files, err := seqfile.List(path)
	if err != nil {
		return err
	}
	for _, file := range files {
		r, err := seqfile.Open(file)
		if err != nil {
			return err
		}
		for {
			key, value, err := r.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				r.Close()
				return fmt.Errorf("%s: %w", file, err)
			}
			v, err := vector.Unmarshal(value)
			if err != nil {
				r.Close()
				return fmt.Errorf("%s: key %s: %w", file, key, err)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\n", key, v.Name, v.NNZ())
		}
		r.Close()
	}
	return nil
}

func newServeCmd() *cobra.Command {
	var dir, addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve intermediate runs of a directory over gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				return fmt.Errorf("dir is required")
			}
			srv := shuffle.NewServer(dir, uuid.New().String(), nil)
			bound, err := srv.Start(addr)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "serving %s on %s\n", dir, bound)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			log.Info("[Shuffle] shutting down")
			srv.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Directory holding intermediate runs")
	cmd.Flags().StringVar(&addr, "addr", ":10000", "Listen address")
	return cmd
}

func newCheckCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a job config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("check requires -c")
			}
			cfg, err := vecprep.LoadJobConfig(configPath)
			if err != nil {
				return err
			}
			if err := vecprep.ValidateJobConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config check pass")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Job config file (JSON)")
	return cmd
}
