package main

import (
	"fmt"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func getenvDefault(name, d string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return d
}

func getenvInt(name string, d int) int {
	v := os.Getenv(name)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

// normalizeFlagName accepts the camelCase spellings of the Mahout driver.
func normalizeFlagName(f *pflag.FlagSet, name string) pflag.NormalizedName {
	switch name {
	case "maxItemsPerLabel":
		name = "max-items-per-label"
	case "useListName":
		name = "use-list-name"
	case "inRAM":
		name = "in-ram"
	}
	return pflag.NormalizedName(name)
}

func newRootCmd() *cobra.Command {
	var logLevel string
	rootCmd := &cobra.Command{
		Use:   "vecprep",
		Short: "Prepare capped per-label training sets from vectorized mail archives",
		Long: `vecprep groups vectorized messages by the label derived from their document
key and keeps at most a fixed number of messages per label.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := log.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log.SetLevel(lvl)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace|debug|info|warn|error)")
	rootCmd.SetGlobalNormalizationFunc(normalizeFlagName)

	rootCmd.AddCommand(newRunCmd(), newPrepareCmd(), newDumpCmd(), newServeCmd(), newCheckCmd())
	return rootCmd
}

func main() {
	must(newRootCmd().Execute())
}

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
