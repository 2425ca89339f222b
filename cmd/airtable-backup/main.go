// Command airtable-backup copies every base visible to an Airtable token
// into a local directory tree in several formats.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

var (
	configFile string
	outputDir  string
	dryRun     bool
	verbose    bool
	resume     bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "airtable-backup",
	Short: "Back up an Airtable workspace",
	Long: `airtable-backup walks every base and table visible to the API token and
writes the records as JSON, YAML, NDJSON, CSV, SQLite and Parquet, together
with attachments, run metadata and a plain text report.

The token is read from AIRTABLE_API_TOKEN or the api.token config key.`,
	SilenceUsage: true,
	RunE:         runBackup,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("airtable-backup %s (%s)\n", Version, GitSHA)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configFile, "config", "", "YAML config file")
	flags.StringVarP(&outputDir, "output", "o", "", "output directory (overrides output.dir)")
	flags.BoolVar(&dryRun, "dry-run", false, "list bases and tables without fetching records")
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	flags.BoolVar(&resume, "resume", false, "skip tables completed by a previous run into the same output directory")

	rootCmd.AddCommand(versionCmd)
}
