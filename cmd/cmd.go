// Package cmd holds the shared root command; main and subcommand
// packages attach to it.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/darkfleet/fleetd/version"
)

var CMD = &cobra.Command{
	Use:     "fleetd",
	Short:   "real-time maritime tracking pipeline",
	Long:    "fleetd ingests AIS vessel reports, deduplicates and enriches them,\nmatches them against a watchlist, and fans the stream out to WebSocket\nsubscribers.",
	Version: version.Version,
}
