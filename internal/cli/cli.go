// Package cli implements the deptrail command-line interface.
package cli

import (
	"io"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

const (
	// appName is the application name used for display.
	appName = "deptrail"

	appVersion = "0.1.0"
)

// Log levels exported for use in main.go.
const (
	LogDebug = log.DebugLevel
	LogInfo  = log.InfoLevel
)

// CLI holds shared state for all commands.
type CLI struct {
	Logger *log.Logger
}

// New creates a new CLI instance with a default logger.
func New(w io.Writer, level log.Level) *CLI {
	return &CLI{
		Logger: log.NewWithOptions(w, log.Options{
			ReportTimestamp: true,
			TimeFormat:      "15:04:05.00",
			Level:           level,
		}),
	}
}

// SetLogLevel updates the logger's level.
func (c *CLI) SetLogLevel(level log.Level) {
	c.Logger.SetLevel(level)
}

// RootCommand creates the root cobra command with all subcommands registered.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          appName,
		Short:        "Deptrail tracks software bills of materials and their risk",
		Long:         `Deptrail ingests CycloneDX BOM and VEX documents, resolves component identities, analyzes them against advisory feeds and policies, and answers dependency graph queries. Document processing runs as asynchronous chains polled by token.`,
		Version:      appVersion,
		SilenceUsage: true,
	}

	root.AddCommand(c.serveCommand())

	return root
}
