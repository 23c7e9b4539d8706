package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/srg/rblink/pkg/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

const (
	groupLink = "link"
	groupPins = "pins"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rblink",
	Short: "RedBear BLE pin control tool",
	Long: `Command-line client for RedBear BLE boards running the pin-control firmware:

- Scan for nearby RedBear peripherals
- Query protocol version, pin count, capabilities and modes
- Drive digital, PWM and servo outputs, read digital inputs
- Send custom data frames
- Monitor notifications with automatic reconnect
- Interactive shell on a single connection

Commands issued before the link is ready are queued and sent once it is.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("rblink {{.Version}} (commit %s, built %s)\n", commit, date))

	rootCmd.AddGroup(
		&cobra.Group{ID: groupLink, Title: "Link commands:"},
		&cobra.Group{ID: groupPins, Title: "Pin commands:"},
	)
	for _, c := range []*cobra.Command{scanCmd, monitorCmd, shellCmd} {
		c.GroupID = groupLink
		rootCmd.AddCommand(c)
	}
	for _, v := range verbs {
		c := newVerbCommand(v)
		c.GroupID = groupPins
		rootCmd.AddCommand(c)
	}

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Debug logging (same as --log-level debug)")
	rootCmd.PersistentFlags().String("config", config.DefaultPath(), "Config file (missing file means defaults)")
	rootCmd.PersistentFlags().String("backend", "", "BLE backend (goble, tinyble); overrides the config file")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "How long to wait for the link to become ready")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
