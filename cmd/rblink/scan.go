package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/rblink/internal/device"
	"github.com/srg/rblink/internal/link"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for RedBear peripherals",
	Long: `Scan for peripherals advertising the RedBear service and list them in
the order they were first seen, with the strongest signal observed.

The scan filter follows the service UUID in the config file.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 5*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if !slices.Contains([]string{"table", "json"}, scanFormat) {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}
	if scanDuration <= 0 {
		return fmt.Errorf("invalid duration %s: must be positive", scanDuration)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	opts := cfg.SessionOptions()
	opts.Link.AutoConnect = false
	opts.Link.ScanTimeout = scanDuration

	l, err := newPeripheralLink(cfg, logger, opts)
	if err != nil {
		return err
	}
	defer func() { _ = l.Close() }()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Scanning for RedBear peripherals", "scanning")
	progress.Start()
	defer progress.Stop()

	if err := l.start(ctx, true); err != nil {
		return err
	}

	// the transport ends the scan after ScanTimeout; the extra second covers stacks that overshoot
	err = l.watcher.until(ctx, scanDuration+time.Second, func(w *watcher) (bool, error) {
		return w.started && w.state != link.Scanning, nil
	})
	progress.Stop()
	if err != nil && !errors.Is(err, device.ErrTimeout) && ctx.Err() == nil {
		return err
	}

	peripherals := l.session.Peripherals()
	if scanFormat == "json" {
		return writeDevicesJSON(cmd.OutOrStdout(), peripherals)
	}
	return writeDevicesTable(cmd.OutOrStdout(), peripherals)
}

type deviceJSON struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	RSSI     int       `json:"rssi"`
	LastSeen time.Time `json:"last_seen"`
}

func writeDevicesJSON(out io.Writer, peripherals []device.Peripheral) error {
	list := make([]deviceJSON, 0, len(peripherals))
	for _, p := range peripherals {
		list = append(list, deviceJSON{ID: p.ID, Name: p.Name, RSSI: p.RSSI, LastSeen: p.LastSeen})
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(list)
}

func writeDevicesTable(out io.Writer, peripherals []device.Peripheral) error {
	if len(peripherals) == 0 {
		_, err := fmt.Fprintln(out, "No RedBear peripherals found.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tRSSI")
	for _, p := range peripherals {
		fmt.Fprintf(w, "%s\t%s\t%d\n", p.DisplayName(), p.ID, p.RSSI)
	}
	return w.Flush()
}
