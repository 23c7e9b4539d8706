package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/rblink/internal/device"
	"github.com/srg/rblink/internal/link"
	"github.com/srg/rblink/internal/protocol"
	"github.com/srg/rblink/internal/session"
	"github.com/srg/rblink/internal/supervisor"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Stay connected and print every notification",
	Long: `Connects to the first RedBear peripheral found and prints every
notification from the data channel along with link state changes.

Dropped links are re-established automatically. Repeated failures pause
reconnects for the configured open timeout. Press Ctrl+C to exit.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

var monitorNoColor bool

func init() {
	monitorCmd.Flags().BoolVar(&monitorNoColor, "no-color", false, "Disable coloured output")
}

// linePrinter writes timestamped state, data and error lines.
type linePrinter struct {
	mu    sync.Mutex
	out   io.Writer
	state *color.Color
	data  *color.Color
	err   *color.Color
	info  *color.Color
}

func newLinePrinter(out io.Writer, noColor bool) *linePrinter {
	p := &linePrinter{
		out:   out,
		state: color.New(color.FgCyan),
		data:  color.New(color.FgGreen),
		err:   color.New(color.FgRed, color.Bold),
		info:  color.New(color.Faint),
	}
	if noColor {
		for _, c := range []*color.Color{p.state, p.data, p.err, p.info} {
			c.DisableColor()
		}
	}
	return p
}

func (p *linePrinter) println(c *color.Color, format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts := time.Now().Format("15:04:05.000")
	fmt.Fprintf(p.out, "%s %s\n", ts, c.Sprintf(format, args...))
}

func (p *linePrinter) OnStateChanged(state link.State) {
	p.println(p.state, "[%s]", state)
}

func (p *linePrinter) OnPeripheralDiscovered(d device.Peripheral) {
	p.println(p.info, "found %s (%s) rssi=%d", d.DisplayName(), d.ID, d.RSSI)
}

func (p *linePrinter) OnDataReceived(d protocol.Payload) {
	p.println(p.data, "< %s", formatPayload(d))
}

func (p *linePrinter) OnError(err error) {
	p.println(p.err, "error: %s", FormatUserError(err))
}

func (p *linePrinter) OnSignalStrength(id string, rssi int) {
	p.println(p.info, "%s rssi=%d", id, rssi)
}

// sessionTarget lets the supervisor exist before the session it drives.
type sessionTarget struct {
	s *session.Session
}

func (t *sessionTarget) StartScan() error  { return t.s.StartScan() }
func (t *sessionTarget) Disconnect() error { return t.s.Disconnect() }

func runMonitor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	target := &sessionTarget{}
	sup := supervisor.New(target, cfg.SupervisorOptions(), logger)
	printer := newLinePrinter(cmd.OutOrStdout(), monitorNoColor)

	opts := cfg.SessionOptions()
	opts.Observer = session.Observers{printer, sup}
	l, err := newPeripheralLink(cfg, logger, opts)
	if err != nil {
		return err
	}
	target.s = l.session
	defer func() { _ = l.Close() }()
	defer sup.Stop()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	if err := l.start(ctx, false); err != nil {
		return err
	}
	sup.Start()

	<-ctx.Done()
	fmt.Fprintln(cmd.OutOrStdout(), "\nDisconnecting...")
	return ctx.Err()
}
