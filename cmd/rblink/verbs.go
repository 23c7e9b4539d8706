package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/rblink/internal/protocol"
	"github.com/srg/rblink/internal/session"
)

// verb is one firmware command, usable as a subcommand and as a shell line.
type verb struct {
	name  string
	args  string
	short string
	// minArgs..maxArgs positional arguments
	minArgs, maxArgs int
	// reply reports whether the firmware answers the command with these arguments
	reply func(args []string) bool
	send  func(s *session.Session, args []string) error
}

var verbs = []verb{
	{
		name: "version", short: "Query the firmware protocol version",
		reply: always,
		send: func(s *session.Session, _ []string) error {
			s.QueryProtocolVersion()
			return nil
		},
	},
	{
		name: "pins", short: "Query the total pin count",
		reply: always,
		send: func(s *session.Session, _ []string) error {
			s.QueryTotalPinCount()
			return nil
		},
	},
	{
		name: "pin-states", short: "Query mode and value of every pin",
		reply: always,
		send: func(s *session.Session, _ []string) error {
			s.QueryPinAll()
			return nil
		},
	},
	{
		name: "capability", args: "<digital|analog|byte>", short: "Query pin capabilities",
		minArgs: 1, maxArgs: 1, reply: always,
		send: func(s *session.Session, args []string) error {
			b, err := parsePinType(args[0])
			if err != nil {
				return err
			}
			s.QueryPinCapability(b)
			return nil
		},
	},
	{
		name: "mode", args: "<pin> [input|output|analog|pwm|servo]", short: "Query or set a pin mode",
		minArgs: 1, maxArgs: 2,
		// only the query form is answered
		reply: func(args []string) bool { return len(args) == 1 },
		send: func(s *session.Session, args []string) error {
			pin, err := protocol.ParseByte(args[0])
			if err != nil {
				return err
			}
			if len(args) == 1 {
				s.QueryPinMode(pin)
				return nil
			}
			mode, err := protocol.ParsePinMode(args[1])
			if err != nil {
				return err
			}
			s.SetPinMode(pin, mode)
			return nil
		},
	},
	{
		name: "write", args: "<pin> <high|low>", short: "Set a digital output",
		minArgs: 2, maxArgs: 2,
		send: func(s *session.Session, args []string) error {
			pin, err := protocol.ParseByte(args[0])
			if err != nil {
				return err
			}
			value, err := protocol.ParsePinValue(args[1])
			if err != nil {
				return err
			}
			s.DigitalWrite(pin, value)
			return nil
		},
	},
	{
		name: "read", args: "<pin>", short: "Read a digital input",
		minArgs: 1, maxArgs: 1, reply: always,
		send: func(s *session.Session, args []string) error {
			pin, err := protocol.ParseByte(args[0])
			if err != nil {
				return err
			}
			s.DigitalRead(pin)
			return nil
		},
	},
	{
		name: "analog", args: "<pin> <0-255>", short: "Write a PWM duty value",
		minArgs: 2, maxArgs: 2,
		send: pinValue(func(s *session.Session, pin, value byte) { s.AnalogWrite(pin, value) }),
	},
	{
		name: "servo", args: "<pin> <0-180>", short: "Write a servo angle",
		minArgs: 2, maxArgs: 2,
		send: pinValue(func(s *session.Session, pin, value byte) { s.ServoWrite(pin, value) }),
	},
	{
		name: "custom", args: "<hex>", short: "Send a custom data frame",
		minArgs: 1, maxArgs: 1,
		send: func(s *session.Session, args []string) error {
			payload, err := hex.DecodeString(strings.ReplaceAll(args[0], " ", ""))
			if err != nil {
				return fmt.Errorf("invalid hex payload: %w", err)
			}
			return s.SendCustomData(payload)
		},
	},
	{
		name: "analog-read", args: "<pin>", short: "Read an analog input (not supported by the firmware)",
		minArgs: 1, maxArgs: 1,
		send: pinOnly(func(s *session.Session, pin byte) error { return s.AnalogRead(pin) }),
	},
	{
		name: "servo-read", args: "<pin>", short: "Read a servo position (not supported by the firmware)",
		minArgs: 1, maxArgs: 1,
		send: pinOnly(func(s *session.Session, pin byte) error { return s.ServoRead(pin) }),
	},
}

func always([]string) bool { return true }

func pinValue(fn func(s *session.Session, pin, value byte)) func(*session.Session, []string) error {
	return func(s *session.Session, args []string) error {
		pin, err := protocol.ParseByte(args[0])
		if err != nil {
			return err
		}
		value, err := protocol.ParseByte(args[1])
		if err != nil {
			return err
		}
		fn(s, pin, value)
		return nil
	}
}

func pinOnly(fn func(s *session.Session, pin byte) error) func(*session.Session, []string) error {
	return func(s *session.Session, args []string) error {
		pin, err := protocol.ParseByte(args[0])
		if err != nil {
			return err
		}
		return fn(s, pin)
	}
}

func parsePinType(s string) (byte, error) {
	switch strings.ToLower(s) {
	case protocol.PinTypeDigital.String():
		return byte(protocol.PinTypeDigital), nil
	case protocol.PinTypeAnalog.String():
		return byte(protocol.PinTypeAnalog), nil
	}
	return protocol.ParseByte(s)
}

func findVerb(name string) (verb, bool) {
	for _, v := range verbs {
		if v.name == name {
			return v, true
		}
	}
	return verb{}, false
}

func (v verb) checkArgs(args []string) error {
	if len(args) < v.minArgs || len(args) > v.maxArgs {
		return fmt.Errorf("usage: %s %s", v.name, v.args)
	}
	return nil
}

func (v verb) expectsReply(args []string) bool {
	return v.reply != nil && v.reply(args)
}

var verbWait time.Duration

func newVerbCommand(v verb) *cobra.Command {
	cmd := &cobra.Command{
		Use:   strings.TrimSpace(v.name + " " + v.args),
		Short: v.short,
		Args:  cobra.RangeArgs(v.minArgs, v.maxArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerb(cmd, v, args)
		},
	}
	cmd.Flags().DurationVar(&verbWait, "wait", 2*time.Second, "How long to wait for notifications once the command is sent")
	return cmd
}

// runVerb connects, sends one command and prints what the peripheral sends back.
// The command is issued before the link is up and goes out once it is ready.
func runVerb(cmd *cobra.Command, v verb, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	cmd.SilenceUsage = true

	l, err := newPeripheralLink(cfg, logger, cfg.SessionOptions())
	if err != nil {
		return err
	}
	defer func() { _ = l.Close() }()

	if err := v.send(l.session, args); err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Connecting to RedBear peripheral", "scanning", "ready")
	progress.Start()
	defer progress.Stop()
	l.watcher.forward = progressObserver(progress)

	if err := l.start(ctx, true); err != nil {
		return err
	}
	if err := l.waitReady(ctx, timeout); err != nil {
		return err
	}
	progress.Stop()

	return collectReplies(ctx, cmd.OutOrStdout(), l.watcher, v.expectsReply(args), verbWait)
}

// replySettle is how long to keep listening after the first reply for the rest of a multi-frame answer.
const replySettle = 150 * time.Millisecond

func collectReplies(ctx context.Context, out io.Writer, w *watcher, expectReply bool, wait time.Duration) error {
	err := w.until(ctx, wait, func(w *watcher) (bool, error) {
		return len(w.data) > 0, nil
	})
	if err != nil && ctx.Err() != nil {
		return err
	}

	replies := w.received()
	if len(replies) == 0 {
		if expectReply {
			return fmt.Errorf("%w within %s", ErrNoReply, wait)
		}
		fmt.Fprintln(out, "OK")
		return nil
	}

	select {
	case <-ctx.Done():
	case <-time.After(replySettle):
	}
	for _, p := range w.received() {
		fmt.Fprintln(out, formatPayload(p))
	}
	return nil
}

func formatPayload(p protocol.Payload) string {
	line := fmt.Sprintf("% X", p.Raw)
	if p.Response != nil {
		line += fmt.Sprintf("  %v", p.Response)
	}
	return line
}
