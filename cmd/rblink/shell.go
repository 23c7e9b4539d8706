package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/rblink/internal/link"
	"github.com/srg/rblink/internal/session"
	"github.com/srg/rblink/internal/supervisor"
	"golang.org/x/term"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive prompt on a single connection",
	Long: `Opens one session and reads commands line by line. Every pin command
is available by the same name as its subcommand, plus:

  scan                 start scanning (auto-connects when enabled in the config)
  connect <id>         connect to a peripheral by id
  disconnect           drop the link or stop scanning
  list                 peripherals seen so far
  state                current link state
  notify <on|off>      toggle notifications on the data channel
  raw                  read the data channel once
  rssi                 read the signal strength of the active link
  help                 list commands
  quit                 leave the shell

Commands sent before the link is ready are queued.`,
	Args: cobra.NoArgs,
	RunE: runShell,
}

var shellReconnect bool

func init() {
	shellCmd.Flags().BoolVar(&shellReconnect, "reconnect", false, "Re-establish dropped links automatically")
}

const shellPrompt = "rblink> "

var errQuit = errors.New("quit")

func runShell(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	in, out := cmd.InOrStdin(), cmd.OutOrStdout()
	var tty *term.Terminal
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		oldState, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return fmt.Errorf("failed to set raw terminal mode: %w", err)
		}
		defer func() { _ = term.Restore(int(f.Fd()), oldState) }()

		tty = term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{in, out}, shellPrompt)
		tty.AutoCompleteCallback = completeVerb
		out = tty
	}

	printer := newLinePrinter(out, tty == nil)
	opts := cfg.SessionOptions()
	opts.Observer = printer

	var sup *supervisor.Supervisor
	target := &sessionTarget{}
	if shellReconnect {
		sup = supervisor.New(target, cfg.SupervisorOptions(), logger)
		opts.Observer = session.Observers{printer, sup}
	}

	l, err := newPeripheralLink(cfg, logger, opts)
	if err != nil {
		return err
	}
	target.s = l.session
	defer func() { _ = l.Close() }()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	if err := l.start(ctx, sup == nil); err != nil {
		return err
	}
	if sup != nil {
		defer sup.Stop()
		sup.Start()
	}

	var next func() (string, error)
	if tty != nil {
		next = tty.ReadLine
	} else {
		scanner := bufio.NewScanner(in)
		next = func() (string, error) {
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					return "", err
				}
				return "", io.EOF
			}
			return scanner.Text(), nil
		}
	}
	return shellLoop(ctx, next, out, l.session)
}

func shellLoop(ctx context.Context, next func() (string, error), out io.Writer, s *session.Session) error {
	for ctx.Err() == nil {
		line, err := next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		err = runShellLine(s, out, strings.Fields(line))
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(out, "ERROR: %s\n", FormatUserError(err))
		}
	}
	return ctx.Err()
}

func runShellLine(s *session.Session, out io.Writer, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	name, args := strings.ToLower(fields[0]), fields[1:]

	switch name {
	case "quit", "exit":
		return errQuit
	case "help":
		printShellHelp(out)
		return nil
	case "scan":
		return s.StartScan()
	case "connect":
		if len(args) != 1 {
			return errors.New("usage: connect <id>")
		}
		return s.Connect(args[0])
	case "disconnect":
		return s.Disconnect()
	case "list":
		for _, p := range s.Peripherals() {
			fmt.Fprintf(out, "%s\t%s\t%d\n", p.DisplayName(), p.ID, p.RSSI)
		}
		return nil
	case "state":
		fmt.Fprintln(out, s.State())
		return nil
	case "notify":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return errors.New("usage: notify <on|off>")
		}
		return s.SetNotifications(args[0] == "on")
	case "raw":
		return s.Read()
	case "rssi":
		return s.ReadSignalStrength()
	}

	v, ok := findVerb(name)
	if !ok {
		return fmt.Errorf("unknown command %q (try help)", name)
	}
	if err := v.checkArgs(args); err != nil {
		return err
	}
	if err := v.send(s, args); err != nil {
		return err
	}
	if s.State() != link.Ready {
		fmt.Fprintf(out, "queued (%d pending until ready)\n", s.PendingCount())
	}
	return nil
}

func printShellHelp(out io.Writer) {
	names := make([]string, 0, len(verbs))
	for _, v := range verbs {
		names = append(names, fmt.Sprintf("  %-12s %s", v.name, v.args))
	}
	sort.Strings(names)
	fmt.Fprintln(out, "pin commands:")
	fmt.Fprintln(out, strings.Join(names, "\n"))
	fmt.Fprintln(out, "link: scan, connect <id>, disconnect, list, state, notify <on|off>, raw, rssi, quit")
}

// completeVerb completes the first word on Tab.
func completeVerb(line string, pos int, key rune) (string, int, bool) {
	if key != '\t' || strings.Contains(line[:pos], " ") {
		return "", 0, false
	}
	prefix := line[:pos]
	var match string
	for _, v := range verbs {
		if strings.HasPrefix(v.name, prefix) {
			if match != "" {
				return "", 0, false
			}
			match = v.name
		}
	}
	if match == "" {
		return "", 0, false
	}
	return match + " " + line[pos:], len(match) + 1, true
}
