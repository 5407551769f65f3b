package service

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/platformbuilds/batterystatsd/internal/access"
	"github.com/platformbuilds/batterystatsd/internal/model"
	"github.com/platformbuilds/batterystatsd/internal/report"
	"github.com/platformbuilds/batterystatsd/internal/stats"
)

// ErrBadArgs is returned for dump arguments that cannot be parsed.
var ErrBadArgs = errors.New("service: bad dump arguments")

type toggle struct {
	option string
	on     bool
}

type dumpArgs struct {
	checkin      bool
	proto        bool
	charged      bool
	all          bool
	history      bool
	historyStart int64
	daily        bool
	settings     bool
	cpu          bool
	help         bool

	reset     bool
	write     bool
	newDaily  bool
	readDaily bool

	toggle *toggle
	pkg    string
}

// noOutput reports whether the arguments only ask for side effects.
func (a dumpArgs) noOutput() bool {
	return a.reset || a.write || a.newDaily || a.readDaily
}

func parseDumpArgs(args []string) (dumpArgs, error) {
	var a dumpArgs
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "--checkin", "-c":
			a.checkin = true
		case "--proto":
			a.proto = true
		case "--charged":
			a.charged = true
		case "-a":
			a.all = true
		case "--history":
			a.history = true
		case "--history-start":
			i++
			if i >= len(args) {
				return a, fmt.Errorf("%w: --history-start needs a value", ErrBadArgs)
			}
			n, err := strconv.ParseInt(args[i], 10, 64)
			if err != nil || n < 0 {
				return a, fmt.Errorf("%w: --history-start %q", ErrBadArgs, args[i])
			}
			a.history, a.historyStart = true, n
		case "--daily":
			a.daily = true
		case "--settings":
			a.settings = true
		case "--cpu":
			a.cpu = true
		case "--reset":
			a.reset = true
		case "--write":
			a.write = true
		case "--new-daily":
			a.newDaily = true
		case "--read-daily":
			a.readDaily = true
		case "-h", "--help":
			a.help = true
		case "enable", "--enable", "disable", "--disable":
			i++
			if i >= len(args) {
				return a, fmt.Errorf("%w: %s needs an option", ErrBadArgs, arg)
			}
			a.toggle = &toggle{option: args[i], on: strings.HasSuffix(arg, "enable")}
		default:
			if strings.HasPrefix(arg, "-") {
				return a, fmt.Errorf("%w: unknown option %q", ErrBadArgs, arg)
			}
			if a.pkg != "" {
				return a, fmt.Errorf("%w: more than one package", ErrBadArgs)
			}
			a.pkg = arg
		}
	}
	return a, nil
}

const dumpHelp = `Battery stats dump options:
  [--checkin] [--proto] [--history] [--history-start N] [--charged] [-c]
  [--daily] [--reset] [--write] [--new-daily] [--read-daily] [--settings]
  [--cpu] [-h] [-a] [<package>]
  --checkin: generate output for a checkin report; consumes the pending checkin.
  --proto: write an OTLP metrics export request.
  --history: show only history data.
  --history-start N: show only history data, starting at item N.
  --charged: only output data since last charged.
  --daily: only output full daily data.
  --reset: reset the stats, clearing all current data.
  --write: force write current collected stats to disk.
  --new-daily: immediately create and write new daily stats record.
  --read-daily: read-load last written daily stats.
  --settings: dump the settings key/values related to batterystats.
  --cpu: dump cpu stats for debugging purposes.
  <package>: optional name of package to filter output by.
  -h: print this help text.
Battery stats (batterystats) commands:
  enable|disable <option>
    Enable or disable a running option. Options: full-history,
    no-auto-reset, pretend-screen-off.
`

// Dump writes the report selected by args to w. Dump permission is
// required; side-effect-only flags print a confirmation instead.
func (s *Service) Dump(w io.Writer, caller model.Caller, args []string) error {
	if err := s.enforce(caller, access.Dump); err != nil {
		return err
	}
	a, err := parseDumpArgs(args)
	if err != nil {
		fmt.Fprintf(w, "%v\n\n%s", err, dumpHelp)
		return err
	}
	if a.help {
		_, err := io.WriteString(w, dumpHelp)
		return err
	}

	if t := a.toggle; t != nil {
		var ok bool
		s.guard.Do(func(st *stats.Store) { ok = st.SetOption(t.option, t.on, s.clk.ElapsedMs()) })
		if !ok {
			fmt.Fprintf(w, "Unknown enable/disable option: %s\n", t.option)
			return fmt.Errorf("%w: unknown option %q", ErrBadArgs, t.option)
		}
		verb := "Disabled"
		if t.on {
			verb = "Enabled"
		}
		s.persist.WriteAsync()
		_, err := fmt.Fprintf(w, "%s: %s\n", verb, t.option)
		return err
	}

	if a.settings {
		snap, _ := s.snapshot()
		return report.Settings(w, snap.Settings(), snap.Options)
	}

	filter, err := s.resolvePackage(a.pkg)
	if err != nil {
		fmt.Fprintf(w, "Unknown package: %s\n", a.pkg)
		return err
	}

	if a.noOutput() {
		return s.dumpActions(w, a)
	}

	s.syncForRead("dump")

	if a.cpu {
		snap, o := s.snapshot()
		o.Uids = filter
		return report.Cpu(w, snap, o)
	}

	if a.checkin {
		if pending, err := s.persist.TakePendingCheckin(); err != nil {
			s.log.Warn("pending_checkin_unreadable", "err", err)
		} else if pending != nil && pending.Stats != nil {
			o := report.Options{NowMs: pending.Stats.Epoch.StartElapsedMs, WallMs: pending.CreatedWallMs, ChargedOnly: a.charged, Uids: filter}
			return report.Checkin(w, pending.Stats, o)
		}
	}

	snap, o := s.snapshot()
	o.ChargedOnly = a.charged
	o.Uids = filter

	switch {
	case a.checkin:
		return report.Checkin(w, snap, o)
	case a.proto:
		b, err := report.Proto(snap, o)
		if err != nil {
			return fmt.Errorf("encode proto: %w", err)
		}
		_, err = w.Write(b)
		return err
	case a.history:
		return report.History(w, snap.History.Since(a.historyStart))
	case a.daily:
		return report.Daily(w, snap.CurDaily, snap.Daily)
	}

	if err := report.Text(w, snap, o); err != nil {
		return err
	}
	if a.all {
		if err := report.History(w, snap.History.Since(0)); err != nil {
			return err
		}
		return report.Daily(w, snap.CurDaily, snap.Daily)
	}
	return nil
}

func (s *Service) dumpActions(w io.Writer, a dumpArgs) error {
	if a.reset {
		// A manual reset leaves any pending checkin alone.
		s.syncForRead("dump-reset")
		s.guard.Do(func(st *stats.Store) { st.Reset(s.clk.ElapsedMs(), s.clk.WallMs()) })
		s.persist.WriteAsync()
		fmt.Fprintln(w, "Battery stats reset.")
	}
	if a.write {
		s.syncForRead("dump-write")
		if err := s.persist.WriteSync(); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		fmt.Fprintln(w, "Battery stats written.")
	}
	if a.newDaily {
		s.guard.Do(func(st *stats.Store) { st.NewDaily(s.clk.WallMs()) })
		s.persist.WriteAsync()
		fmt.Fprintln(w, "New daily stats started.")
	}
	if a.readDaily {
		items, err := s.persist.ReadDaily()
		if err != nil {
			return err
		}
		s.guard.Do(func(st *stats.Store) { st.Daily = items })
		fmt.Fprintln(w, "Last daily stats read.")
	}
	return nil
}

// resolvePackage maps a package name to a UID filter. An empty name means
// no filter.
func (s *Service) resolvePackage(pkg string) (map[int]bool, error) {
	if pkg == "" {
		return nil, nil
	}
	uid, ok := s.packages.UIDForPackage(pkg)
	if !ok {
		return nil, fmt.Errorf("%w: unknown package %q", ErrBadArgs, pkg)
	}
	return map[int]bool{uid: true}, nil
}
