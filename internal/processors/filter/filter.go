package filter

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/platformbuilds/batterystatsd/internal/config"
	"github.com/platformbuilds/batterystatsd/internal/model"
)

type processor struct {
	name            string
	dropNonMatching bool

	expr string
	prg  cel.Program
	log  *slog.Logger
	// dropped is called for every note the expression rejects.
	dropped func()
}

// New builds a CEL admission filter over decoded notes.
//
// Example config snippet:
// processors:
//
//	filter/no-test-uids:
//	  drop_non_matching: true
//	  expr: 'uid < 99000 && caller_uid != 2000'
//
//	filter/wakelocks-only:
//	  expr: 'kind.startsWith("wakelock_")'
//
// Variables: kind, uid, pid, name, type, state, value, value2, work_source
// (list of UIDs), caller_uid, caller_pid, source, now_unix.
func New(cfg config.ProcessorCfg, logger *slog.Logger, dropped func()) *processor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "filter", "name", cfg.Name)
	expr := cfg.Expr
	if expr == "" {
		expr = cfg.ExtraString("expr", "true")
	}
	drop := cfg.ExtraBool("drop_non_matching", true)

	env, err := cel.NewEnv(
		cel.Variable("now_unix", cel.IntType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("uid", cel.IntType),
		cel.Variable("pid", cel.IntType),
		cel.Variable("name", cel.StringType),
		cel.Variable("type", cel.IntType),
		cel.Variable("state", cel.IntType),
		cel.Variable("value", cel.IntType),
		cel.Variable("value2", cel.IntType),
		cel.Variable("work_source", cel.ListType(cel.IntType)),
		cel.Variable("caller_uid", cel.IntType),
		cel.Variable("caller_pid", cel.IntType),
		cel.Variable("source", cel.StringType),
	)
	if err != nil {
		logger.Error("cel env init failed; defaulting to pass-through", "err", err)
		env, _ = cel.NewEnv()
		expr = "true"
	}

	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		logger.Error("cel compile failed; defaulting to pass-through", "expr", expr, "err", iss.Err())
		expr = "true"
		ast, _ = env.Compile(expr)
	}
	prg, err := env.Program(ast)
	if err != nil {
		logger.Error("cel program failed; defaulting to pass-through", "err", err)
		astTrue, _ := env.Compile("true")
		prg, _ = env.Program(astTrue)
	}
	if dropped == nil {
		dropped = func() {}
	}

	return &processor{
		name:            cfg.Name,
		dropNonMatching: drop,
		expr:            expr,
		prg:             prg,
		log:             logger,
		dropped:         dropped,
	}
}

// Start forwards admitted notes from in to out. The caller owns out.
func (p *processor) Start(ctx context.Context, in <-chan model.Note, out chan<- model.Note) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-in:
			if !ok {
				return nil
			}
			if !p.Keep(n) && p.dropNonMatching {
				p.dropped()
				continue
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Keep evaluates the expression against n.
func (p *processor) Keep(n model.Note) bool {
	ev := n.Event
	ws := make([]int64, 0, len(ev.WorkSource))
	for _, a := range ev.WorkSource {
		ws = append(ws, int64(a.UID))
	}
	return p.eval(map[string]any{
		"now_unix":    time.Now().Unix(),
		"kind":        string(ev.Kind),
		"uid":         int64(ev.UID),
		"pid":         int64(ev.PID),
		"name":        ev.Name,
		"type":        int64(ev.Type),
		"state":       int64(ev.State),
		"value":       ev.Value,
		"value2":      ev.Value2,
		"work_source": ws,
		"caller_uid":  int64(n.Caller.UID),
		"caller_pid":  int64(n.Caller.PID),
		"source":      n.Source,
	})
}

func (p *processor) eval(vars map[string]any) bool {
	// Fail-open: if CEL eval errors or does not return a bool, keep the item.
	out, _, err := p.prg.Eval(vars)
	if err != nil {
		p.log.Debug("cel eval failed", "expr", p.expr, "err", err)
		return true
	}
	if b, ok := out.Value().(bool); ok {
		return b
	}
	return true
}
