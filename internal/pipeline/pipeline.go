package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/platformbuilds/batterystatsd/internal/codec"
	"github.com/platformbuilds/batterystatsd/internal/config"
	"github.com/platformbuilds/batterystatsd/internal/metrics"
	"github.com/platformbuilds/batterystatsd/internal/model"

	// Receivers
	"github.com/platformbuilds/batterystatsd/internal/receivers/jsonhttp"
	"github.com/platformbuilds/batterystatsd/internal/receivers/kafka"
	"github.com/platformbuilds/batterystatsd/internal/receivers/mqtt"
	"github.com/platformbuilds/batterystatsd/internal/receivers/otlpgrpc"
	"github.com/platformbuilds/batterystatsd/internal/receivers/otlphttp"
	"github.com/platformbuilds/batterystatsd/internal/receivers/pulsar"

	// Processors
	"github.com/platformbuilds/batterystatsd/internal/processors/filter"
)

// Interface contracts
type Receiver interface {
	Start(ctx context.Context, out chan<- model.Envelope) error
}

type Processor interface {
	Start(ctx context.Context, in <-chan model.Note, out chan<- model.Note) error
}

// Sink applies decoded notes; the stats service implements it.
type Sink interface {
	HandleNote(ctx context.Context, n model.Note) error
}

// Runner owns the configured pipelines.
type Runner struct {
	cfg     *config.Config
	sink    Sink
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(cfg *config.Config, sink Sink, m *metrics.Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, sink: sink, metrics: m, log: logger}
}

// Run builds all configured pipelines and runs them until ctx is canceled.
// Each pipeline is built independently with its own goroutines.
func (r *Runner) Run(ctx context.Context) error {
	rxFactory, err := buildReceivers(r.cfg)
	if err != nil {
		return err
	}
	procFactory, err := r.buildProcessors()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(r.cfg.Pipelines))

	for pname, p := range r.cfg.Pipelines {
		pname, p := pname, p
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.runSingle(ctx, pname, p, rxFactory, procFactory); err != nil {
				errCh <- fmt.Errorf("pipeline %q: %w", pname, err)
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-ctx.Done():
		<-done
		return nil
	case err := <-errCh:
		<-done
		return err
	case <-done:
		select {
		case err := <-errCh:
			return err
		default:
			return nil
		}
	}
}

func (r *Runner) runSingle(
	ctx context.Context,
	name string,
	pl config.PipelineCfg,
	rxFactory map[string]Receiver,
	procFactory map[string]Processor,
) error {
	log := r.log.With("pipeline", name)

	// Resolve everything before starting any goroutine.
	for _, rkey := range pl.Receivers {
		if _, ok := rxFactory[rkey]; !ok {
			return fmt.Errorf("receiver %q not found", rkey)
		}
	}
	for _, pkey := range pl.Processors {
		if _, ok := procFactory[pkey]; !ok {
			return fmt.Errorf("processor %q not found", pkey)
		}
	}
	log.Info("pipeline starting", "receivers", pl.Receivers, "processors", pl.Processors)

	// Stage 1: receivers, each with its own decode stage.
	notes := make(chan model.Note, 64)
	var rxWg sync.WaitGroup
	for _, rkey := range pl.Receivers {
		rr := rxFactory[rkey]
		def := defaultCaller(r.cfg.Receivers[rkey])
		envs := make(chan model.Envelope, 16)

		rxWg.Add(2)
		go func(label string) {
			defer rxWg.Done()
			defer close(envs)
			if err := rr.Start(ctx, envs); err != nil {
				log.Error("receiver stopped", "receiver", label, "err", err)
			}
		}(rkey)
		go func(label string) {
			defer rxWg.Done()
			r.decode(ctx, label, def, envs, notes)
		}(rkey)
	}
	go func() { rxWg.Wait(); close(notes) }()

	// Stage 2..N: processors.
	var in <-chan model.Note = notes
	for _, pkey := range pl.Processors {
		out := make(chan model.Note, 64)
		go func(label string, pp Processor, in <-chan model.Note, out chan<- model.Note) {
			defer close(out)
			if err := pp.Start(ctx, in, out); err != nil {
				log.Error("processor stopped", "processor", label, "err", err)
			}
			// Drain so upstream stages never block on a dead processor.
			for range in {
			}
		}(pkey, procFactory[pkey], in, out)
		in = out
	}

	// Stage N+1: the sink. One goroutine per pipeline keeps each source's
	// notes in arrival order.
	for n := range in {
		if err := r.sink.HandleNote(ctx, n); err != nil {
			r.metrics.PipelineNote("rejected")
			log.Debug("note rejected", "kind", n.Event.Kind, "source", n.Source, "caller_uid", n.Caller.UID, "err", err)
			continue
		}
		r.metrics.PipelineNote("applied")
	}
	log.Info("pipeline stopped")
	return nil
}

func (r *Runner) decode(ctx context.Context, source string, def model.Caller, envs <-chan model.Envelope, out chan<- model.Note) {
	for env := range envs {
		res, err := codec.Decode(env, def, source)
		if err != nil {
			r.metrics.PipelineNote("malformed")
			r.log.Debug("envelope dropped", "receiver", source, "kind", env.Kind, "err", err)
			continue
		}
		for i := 0; i < res.Dropped; i++ {
			r.metrics.PipelineNote("malformed")
		}
		for _, n := range res.Notes {
			select {
			case out <- n:
			case <-ctx.Done():
				// Keep draining envs so the receiver can exit.
			}
		}
	}
}

// defaultCaller is the identity for notes that carry none: extra caller_uid
// (default 1000, the system server) and caller_pid.
func defaultCaller(rc config.ReceiverCfg) model.Caller {
	return model.Caller{
		UID: rc.ExtraInt("caller_uid", 1000),
		PID: rc.ExtraInt("caller_pid", 0),
	}
}

// ---- Factory builders ----

func buildReceivers(cfg *config.Config) (map[string]Receiver, error) {
	rx := make(map[string]Receiver, len(cfg.Receivers))
	for key, rc := range cfg.Receivers {
		var r Receiver
		switch rc.Type {
		case "jsonhttp", "http":
			r = jsonhttp.New(rc)
		case "otlpgrpc":
			r = otlpgrpc.New(rc)
		case "otlphttp":
			r = otlphttp.New(rc)
		case "kafka":
			r = kafka.New(rc, model.KindNoteJSON)
		case "pulsar":
			r = pulsar.New(rc, model.KindNoteJSON)
		case "mqtt":
			r = mqtt.New(rc)
		default:
			return nil, fmt.Errorf("unknown receiver type %q (key=%s)", rc.Type, key)
		}
		rx[key] = r
	}
	return rx, nil
}

func (r *Runner) buildProcessors() (map[string]Processor, error) {
	proc := make(map[string]Processor, len(r.cfg.Processors))
	for key, pc := range r.cfg.Processors {
		var p Processor
		switch pc.Type {
		case "filter":
			p = filter.New(pc, r.log, func() { r.metrics.PipelineNote("filtered") })
		default:
			return nil, fmt.Errorf("unknown processor type %q (key=%s)", pc.Type, key)
		}
		proc[key] = p
	}
	return proc, nil
}
