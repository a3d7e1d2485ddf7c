package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/NotCoffee418/modbus_meter_logger/pkg/types"
)

const defaultShutdownFlushTimeout = 10 * time.Second

// RunnerConfig configures the poll loop of one device.
type RunnerConfig struct {
	Device string

	// BaseTick is the sleep between two loop iterations.
	BaseTick time.Duration

	// MaxIterations ends the loop after that many iterations, 0 runs forever.
	MaxIterations int

	ShutdownFlushTimeout time.Duration
}

// Runner is the poll loop of one device. It owns the last poll and send times.
// Nothing in a Runner is shared with other devices.
type Runner struct {
	cfg       RunnerConfig
	sched     *Scheduler
	meter     Meter
	sink      Sink
	log       *slog.Logger
	publisher Publisher

	lastPoll time.Time
	lastSend time.Time
}

func NewRunner(cfg RunnerConfig, sched *Scheduler, meter Meter, sink Sink, log *slog.Logger) (*Runner, error) {
	if sched == nil || meter == nil || sink == nil {
		return nil, errors.New("scheduler: runner needs a scheduler, a meter and a sink")
	}
	if cfg.BaseTick <= 0 {
		return nil, errors.New("scheduler: base tick must be > 0")
	}
	if cfg.MaxIterations < 0 {
		return nil, errors.New("scheduler: max iterations must not be negative")
	}
	if cfg.ShutdownFlushTimeout <= 0 {
		cfg.ShutdownFlushTimeout = defaultShutdownFlushTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		cfg:      cfg,
		sched:    sched,
		meter:    meter,
		sink:     sink,
		log:      log,
		lastPoll: epochZero,
		lastSend: epochZero,
	}, nil
}

// SetPublisher registers a receiver for every recorded sample.
func (r *Runner) SetPublisher(p Publisher) {
	r.publisher = p
}

// Run ticks until ctx is cancelled or MaxIterations is reached.
// A running iteration is always finished, then the buffer is flushed one last time.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("starting measurements",
		"registers", len(r.sched.Registers()),
		"sink", r.sink.Name(),
	)

	iterations := 0
	for ctx.Err() == nil {
		r.Step(ctx)

		iterations++
		if r.cfg.MaxIterations > 0 && iterations >= r.cfg.MaxIterations {
			r.log.Info("iteration limit reached", "iterations", iterations)
			break
		}

		timer := time.NewTimer(r.cfg.BaseTick)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	r.flushOnShutdown(ctx)
	r.log.Info("measurements stopped")
	return nil
}

// Step runs exactly one loop iteration.
func (r *Runner) Step(ctx context.Context) {
	// I/O of a started iteration is not cut short by shutdown.
	ctx = context.WithoutCancel(ctx)

	now := r.sched.now().UTC().Truncate(time.Second)

	if r.sched.ExpireBurst(now) {
		r.log.Info("burst mode expired")
	}

	plan := r.sched.Plan()
	if now.Sub(r.lastPoll) <= plan.State.PollInterval {
		return
	}

	readOK := true
	if len(plan.Due) > 0 {
		start := time.Now()
		values, err := r.meter.ReadInputValues(ctx, plan.Due)
		if err != nil {
			// The countdowns stay untouched so the same registers are due again next tick.
			readOK = false
			r.sched.obs.ReadFailed()
			r.log.Warn("reading registers failed", "registers", plan.Due, "error", err)
		} else {
			sample := types.NewSample(now, plan.Due, values)
			r.sched.RecordSample(sample)
			if r.publisher != nil {
				r.publisher.Publish(r.cfg.Device, sample)
			}
			r.log.Debug("registers read", "count", len(plan.Due), "took", time.Since(start))
		}
	}

	if !plan.State.BurstActive && readOK {
		r.sched.DecrementCycles()
		r.sched.ResetCycles(plan.Due)
	}

	if now.Sub(r.lastSend) > plan.State.SendInterval {
		start := time.Now()
		n, err := r.sched.Flush(ctx, r.sink)
		if err != nil {
			r.log.Error("writing samples failed, keeping them for the next flush",
				"buffered", r.sched.Buffered(),
				"sink", r.sink.Name(),
				"error", err,
			)
		} else if n > 0 {
			r.log.Debug("samples written", "count", n, "took", time.Since(start))
		}
		// Advanced on failure and on empty buffers alike, retries wait for the next send interval.
		r.lastSend = now
	}

	r.lastPoll = now
}

func (r *Runner) flushOnShutdown(ctx context.Context) {
	if r.sched.Buffered() == 0 {
		return
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ShutdownFlushTimeout)
	defer cancel()

	n, err := r.sched.Flush(fctx, r.sink)
	if err != nil {
		r.log.Error("final flush failed, samples lost", "buffered", r.sched.Buffered(), "error", err)
		return
	}
	r.log.Info("final flush done", "count", n)
}
