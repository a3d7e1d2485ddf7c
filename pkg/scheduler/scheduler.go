// Package scheduler decides which registers of a metering device are due on
// every polling tick, handles the temporary burst mode and buffers samples
// until they are flushed to a sink.
package scheduler

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/NotCoffee418/modbus_meter_logger/pkg/types"
)

// epochZero marks an inactive burst.
var epochZero = time.Unix(0, 0).UTC()

var ErrInvalidConfig = errors.New("scheduler: invalid config")

type Scheduler struct {
	cfg Config
	now func() time.Time
	obs Observer

	// mu guards state and table. The burst trigger may run on another goroutine.
	mu    sync.Mutex
	state State
	table *RegisterTable

	// bufMu is held for the whole flush so a flush never sees a partial buffer.
	bufMu  sync.Mutex
	buffer []types.Sample
}

func New(cfg Config, table *RegisterTable) (*Scheduler, error) {
	if table == nil {
		return nil, ErrNoRegisters
	}
	if cfg.Normal.Poll < 0 || cfg.Normal.Send < 0 || cfg.Burst.Poll < 0 || cfg.Burst.Send < 0 {
		return nil, errors.Join(ErrInvalidConfig, errors.New("intervals must not be negative"))
	}
	if cfg.BurstDuration <= 0 {
		return nil, errors.Join(ErrInvalidConfig, errors.New("burst duration must be > 0"))
	}
	if cfg.MaxBuffered < 0 {
		return nil, errors.Join(ErrInvalidConfig, errors.New("max buffered must not be negative"))
	}

	s := &Scheduler{
		cfg:   cfg,
		now:   cfg.Now,
		obs:   cfg.Observer,
		table: table,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.obs == nil {
		s.obs = nopObserver{}
	}
	s.setNormalLocked()
	return s, nil
}

// ActivateBurst switches to burst intervals and (re)starts the burst period.
// Safe to call from any goroutine, the last caller wins.
func (s *Scheduler) ActivateBurst() {
	s.mu.Lock()
	s.state = State{
		BurstActive:  true,
		BurstStart:   s.now().UTC(),
		PollInterval: s.cfg.Burst.Poll,
		SendInterval: s.cfg.Burst.Send,
	}
	s.obs.BurstChanged(true)
	s.mu.Unlock()
}

// DeactivateBurst restores the normal intervals.
func (s *Scheduler) DeactivateBurst() {
	s.mu.Lock()
	s.setNormalLocked()
	s.obs.BurstChanged(false)
	s.mu.Unlock()
}

// ExpireBurst ends burst mode once more than the burst duration has passed
// since activation. Reports whether it did.
func (s *Scheduler) ExpireBurst(now time.Time) bool {
	s.mu.Lock()
	expired := s.state.BurstActive && now.Sub(s.state.BurstStart) > s.cfg.BurstDuration
	if expired {
		s.setNormalLocked()
		s.obs.BurstChanged(false)
	}
	s.mu.Unlock()
	return expired
}

func (s *Scheduler) setNormalLocked() {
	s.state = State{
		BurstActive:  false,
		BurstStart:   epochZero,
		PollInterval: s.cfg.Normal.Poll,
		SendInterval: s.cfg.Normal.Send,
	}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RegistersDue returns every register in burst mode, otherwise only the
// registers whose countdown has elapsed.
func (s *Scheduler) RegistersDue() []string {
	return s.Plan().Due
}

// Plan returns the due registers together with the state they were derived from.
func (s *Scheduler) Plan() Plan {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Plan{State: s.state}
	if s.state.BurstActive {
		p.Due = s.table.Names()
	} else {
		p.Due = s.table.due()
	}
	return p
}

// DecrementCycles counts down every register by one normal tick.
func (s *Scheduler) DecrementCycles() {
	s.mu.Lock()
	s.table.decrement()
	s.mu.Unlock()
}

// ResetCycles re-arms the given registers with their full cycle length.
func (s *Scheduler) ResetCycles(names []string) {
	s.mu.Lock()
	s.table.reset(names)
	s.mu.Unlock()
}

func (s *Scheduler) Entry(name string) (RegisterEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.Entry(name)
}

func (s *Scheduler) Registers() []string {
	return s.table.Names()
}

// RecordSample appends a sample to the buffer.
func (s *Scheduler) RecordSample(sample types.Sample) {
	s.bufMu.Lock()
	s.buffer = append(s.buffer, sample)
	dropped := 0
	if s.cfg.MaxBuffered > 0 && len(s.buffer) > s.cfg.MaxBuffered {
		dropped = len(s.buffer) - s.cfg.MaxBuffered
		s.buffer = slices.Delete(s.buffer, 0, dropped)
	}
	n := len(s.buffer)
	s.bufMu.Unlock()

	s.obs.SampleRecorded()
	if dropped > 0 {
		s.obs.SamplesDropped(dropped)
	}
	s.obs.Buffered(n)
}

// Buffered returns the number of samples waiting for a flush.
func (s *Scheduler) Buffered() int {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return len(s.buffer)
}

// Flush hands the whole buffer to the sink and clears it on success.
// On failure the buffer is kept as is. An empty buffer is a no-op.
func (s *Scheduler) Flush(ctx context.Context, sink Sink) (int, error) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()

	if len(s.buffer) == 0 {
		return 0, nil
	}

	start := time.Now()
	batch := slices.Clone(s.buffer)
	if err := sink.InsertMany(ctx, batch); err != nil {
		s.obs.FlushFailed()
		return 0, err
	}

	s.buffer = nil
	s.obs.Flushed(len(batch), time.Since(start))
	s.obs.Buffered(0)
	return len(batch), nil
}
