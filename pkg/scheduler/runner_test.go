package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/NotCoffee418/modbus_meter_logger/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMeter struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (f *fakeMeter) ReadInputValues(ctx context.Context, names []string) (map[string]*float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), names...))
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]*float64, len(names))
	for i, name := range names {
		out[name] = types.Float(float64(i))
	}
	return out, nil
}

func (f *fakeMeter) lastCall() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeMeter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingSink struct {
	mu      sync.Mutex
	calls   int
	batches [][]types.Sample
	err     error
}

func (r *recordingSink) InsertMany(ctx context.Context, samples []types.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, samples)
	return nil
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func (r *recordingSink) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordingPublisher struct {
	devices []string
	samples []types.Sample
}

func (p *recordingPublisher) Publish(device string, s types.Sample) {
	p.devices = append(p.devices, device)
	p.samples = append(p.samples, s)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type runnerFixture struct {
	clock  *fakeClock
	sched  *Scheduler
	meter  *fakeMeter
	sink   *recordingSink
	runner *Runner
}

func newRunnerFixture(t *testing.T, cycles map[string]int, maxIterations int) *runnerFixture {
	t.Helper()
	f := &runnerFixture{
		clock: newFakeClock(),
		meter: &fakeMeter{},
		sink:  &recordingSink{},
	}
	f.sched = newTestScheduler(t, cycles, f.clock)

	r, err := NewRunner(RunnerConfig{
		Device:        "meter-1",
		BaseTick:      time.Millisecond,
		MaxIterations: maxIterations,
	}, f.sched, f.meter, f.sink, discardLogger())
	require.NoError(t, err)
	f.runner = r
	return f
}

func (f *runnerFixture) stepAfter(d time.Duration) {
	f.clock.Advance(d)
	f.runner.Step(context.Background())
}

func TestNewRunner_Validates(t *testing.T) {
	f := newRunnerFixture(t, map[string]int{"a": 1}, 0)

	_, err := NewRunner(RunnerConfig{BaseTick: time.Second}, nil, f.meter, f.sink, nil)
	assert.Error(t, err)

	_, err = NewRunner(RunnerConfig{}, f.sched, f.meter, f.sink, nil)
	assert.Error(t, err)

	_, err = NewRunner(RunnerConfig{BaseTick: time.Second, MaxIterations: -1}, f.sched, f.meter, f.sink, nil)
	assert.Error(t, err)
}

func TestRunnerStep_FollowsCycles(t *testing.T) {
	f := newRunnerFixture(t, map[string]int{"A": 1, "B": 3}, 0)

	f.stepAfter(0)
	assert.Equal(t, []string{"A", "B"}, f.meter.lastCall())
	// first tick also flushes, the last send time starts at epoch zero
	assert.Equal(t, 1, f.sink.total())

	f.stepAfter(11 * time.Second)
	assert.Equal(t, []string{"A"}, f.meter.lastCall())

	f.stepAfter(11 * time.Second)
	assert.Equal(t, []string{"A"}, f.meter.lastCall())

	f.stepAfter(11 * time.Second)
	assert.Equal(t, []string{"A", "B"}, f.meter.lastCall())

	assert.Equal(t, 4, f.meter.callCount())
	assert.Equal(t, 3, f.sched.Buffered())
}

func TestRunnerStep_WaitsForPollInterval(t *testing.T) {
	f := newRunnerFixture(t, map[string]int{"a": 1}, 0)

	f.stepAfter(0)
	f.stepAfter(5 * time.Second)
	f.stepAfter(5 * time.Second) // exactly the poll interval is not enough
	assert.Equal(t, 1, f.meter.callCount())

	f.stepAfter(1 * time.Second)
	assert.Equal(t, 2, f.meter.callCount())
}

func TestRunnerStep_ReadFailureKeepsCountdown(t *testing.T) {
	f := newRunnerFixture(t, map[string]int{"a": 1, "b": 2}, 0)

	f.meter.err = errors.New("crc error")
	f.stepAfter(0)
	assert.Zero(t, f.sched.Buffered())
	assert.Equal(t, 0, remaining(t, f.sched, "a"))
	assert.Equal(t, 0, remaining(t, f.sched, "b"))

	f.meter.err = nil
	f.stepAfter(11 * time.Second)
	assert.Equal(t, []string{"a", "b"}, f.meter.lastCall())
	assert.Equal(t, 1, f.sched.Buffered())
	assert.Equal(t, 2, remaining(t, f.sched, "b"))
}

func TestRunnerStep_FlushFailureRetriedOnNextSendInterval(t *testing.T) {
	f := newRunnerFixture(t, map[string]int{"a": 1}, 0)

	f.sink.err = errors.New("endpoint unavailable")
	f.stepAfter(0)
	assert.Equal(t, 1, f.sched.Buffered())

	f.sink.err = nil
	f.stepAfter(11 * time.Second)
	assert.Equal(t, 0, f.sink.total(), "no retry before the send interval elapsed")
	assert.Equal(t, 2, f.sched.Buffered())

	for i := 0; i < 5; i++ {
		f.stepAfter(11 * time.Second)
	}
	assert.Equal(t, 7, f.sink.total())
	assert.Zero(t, f.sched.Buffered())

	ts := f.sink.batches[0]
	for i := 1; i < len(ts); i++ {
		assert.True(t, ts[i-1].Timestamp.Before(ts[i].Timestamp))
	}
}

func TestRunnerStep_EmptyFlushAdvancesLastSend(t *testing.T) {
	f := newRunnerFixture(t, map[string]int{"a": 1}, 0)
	first := f.clock.t

	// nothing buffered, the send interval still restarts
	f.meter.err = errors.New("timeout")
	f.stepAfter(0)
	assert.Zero(t, f.sink.callCount())
	assert.Equal(t, first, f.runner.lastSend)

	f.meter.err = nil
	f.stepAfter(11 * time.Second)
	assert.Equal(t, 1, f.sched.Buffered())
	assert.Zero(t, f.sink.callCount(), "the first send interval counts from the empty flush")
	assert.Equal(t, first, f.runner.lastSend)

	for i := 0; i < 5; i++ {
		f.stepAfter(11 * time.Second)
	}
	assert.Equal(t, 1, f.sink.callCount())
	assert.Equal(t, 6, f.sink.total())
	assert.Equal(t, first.Add(66*time.Second), f.runner.lastSend)
}

func TestRunnerStep_BurstScenario(t *testing.T) {
	f := newRunnerFixture(t, map[string]int{"a": 1, "b": 5}, 0)
	f.stepAfter(0)
	f.stepAfter(11 * time.Second)
	require.Equal(t, []string{"a"}, f.meter.lastCall())
	bBefore := remaining(t, f.sched, "b")

	f.sched.ActivateBurst()
	activated := f.clock.t

	for elapsed := 2 * time.Second; elapsed <= 59*time.Second; elapsed += 3 * time.Second {
		f.clock.t = activated.Add(elapsed)
		f.runner.Step(context.Background())
		assert.Equal(t, []string{"a", "b"}, f.meter.lastCall(), "at +%s", elapsed)
	}
	f.clock.t = activated.Add(59 * time.Second)
	f.runner.Step(context.Background())
	assert.True(t, f.sched.State().BurstActive)
	assert.Equal(t, []string{"a", "b"}, f.sched.RegistersDue())
	assert.Equal(t, bBefore, remaining(t, f.sched, "b"), "burst must not erode the countdown")

	f.clock.t = activated.Add(61 * time.Second)
	f.runner.Step(context.Background())
	assert.False(t, f.sched.State().BurstActive)
	assert.Equal(t, []string{"a"}, f.sched.RegistersDue())
}

func TestRunnerStep_Publishes(t *testing.T) {
	f := newRunnerFixture(t, map[string]int{"a": 1}, 0)
	pub := &recordingPublisher{}
	f.runner.SetPublisher(pub)

	f.stepAfter(0)
	require.Len(t, pub.samples, 1)
	assert.Equal(t, "meter-1", pub.devices[0])
	assert.Equal(t, []string{"a"}, pub.samples[0].Registers())
}

func TestRunnerRun_StopsAfterMaxIterations(t *testing.T) {
	f := newRunnerFixture(t, map[string]int{"a": 1}, 3)

	require.NoError(t, f.runner.Run(context.Background()))
	// the clock stands still, only the first iteration is past the poll interval
	assert.Equal(t, 1, f.meter.callCount())
}

func TestRunnerRun_FlushesOnShutdown(t *testing.T) {
	f := newRunnerFixture(t, map[string]int{"a": 1}, 2)
	f.clock.step = 11 * time.Second

	require.NoError(t, f.runner.Run(context.Background()))
	assert.Equal(t, 2, f.meter.callCount())
	assert.Equal(t, 2, f.sink.total())
	assert.Zero(t, f.sched.Buffered())
}

func TestRunnerRun_StopsOnCancel(t *testing.T) {
	f := newRunnerFixture(t, map[string]int{"a": 1}, 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.runner.Run(ctx) }()

	require.Eventually(t, func() bool { return f.meter.callCount() >= 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}
