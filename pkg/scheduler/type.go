package scheduler

import (
	"context"
	"time"

	"github.com/NotCoffee418/modbus_meter_logger/pkg/types"
)

// Meter reads the current values of the given registers from the device.
type Meter interface {
	ReadInputValues(ctx context.Context, names []string) (map[string]*float64, error)
}

// Sink persists a batch of samples. A returned error means nothing was persisted.
type Sink interface {
	InsertMany(ctx context.Context, samples []types.Sample) error
	Name() string
}

// Publisher receives every recorded sample, e.g. for a live feed.
type Publisher interface {
	Publish(device string, s types.Sample)
}

// Observer is notified about scheduler events while the scheduler holds its
// locks. Implementations must be cheap and must not call back into the Scheduler.
type Observer interface {
	SampleRecorded()
	SamplesDropped(n int)
	ReadFailed()
	Flushed(n int, took time.Duration)
	FlushFailed()
	Buffered(n int)
	BurstChanged(active bool)
}

// Intervals is one pair of poll and send cadences.
type Intervals struct {
	Poll time.Duration
	Send time.Duration
}

// Config holds the measurement cadences of one device.
type Config struct {
	Normal        Intervals
	Burst         Intervals
	BurstDuration time.Duration

	// MaxBuffered caps the sample buffer, 0 means unbounded.
	// When full the oldest sample is dropped.
	MaxBuffered int

	// Optional.
	Now      func() time.Time
	Observer Observer
}

// State is the mode of the scheduler, always read and written as one unit.
type State struct {
	BurstActive  bool
	BurstStart   time.Time
	PollInterval time.Duration
	SendInterval time.Duration
}

// Plan is the decision for one poll: which registers to read and under which mode.
type Plan struct {
	Due   []string
	State State
}

type nopObserver struct{}

func (nopObserver) SampleRecorded()            {}
func (nopObserver) SamplesDropped(int)         {}
func (nopObserver) ReadFailed()                {}
func (nopObserver) Flushed(int, time.Duration) {}
func (nopObserver) FlushFailed()               {}
func (nopObserver) Buffered(int)               {}
func (nopObserver) BurstChanged(bool)          {}
