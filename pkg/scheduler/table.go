package scheduler

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

var ErrNoRegisters = errors.New("scheduler: no registers configured")

// RegisterEntry tracks the cyclic read cadence of one register.
// CycleLength is fixed after load, RemainingCycles counts down every normal tick.
type RegisterEntry struct {
	Name            string
	CycleLength     int
	RemainingCycles int
}

// Due reports whether the register must be read on this tick.
func (e RegisterEntry) Due() bool {
	return e.RemainingCycles <= 1
}

// RegisterTable maps register names to their entries.
// Keys are fixed at construction.
type RegisterTable struct {
	names   []string
	entries map[string]*RegisterEntry
}

// NewRegisterTable builds a table from register -> cycle length.
// Every register starts with RemainingCycles = 0 so it is read on the first tick.
func NewRegisterTable(cycles map[string]int) (*RegisterTable, error) {
	if len(cycles) == 0 {
		return nil, ErrNoRegisters
	}

	t := &RegisterTable{
		names:   slices.Sorted(maps.Keys(cycles)),
		entries: make(map[string]*RegisterEntry, len(cycles)),
	}
	for _, name := range t.names {
		length := cycles[name]
		if length < 1 {
			return nil, fmt.Errorf("scheduler: register %q: cycle length must be >= 1, got %d", name, length)
		}
		t.entries[name] = &RegisterEntry{Name: name, CycleLength: length}
	}
	return t, nil
}

// Names returns all register names in sorted order.
func (t *RegisterTable) Names() []string {
	return slices.Clone(t.names)
}

// Entry returns a copy of the named entry.
func (t *RegisterTable) Entry(name string) (RegisterEntry, bool) {
	e, ok := t.entries[name]
	if !ok {
		return RegisterEntry{}, false
	}
	return *e, true
}

func (t *RegisterTable) due() []string {
	var out []string
	for _, name := range t.names {
		if t.entries[name].Due() {
			out = append(out, name)
		}
	}
	return out
}

func (t *RegisterTable) decrement() {
	for _, e := range t.entries {
		e.RemainingCycles--
	}
}

func (t *RegisterTable) reset(names []string) {
	for _, name := range names {
		if e, ok := t.entries[name]; ok {
			e.RemainingCycles = e.CycleLength
		}
	}
}
