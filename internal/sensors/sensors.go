// Package sensors tracks the initialization and fault state of each
// attached sensor and pulls converted readings from the ones that are
// ready.
//
// Each sensor kind registers a [Driver]: an (init, read) capability
// pair. The [Pool] owns one [Slot] per kind and is driven once per
// tick by the orchestrator. A slot that is not yet Ready gets at most
// one probe per tick; a Ready slot gets one read.
package sensors

import (
	"context"
	"errors"
	"time"
)

// Kind identifies a sensor model, e.g. "sht4x". It doubles as the key
// of the sensor's group in telemetry payloads.
type Kind string

// State is the lifecycle state of a sensor slot.
type State int

const (
	// Uninitialized slots are probed every tick until Init succeeds.
	Uninitialized State = iota
	// Ready slots are read every tick.
	Ready
	// Faulted slots were Ready but failed repeated reads. They are
	// probed again like Uninitialized slots.
	Faulted
)

// String returns the state name for logging and metrics labels.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// ErrNoData is returned by [Driver.Read] when the sensor is healthy but
// has no new sample yet. The pool keeps the previous reading and does
// not count it as a failure.
var ErrNoData = errors.New("sensor has no new data")

// Quantity is one measured value with its unit.
type Quantity struct {
	Name  string  `json:"-"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// Reading is one converted sample from a sensor. Quantities keep the
// order the driver reports them in.
type Reading struct {
	Quantities []Quantity
	At         time.Time
}

// Get returns the quantity with the given name.
func (r Reading) Get(name string) (Quantity, bool) {
	for _, q := range r.Quantities {
		if q.Name == name {
			return q, true
		}
	}
	return Quantity{}, false
}

// Driver is the capability pair a sensor kind registers with the pool.
type Driver interface {
	// Init probes and configures the hardware. It is called again after
	// a failure, so it must be safe to repeat.
	Init(ctx context.Context) error
	// Read returns the latest converted reading.
	Read(ctx context.Context) (Reading, error)
}

// Describer is implemented by drivers that can list the quantities they
// report before the first read. It feeds broker discovery.
type Describer interface {
	Describe() []Quantity
}

// DriverFuncs adapts a pair of functions to [Driver].
type DriverFuncs struct {
	InitFunc func(ctx context.Context) error
	ReadFunc func(ctx context.Context) (Reading, error)
}

// Init calls InitFunc.
func (d DriverFuncs) Init(ctx context.Context) error { return d.InitFunc(ctx) }

// Read calls ReadFunc.
func (d DriverFuncs) Read(ctx context.Context) (Reading, error) { return d.ReadFunc(ctx) }

// Slot is a snapshot of one sensor's state.
type Slot struct {
	Kind  Kind
	State State
	// Last is the most recent successful reading; valid when HasReading.
	Last       Reading
	HasReading bool
	// Failures counts consecutive failed reads while Ready.
	Failures int
	LastErr  error
}
