// Package event is the lifecycle observability layer: a bounded
// in-memory log plus fan-out to subscribed sinks.
package event

import (
	"log/slog"
	"sync"
	"time"
)

// Type classifies lifecycle and fault events.
type Type string

const (
	VmCreated     Type = "vm-created"
	VmInitialized Type = "vm-initialized"
	VmStarted     Type = "vm-started"
	VmPaused      Type = "vm-paused"
	VmResumed     Type = "vm-resumed"
	VmStopped     Type = "vm-stopped"
	VmDestroyed   Type = "vm-destroyed"
	VmCrashed     Type = "vm-crashed"

	TranslationFault Type = "translation-fault"
	Hypercall        Type = "hypercall"
)

// Event is one record. Detail is free-form, VM is the subject id.
type Event struct {
	Time   time.Time
	Type   Type
	VM     uint64
	Detail string
}

// Sink receives events. Emit must not block; slow consumers buffer or
// drop on their own side.
type Sink interface {
	Emit(Event)
}

// logCapacity bounds the in-memory history.
const logCapacity = 1000

type subscription struct {
	sink   Sink
	filter map[Type]bool // nil means everything
}

// Bus records events and fans them out. Emission never blocks a
// lifecycle transition: sinks are invoked synchronously and are
// expected to be cheap.
type Bus struct {
	mu   sync.Mutex
	log  []Event
	subs []subscription
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a sink. With no types listed the sink receives
// everything.
func (b *Bus) Subscribe(sink Sink, types ...Type) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := subscription{sink: sink}
	if len(types) > 0 {
		sub.filter = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.filter[t] = true
		}
	}
	b.subs = append(b.subs, sub)
}

// Emit records and distributes one event.
func (b *Bus) Emit(typ Type, vm uint64, detail string) {
	ev := Event{Time: time.Now(), Type: typ, VM: vm, Detail: detail}

	b.mu.Lock()
	b.log = append(b.log, ev)
	if len(b.log) > logCapacity {
		b.log = b.log[1:]
	}
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.filter == nil || sub.filter[ev.Type] {
			sub.sink.Emit(ev)
		}
	}
}

// Recent returns up to n events, newest first.
func (b *Bus) Recent(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > len(b.log) {
		n = len(b.log)
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = b.log[len(b.log)-1-i]
	}
	return out
}

// SlogSink forwards events to a structured logger.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Emit(ev Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("vm event", "type", string(ev.Type), "vm", ev.VM, "detail", ev.Detail)
}
