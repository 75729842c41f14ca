package main

import (
	"context"
	"sync"

	"github.com/virtcore/vmm/internal/hv"
	"github.com/virtcore/vmm/internal/hv/el2"
	"github.com/virtcore/vmm/internal/mmiolog"
	"github.com/virtcore/vmm/internal/vmm"
)

// The control plane normally receives its hardware ports from the
// embedding kernel. Running hvctl standalone wires a self-contained
// port set instead: traps are synthesized, MMIO lands in a flat
// window, and the guest "runs" until stopped. This keeps every layer
// above the ports identical to the embedded deployment.

// simBus is a flat MMIO window. UART writes are forwarded to the
// console layer by the caller polling Output.
type simBus struct {
	mu     sync.Mutex
	cells  map[uint64]uint64
	output []byte
}

func newSimBus() *simBus {
	return &simBus{cells: make(map[uint64]uint64)}
}

func (b *simBus) ReadMMIO(ipa uint64, size uint8) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cells[ipa], nil
}

func (b *simBus) WriteMMIO(ipa uint64, size uint8, value uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cells[ipa] = value
	// PL011 data register: collect as console output.
	if ipa == 0x0900_0000 {
		b.output = append(b.output, byte(value))
	}
	return nil
}

func (b *simBus) Output() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.output
	b.output = nil
	return out
}

type simSlots struct {
	mu  sync.Mutex
	lrs [16]uint64
}

func (s *simSlots) ReadSlot(n int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lrs[n], nil
}

func (s *simSlots) WriteSlot(n int, v uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lrs[n] = v
	return nil
}

func (s *simSlots) VTR() uint64 { return 3 } // four list registers

type simGIC struct{}

func (simGIC) Ack() uint32       { return 1023 }
func (simGIC) EOI(uint32)        {}
func (simGIC) Deactivate(uint32) {}

// simTraps produces a scripted trap stream: a few UART writes, then
// blocks until the context ends.
type simTraps struct {
	script []simTrap
	regs   el2.RegisterFile
}

type simTrap struct {
	trap el2.Trap
	x0   uint64
}

// uartWriteTrap builds a one-byte store to the PL011 data register.
func uartWriteTrap(ch byte) simTrap {
	// Valid syndrome, byte store, register x0.
	iss := uint32(1<<24) | 1<<6
	esr := uint64(el2.EcDataAbortLower)<<26 | 1<<25 | uint64(iss)
	return simTrap{
		trap: el2.Trap{ESR: esr, FAR: 0x0, HPFAR: 0x0900_0000 >> 12 << 4},
		x0:   uint64(ch),
	}
}

func newSimTraps(banner string) *simTraps {
	s := &simTraps{}
	for _, ch := range []byte(banner) {
		s.script = append(s.script, uartWriteTrap(ch))
	}
	return s
}

func (s *simTraps) Next(ctx context.Context) (el2.Trap, *el2.RegisterFile, error) {
	if len(s.script) == 0 {
		<-ctx.Done()
		return el2.Trap{}, nil, ctx.Err()
	}
	t := s.script[0]
	s.script = s.script[1:]
	s.regs.X[0] = t.x0
	return t.trap, &s.regs, nil
}

func (s *simTraps) Resume(action hv.TrapAction) error { return nil }

// newSimFactory builds the standalone EL2 factory with a shared spy.
func newSimFactory(banner string, spy *mmiolog.Log) (*vmm.El2Factory, *simBus) {
	bus := newSimBus()
	return &vmm.El2Factory{
		Traps: newSimTraps(banner),
		Bus:   bus,
		Slots: &simSlots{},
		GIC:   simGIC{},
		Spy:   spy,
	}, bus
}
