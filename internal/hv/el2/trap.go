package el2

import (
	"fmt"
	"log/slog"

	"github.com/virtcore/vmm/internal/hv"
	"github.com/virtcore/vmm/internal/mmiolog"
)

// hvcIntrospect is the hypercall id guests use to read the trap
// counters ("TRUS" in ASCII).
const hvcIntrospect = 0x54525553

// smcccNotSupported is the SMCCC return value for unimplemented calls.
const smcccNotSupported = ^uint64(0)

// RegisterFile is the saved general-purpose state of a trapped vCPU.
// Register 31 reads as zero and discards writes, matching XZR.
type RegisterFile struct {
	X      [31]uint64
	SP     uint64
	PC     uint64
	PSTATE uint64
}

// Get reads Xn with XZR semantics.
func (r *RegisterFile) Get(n uint8) (uint64, error) {
	if n > 31 {
		return 0, fmt.Errorf("el2: register x%d out of range: %w", n, hv.ErrInvalidConfiguration)
	}
	if n == 31 {
		return 0, nil
	}
	return r.X[n], nil
}

// Set writes Xn with XZR semantics.
func (r *RegisterFile) Set(n uint8, v uint64) error {
	if n > 31 {
		return fmt.Errorf("el2: register x%d out of range: %w", n, hv.ErrInvalidConfiguration)
	}
	if n != 31 {
		r.X[n] = v
	}
	return nil
}

// BusPort performs the real MMIO access for a trapped load or store.
// The implementation sits below the dispatcher, either a device model
// or a passthrough window.
type BusPort interface {
	ReadMMIO(ipa uint64, size uint8) (uint64, error)
	WriteMMIO(ipa uint64, size uint8, value uint64) error
}

// Dispatcher routes EL2 traps. It owns no hardware: the trap stub hands
// it the syndrome registers and the saved register file, and acts on
// the returned TrapAction.
type Dispatcher struct {
	Bus    BusPort
	Spy    *mmiolog.Log
	Logger *slog.Logger

	halted bool
}

// Trap is the register snapshot a trap stub captures on entry.
type Trap struct {
	ESR   uint64
	FAR   uint64
	HPFAR uint64
}

// Halted reports whether a prior trap requested guest termination.
func (d *Dispatcher) Halted() bool { return d.halted }

// Handle considers one trap and returns the action for the stub. The
// register file is mutated only for traps that complete successfully.
func (d *Dispatcher) Handle(t Trap, regs *RegisterFile) hv.TrapAction {
	syn := DecodeSyndrome(t.ESR)

	switch syn.EC {
	case EcDataAbortLower:
		return d.handleDataAbort(t, syn, regs)

	case EcInstAbortLower:
		// Code fetch from a device window is never valid.
		ipa := FaultIPA(t.HPFAR, t.FAR)
		d.Spy.RecordFetch(ipa)
		d.logger().Debug("el2: instruction abort", "ipa", fmt.Sprintf("%#x", ipa))
		return hv.TrapInjectFault

	case EcHvc64:
		act := d.handleHypercall(regs)
		if act == hv.TrapHandled || act == hv.TrapGuestHalt {
			d.advance(syn, regs)
		}
		return act

	case EcSmc64:
		act := d.handleSecureCall(regs, "smc")
		if act == hv.TrapHandled || act == hv.TrapGuestHalt {
			d.advance(syn, regs)
		}
		return act

	case EcMsrMrs:
		// Trapped system register access. Tolerated and skipped.
		d.logger().Debug("el2: sysreg trap", "iss", fmt.Sprintf("%#x", syn.ISS))
		d.advance(syn, regs)
		return hv.TrapHandled

	case EcWfx:
		d.advance(syn, regs)
		return hv.TrapHandled

	default:
		d.logger().Debug("el2: unhandled exception class", "ec", fmt.Sprintf("%#x", syn.EC))
		return hv.TrapInjectFault
	}
}

func (d *Dispatcher) handleDataAbort(t Trap, syn Syndrome, regs *RegisterFile) hv.TrapAction {
	ipa := FaultIPA(t.HPFAR, t.FAR)
	abort := DecodeDataAbort(syn.ISS)

	if !abort.Valid {
		// No instruction syndrome. Emulating would mean fetching and
		// decoding the guest instruction, so record the miss and skip
		// the instruction without touching any register.
		d.Spy.RecordAccess(ipa, 0, 0, false)
		d.advance(syn, regs)
		return hv.TrapHandled
	}

	if abort.Write {
		val, err := regs.Get(abort.Reg)
		if err != nil {
			return hv.TrapInjectFault
		}
		if abort.Size < 8 {
			val &= 1<<(8*uint(abort.Size)) - 1
		}
		if err := d.Bus.WriteMMIO(ipa, abort.Size, val); err != nil {
			d.logger().Debug("el2: mmio write failed", "ipa", fmt.Sprintf("%#x", ipa), "err", err)
			return hv.TrapInjectFault
		}
		d.Spy.RecordAccess(ipa, val, abort.Size, true)
	} else {
		val, err := d.Bus.ReadMMIO(ipa, abort.Size)
		if err != nil {
			d.logger().Debug("el2: mmio read failed", "ipa", fmt.Sprintf("%#x", ipa), "err", err)
			return hv.TrapInjectFault
		}
		if abort.SignExtend {
			val = signExtend(val, abort.Size, abort.Sixtyfour)
		}
		if err := regs.Set(abort.Reg, val); err != nil {
			return hv.TrapInjectFault
		}
		d.Spy.RecordAccess(ipa, val, abort.Size, false)
	}

	d.advance(syn, regs)
	return hv.TrapHandled
}

func (d *Dispatcher) handleHypercall(regs *RegisterFile) hv.TrapAction {
	fid := regs.X[0]

	if fid == hvcIntrospect {
		mmio, smc := d.Spy.Totals()
		regs.X[0] = 0
		regs.X[1] = mmio
		regs.X[2] = smc
		return hv.TrapHandled
	}

	// Guests may issue PSCI over HVC. Route those through the same
	// classification as SMC; anything else is not a service we offer.
	if ClassifySmc(fid) != SmcOwnerUnknown {
		return d.handleSecureCall(regs, "hvc")
	}

	regs.X[0] = smcccNotSupported
	return hv.TrapHandled
}

func (d *Dispatcher) handleSecureCall(regs *RegisterFile, conduit string) hv.TrapAction {
	fid := regs.X[0]
	owner := ClassifySmc(fid)

	name := fmt.Sprintf("%s-call", conduit)
	if owner == SmcOwnerPsci {
		name = PsciName(fid)
	}
	d.Spy.RecordSecureCall(fid, name, owner.String(), regs.X[1], regs.X[2])

	if owner == SmcOwnerPsci {
		switch fid {
		case PsciSystemOff, PsciSystemReset:
			d.logger().Info("el2: guest requested shutdown", "call", name)
			d.halted = true
			return hv.TrapGuestHalt
		}
	}

	// Everything short of a halt goes to real firmware unmodified.
	return hv.TrapForwardSmc
}

// advance steps PC past the trapped instruction.
func (d *Dispatcher) advance(syn Syndrome, regs *RegisterFile) {
	if syn.IL {
		regs.PC += 4
	} else {
		regs.PC += 2
	}
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func signExtend(v uint64, size uint8, sixtyfour bool) uint64 {
	bits := uint(size) * 8
	if bits >= 64 {
		return v
	}
	if v&(1<<(bits-1)) != 0 {
		v |= ^uint64(0) << bits
	}
	if !sixtyfour {
		v &= 0xFFFF_FFFF
	}
	return v
}
