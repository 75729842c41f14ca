// Package mmiolog records trapped guest MMIO accesses and secure calls
// in bounded ring buffers for later inspection.
package mmiolog

import (
	"fmt"
	"sync"
)

const (
	mmioCapacity = 512
	smcCapacity  = 128
)

// Access is one trapped MMIO access.
type Access struct {
	Seq    uint64
	IPA    uint64
	Value  uint64
	Size   uint8 // zero when the syndrome was undecodable
	Write  bool
	Fetch  bool // instruction fetch rather than a data access
	Device string
}

// SecureCall is one trapped SMC or hypercall.
type SecureCall struct {
	Seq   uint64
	FID   uint64
	Name  string
	Owner string
	Arg0  uint64
	Arg1  uint64
}

// DeviceStats counts accesses per identified device.
type DeviceStats struct {
	Reads  uint64
	Writes uint64
}

type deviceRange struct {
	name string
	base uint64
	size uint64
}

// The well-known guest physical layout. Anything outside these windows
// is reported as Unknown-MMIO.
var deviceMap = []deviceRange{
	{"GIC-Dist", 0x0800_0000, 0x1_0000},
	{"GIC-Redist", 0x0801_0000, 0x2_0000},
	{"PL011-UART", 0x0900_0000, 0x1000},
	{"VirtIO-0", 0x0A00_0000, 0x200},
	{"VirtIO-1", 0x0A00_0200, 0x200},
	{"VirtIO-2", 0x0A00_0400, 0x200},
	{"VirtIO-3", 0x0A00_0600, 0x200},
}

// IdentifyDevice names the device window an IPA falls into.
func IdentifyDevice(ipa uint64) string {
	for _, d := range deviceMap {
		if ipa >= d.base && ipa < d.base+d.size {
			return d.name
		}
	}
	return "Unknown-MMIO"
}

// Log is the introspection sink. All methods are safe for concurrent
// use.
type Log struct {
	mu        sync.Mutex
	seq       uint64
	accesses  []Access
	calls     []SecureCall
	mmioTotal uint64
	smcTotal  uint64
	devices   map[string]*DeviceStats
}

func New() *Log {
	return &Log{devices: make(map[string]*DeviceStats)}
}

// RecordAccess appends one MMIO access, evicting the oldest entry once
// the ring is full.
func (l *Log) RecordAccess(ipa, value uint64, size uint8, write bool) {
	l.record(Access{IPA: ipa, Value: value, Size: size, Write: write})
}

// RecordFetch appends an instruction fetch from a trapped window.
func (l *Log) RecordFetch(ipa uint64) {
	l.record(Access{IPA: ipa, Size: 4, Fetch: true})
}

func (l *Log) record(a Access) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	l.mmioTotal++

	a.Seq = l.seq
	a.Device = IdentifyDevice(a.IPA)

	st := l.devices[a.Device]
	if st == nil {
		st = &DeviceStats{}
		l.devices[a.Device] = st
	}
	if a.Write {
		st.Writes++
	} else {
		st.Reads++
	}

	l.accesses = append(l.accesses, a)
	if len(l.accesses) > mmioCapacity {
		l.accesses = l.accesses[1:]
	}
}

// RecordSecureCall appends one trapped SMC or hypercall.
func (l *Log) RecordSecureCall(fid uint64, name, owner string, arg0, arg1 uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	l.smcTotal++
	l.calls = append(l.calls, SecureCall{
		Seq:   l.seq,
		FID:   fid,
		Name:  name,
		Owner: owner,
		Arg0:  arg0,
		Arg1:  arg1,
	})
	if len(l.calls) > smcCapacity {
		l.calls = l.calls[1:]
	}
}

// Totals returns the monotonic access counters. They keep counting past
// the ring capacity.
func (l *Log) Totals() (mmio, smc uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mmioTotal, l.smcTotal
}

// RecentAccesses returns up to n accesses, newest first.
func (l *Log) RecentAccesses(n int) []Access {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n > len(l.accesses) {
		n = len(l.accesses)
	}
	out := make([]Access, n)
	for i := 0; i < n; i++ {
		out[i] = l.accesses[len(l.accesses)-1-i]
	}
	return out
}

// RecentSecureCalls returns up to n secure calls, newest first.
func (l *Log) RecentSecureCalls(n int) []SecureCall {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n > len(l.calls) {
		n = len(l.calls)
	}
	out := make([]SecureCall, n)
	for i := 0; i < n; i++ {
		out[i] = l.calls[len(l.calls)-1-i]
	}
	return out
}

// Devices returns a copy of the per-device counters.
func (l *Log) Devices() map[string]DeviceStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]DeviceStats, len(l.devices))
	for name, st := range l.devices {
		out[name] = *st
	}
	return out
}

func (a Access) String() string {
	dir := "read"
	if a.Write {
		dir = "write"
	}
	if a.Fetch {
		return fmt.Sprintf("#%d %s fetch at %#x", a.Seq, a.Device, a.IPA)
	}
	if a.Size == 0 {
		return fmt.Sprintf("#%d %s %s at %#x (no syndrome)", a.Seq, a.Device, dir, a.IPA)
	}
	return fmt.Sprintf("#%d %s %s%d at %#x = %#x", a.Seq, a.Device, dir, a.Size*8, a.IPA, a.Value)
}

func (c SecureCall) String() string {
	return fmt.Sprintf("#%d %s %s(%#x, %#x, %#x)", c.Seq, c.Owner, c.Name, c.FID, c.Arg0, c.Arg1)
}
