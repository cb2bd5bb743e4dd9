package registry

import (
	"sync"
	"time"
)

// Registry is the fixed-size slot table indexed by I2C address, guarded by
// a single reader/writer lock: the job pusher, the configuration scheduler,
// pool-snapshot rotation, and the polling sweep (whose telemetry ingest
// mutates slot state) take the write lock. External readers get lock-free
// snapshots instead of direct access.
type Registry struct {
	mu sync.RWMutex

	slots [DefaultModulars]*Module

	connOverloaded bool
	lastDetect     time.Time
	lastStratum    time.Time
	lastFanAdj     time.Time
	mmCount        int
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{}
}

// Lock/Unlock/RLock/RUnlock expose the registry's lock directly so callers
// that need to hold it across several operations (job push, the
// configuration round) can do so explicitly, the way avalon9_sswork_update
// holds update_lock across the whole stratum push.
func (r *Registry) Lock()    { r.mu.Lock() }
func (r *Registry) Unlock()  { r.mu.Unlock() }
func (r *Registry) RLock()   { r.mu.RLock() }
func (r *Registry) RUnlock() { r.mu.RUnlock() }

// At returns the slot for addr (1..DefaultModulars-1), or nil if empty.
// Caller must hold at least a read lock.
func (r *Registry) At(addr uint8) *Module {
	if int(addr) <= 0 || int(addr) >= DefaultModulars {
		return nil
	}
	return r.slots[addr]
}

// Put installs m at its own address. Caller must hold the write lock.
func (r *Registry) Put(m *Module) {
	r.slots[m.Addr] = m
}

// Detach clears the slot at addr without reassigning the address table.
// Caller must hold the write lock.
func (r *Registry) Detach(addr uint8) {
	if int(addr) > 0 && int(addr) < DefaultModulars {
		if m := r.slots[addr]; m != nil {
			m.Enabled = false
		}
	}
}

// DetachAll clears every enabled slot, used on the 180s silent-pool path.
// Caller must hold the write lock.
func (r *Registry) DetachAll() {
	for i := 1; i < DefaultModulars; i++ {
		if r.slots[i] != nil {
			r.slots[i].Enabled = false
		}
	}
	r.mmCount = 0
}

// Enabled returns the addresses of every currently enabled slot in address
// order. Caller must hold at least a read lock.
func (r *Registry) Enabled() []uint8 {
	var out []uint8
	for i := 1; i < DefaultModulars; i++ {
		if m := r.slots[i]; m != nil && m.Enabled {
			out = append(out, uint8(i))
		}
	}
	return out
}

// HasDNA reports whether dna is already registered on some enabled slot,
// mirroring check_module_exist's dedup scan.
func (r *Registry) HasDNA(dna [8]byte) bool {
	for i := 1; i < DefaultModulars; i++ {
		if m := r.slots[i]; m != nil && m.Enabled && m.DNA == dna {
			return true
		}
	}
	return false
}

func (r *Registry) SetConnOverloaded(v bool) { r.connOverloaded = v }
func (r *Registry) ConnOverloaded() bool     { return r.connOverloaded }

func (r *Registry) SetLastDetect(t time.Time)  { r.lastDetect = t }
func (r *Registry) LastDetect() time.Time      { return r.lastDetect }
func (r *Registry) SetLastStratum(t time.Time) { r.lastStratum = t }
func (r *Registry) LastStratum() time.Time     { return r.lastStratum }
func (r *Registry) SetLastFanAdj(t time.Time)  { r.lastFanAdj = t }
func (r *Registry) LastFanAdj() time.Time      { return r.lastFanAdj }

func (r *Registry) RecountEnabled() {
	n := 0
	for i := 1; i < DefaultModulars; i++ {
		if r.slots[i] != nil && r.slots[i].Enabled {
			n++
		}
	}
	r.mmCount = n
}

func (r *Registry) Count() int { return r.mmCount }

// Snapshot is a lock-free point-in-time copy of one module's telemetry,
// safe to hand to a reader outside the registry lock.
type Snapshot struct {
	Addr       uint8
	Version    string
	TempMM     float64
	FanPct     int
	Diff1      uint64
	LocalWorks uint64
	HWWorks    uint64
	Cutoff     bool
}

// SnapshotAll copies out a Snapshot per enabled module under a read lock.
func (r *Registry) SnapshotAll() []Snapshot {
	r.RLock()
	defer r.RUnlock()

	var out []Snapshot
	for i := 1; i < DefaultModulars; i++ {
		m := r.slots[i]
		if m == nil || !m.Enabled {
			continue
		}
		out = append(out, Snapshot{
			Addr:       m.Addr,
			Version:    m.Version,
			TempMM:     m.TempMM,
			FanPct:     m.FanPct,
			Diff1:      m.Diff1,
			LocalWorks: m.LocalWorks,
			HWWorks:    m.HWWorks,
			Cutoff:     m.Cutoff,
		})
	}
	return out
}
