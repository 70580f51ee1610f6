// Package keydb implements the fixed-quantum key database of spec §3/§4.7:
// the volatile in-memory slot store backing the authentication stage's
// store_in/store_out, keyed by a contiguous id range and carrying the
// sync/injection/reservation flags needed to track whether a slot's
// contents are known to both peers.
package keydb

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrSizeMismatch is returned by Insert when the supplied payload isn't
// exactly Quantum bytes.
var ErrSizeMismatch = errors.New("keydb: payload size does not match store quantum")

// ErrUnknownScheme is returned by Open for an unrecognized backend URL.
var ErrUnknownScheme = errors.New("keydb: unknown backend scheme")

// ErrFull names a full store. RAMStore has no capacity bound, so no
// method of this package returns it.
var ErrFull = errors.New("keydb: store is full")

// Slot is one fixed-quantum entry.
type Slot struct {
	ID            uint64
	Payload       []byte
	Valid         bool
	RealSync      bool
	EventualSync  bool
	Injected      bool
	ReservedCount uint32
}

// available reports whether a slot may be returned by a finder: valid and
// not currently reserved (spec §4.7 invariant "reserved_count > 0 =>
// excluded from find_*").
func (s Slot) available() bool {
	return s.Valid && s.ReservedCount == 0
}

// Store is the interface the authentication stage programs against. All
// methods are safe for concurrent use; spec §5 requires the db to
// "serialize all its operations through a single reentrant mutex".
type Store interface {
	// Quantum is the fixed payload size, in bytes, of every slot.
	Quantum() int
	// Insert places payload (which must be Quantum bytes) at the next
	// free slot id and returns that id. RAMStore has no capacity bound:
	// its Insert never reports a full store.
	Insert(payload []byte) (uint64, error)
	// FindContiguous returns a run of slot ids whose combined capacity
	// covers at least nBytes, all available (valid, unreserved), and
	// atomically reserves them if reserve is true. Empty on failure.
	FindContiguous(nBytes uint64, reserve bool) ([]uint64, error)
	// FindSpare returns nBytes/Quantum ids with no slot data (free), for
	// filling via Insert/Set. nBytes must be a Quantum multiple.
	FindSpare(nBytes uint64, reserve bool) ([]uint64, error)
	// Delete removes the slots named by ids (no-op for unknown ids).
	Delete(ids []uint64)
	// SetFlag / ClearFlag toggle one of the three boolean flags.
	SetFlag(id uint64, flag Flag)
	ClearFlag(id uint64, flag Flag)
	// Count returns the number of valid slots.
	Count() uint64
	// Get returns the slot for id, and whether it exists.
	Get(id uint64) (Slot, bool)
	// Ring returns a snapshot of all slots, in ascending id order.
	Ring() []Slot
	// Release clears the reserved count on the given ids, used to unwind
	// a reservation on cancellation (spec §5 "Cancellation").
	Release(ids []uint64)
}

// Flag identifies one of a slot's three settable boolean states.
type Flag int

const (
	FlagRealSync Flag = iota
	FlagEventualSync
	FlagInjected
)

// Open constructs a Store from a backend URL. Only ram:// is implemented
// (spec Non-goals: "no persistent on-disk databases"); any other scheme
// is an error.
func Open(url string, quantum int) (Store, error) {
	switch url {
	case "ram://", "":
		return NewRAMStore(quantum), nil
	default:
		return nil, errors.Wrapf(ErrUnknownScheme, "url %q", url)
	}
}

// RAMStore is the sole Store backend: a mutex-guarded map of slots.
type RAMStore struct {
	mu      sync.Mutex
	quantum int
	slots   map[uint64]*Slot
	nextID  uint64
}

var _ Store = (*RAMStore)(nil)

// NewRAMStore returns an empty store with the given fixed slot size.
func NewRAMStore(quantum int) *RAMStore {
	return &RAMStore{
		quantum: quantum,
		slots:   make(map[uint64]*Slot),
		nextID:  1,
	}
}

func (s *RAMStore) Quantum() int { return s.quantum }

func (s *RAMStore) Insert(payload []byte) (uint64, error) {
	if len(payload) != s.quantum {
		return 0, errors.Wrapf(ErrSizeMismatch, "got %d want %d", len(payload), s.quantum)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	buf := append([]byte(nil), payload...)
	s.slots[id] = &Slot{ID: id, Payload: buf, Valid: true}
	return id, nil
}

// set installs payload at a specific id, used by FindSpare-driven fills
// (peer handshake, test fixtures) where the caller controls placement.
func (s *RAMStore) set(id uint64, payload []byte) {
	buf := append([]byte(nil), payload...)
	s.slots[id] = &Slot{ID: id, Payload: buf, Valid: true}
	if id >= s.nextID {
		s.nextID = id + 1
	}
}

// Set is the exported form of set, used by fixture.go and the peer
// handshake to install key material at a caller-chosen id.
func (s *RAMStore) Set(id uint64, payload []byte) error {
	if len(payload) != s.quantum {
		return errors.Wrapf(ErrSizeMismatch, "got %d want %d", len(payload), s.quantum)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(id, payload)
	return nil
}

func (s *RAMStore) FindContiguous(nBytes uint64, reserve bool) ([]uint64, error) {
	if s.quantum <= 0 {
		return nil, nil
	}
	need := (nBytes + uint64(s.quantum) - 1) / uint64(s.quantum)
	s.mu.Lock()
	defer s.mu.Unlock()

	if need == 0 {
		return nil, nil
	}

	var run []uint64
	for id := uint64(1); id < s.nextID; id++ {
		slot, ok := s.slots[id]
		if ok && slot.available() {
			run = append(run, id)
			if uint64(len(run)) == need {
				if reserve {
					for _, rid := range run {
						s.slots[rid].ReservedCount++
					}
				}
				return run, nil
			}
		} else {
			run = run[:0]
		}
	}
	return nil, nil
}

func (s *RAMStore) FindSpare(nBytes uint64, reserve bool) ([]uint64, error) {
	if s.quantum <= 0 || nBytes%uint64(s.quantum) != 0 {
		return nil, nil
	}
	need := nBytes / uint64(s.quantum)
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uint64
	id := uint64(1)
	for uint64(len(ids)) < need {
		if _, ok := s.slots[id]; !ok {
			ids = append(ids, id)
		}
		id++
		if id > s.nextID+need+1 {
			// Defensive bound: a pathological quantum/nBytes combination
			// shouldn't spin forever over a sparse id space.
			break
		}
	}
	if uint64(len(ids)) < need {
		return nil, nil
	}
	if reserve {
		for _, rid := range ids {
			s.slots[rid] = &Slot{ID: rid, ReservedCount: 1}
		}
	}
	return ids, nil
}

func (s *RAMStore) Delete(ids []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.slots, id)
	}
}

func (s *RAMStore) SetFlag(id uint64, flag Flag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[id]
	if !ok {
		return
	}
	switch flag {
	case FlagRealSync:
		slot.RealSync = true
	case FlagEventualSync:
		slot.EventualSync = true
	case FlagInjected:
		slot.Injected = true
	}
}

func (s *RAMStore) ClearFlag(id uint64, flag Flag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[id]
	if !ok {
		return
	}
	switch flag {
	case FlagRealSync:
		slot.RealSync = false
	case FlagEventualSync:
		slot.EventualSync = false
	case FlagInjected:
		slot.Injected = false
	}
}

func (s *RAMStore) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n uint64
	for _, slot := range s.slots {
		if slot.Valid {
			n++
		}
	}
	return n
}

func (s *RAMStore) Get(id uint64) (Slot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[id]
	if !ok {
		return Slot{}, false
	}
	return *slot, true
}

func (s *RAMStore) Ring() []Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Slot, 0, len(s.slots))
	for id := uint64(1); id < s.nextID; id++ {
		if slot, ok := s.slots[id]; ok {
			out = append(out, *slot)
		}
	}
	return out
}

func (s *RAMStore) Release(ids []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if slot, ok := s.slots[id]; ok {
			slot.ReservedCount = 0
		}
	}
}
