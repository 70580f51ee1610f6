package keydb

import "context"

// Reservation is an RAII-style guard over a contiguous run of slot ids
// reserved by FindContiguous. Release clears the reservation; it is safe
// to call more than once. Per Design Note "Reservation semantics in the
// key db", a reservation tied to a context is auto-released when that
// context is canceled, so a key abandoned mid-process (spec §5
// "Cancellation") doesn't leak a permanently-reserved slot run.
type Reservation struct {
	store    Store
	ids      []uint64
	released bool
	stopped  chan struct{}
}

// Reserve finds and reserves nBytes worth of available slots in store. If
// ctx is canceled before Release is called explicitly, the reservation is
// released automatically by a background watcher goroutine. The watcher
// exits as soon as Release/Commit runs, even if ctx outlives them (e.g.
// stage.Run's long-lived loop context shared across every key) — otherwise
// every reservation over such a context would leak its watcher for the
// life of the stage.
func Reserve(ctx context.Context, store Store, nBytes uint64) (*Reservation, error) {
	ids, err := store.FindContiguous(nBytes, true)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	r := &Reservation{store: store, ids: ids, stopped: make(chan struct{})}
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				r.Release()
			case <-r.stopped:
			}
		}()
	}
	return r, nil
}

// IDs returns the reserved slot ids.
func (r *Reservation) IDs() []uint64 {
	if r == nil {
		return nil
	}
	return r.ids
}

// Release clears the reservation, making the slots available to future
// finders again. Idempotent.
func (r *Reservation) Release() {
	if r == nil || r.released {
		return
	}
	r.released = true
	r.store.Release(r.ids)
	r.stopWatcher()
}

// Commit marks the reservation as consumed without releasing the
// underlying reserved_count — the caller is expected to Delete the slots
// next (a successful authentication verify deletes rather than releases).
// It only prevents a subsequent Release from clearing a reservation whose
// slots no longer exist.
func (r *Reservation) Commit() {
	if r == nil {
		return
	}
	r.released = true
	r.stopWatcher()
}

// stopWatcher signals the ctx-watcher goroutine started by Reserve to
// exit, if one is running. Safe to call more than once.
func (r *Reservation) stopWatcher() {
	if r.stopped == nil {
		return
	}
	select {
	case <-r.stopped:
	default:
		close(r.stopped)
	}
}
