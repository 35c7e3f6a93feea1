// Package registry holds the process-wide reservation of player names.
// Each record binds a name to its current transport handle, a monotonic
// reconnect token and the pending "back to lobby" flag the match engine
// uses to signal the session driver.
package registry

import (
	"errors"
	"sync"

	gonet "github.com/c45bj/server/internal/net"
	"golang.org/x/text/unicode/norm"
)

// MaxRecords bounds the registry, matching the original server's cap.
const MaxRecords = 256

var (
	// ErrFull means the registry is saturated.
	ErrFull = errors.New("registry full")
	// ErrNameTaken means the name is already reserved by a live connection.
	ErrNameTaken = errors.New("name taken")
)

type record struct {
	handle  int64  // current transport handle, DetachedHandle when none
	token   uint64 // generation of the name→transport binding, 0 = unassigned
	backReq bool
}

// Registry is safe for concurrent use; a single mutex guards all records
// and the token sequence.
type Registry struct {
	mu      sync.Mutex
	records map[string]*record
	seq     uint64
}

func New() *Registry {
	return &Registry{records: make(map[string]*record)}
}

// Normalize maps a wire name to its canonical form. Names that render
// identically must collide, so comparisons run on NFC.
func Normalize(name string) string {
	return norm.NFC.String(name)
}

// Has reports whether the name is reserved.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[Normalize(name)]
	return ok
}

// Add reserves a name with no transport and token 0. Adding an existing
// name is a no-op.
func (r *Registry) Add(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(Normalize(name))
}

func (r *Registry) addLocked(name string) error {
	if _, ok := r.records[name]; ok {
		return nil
	}
	if len(r.records) >= MaxRecords {
		return ErrFull
	}
	r.records[name] = &record{handle: gonet.DetachedHandle}
	return nil
}

// SetTransport binds the name to a transport handle and advances the
// token sequence. This is the only mutation path for tokens; the returned
// value is never 0 for a present name. Absent names return 0.
func (r *Registry) SetTransport(name string, handle int64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setTransportLocked(Normalize(name), handle)
}

func (r *Registry) setTransportLocked(name string, handle int64) uint64 {
	rec, ok := r.records[name]
	if !ok {
		return 0
	}
	rec.handle = handle
	r.seq++
	rec.token = r.seq
	return rec.token
}

// Register reserves the name if absent and binds it to handle, in one
// critical section. Used by the reconnect path, where the record may or
// may not have survived.
func (r *Registry) Register(name string, handle int64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := Normalize(name)
	if err := r.addLocked(n); err != nil {
		return 0, err
	}
	return r.setTransportLocked(n, handle), nil
}

// ReserveFresh is the fresh-login path: it fails with ErrNameTaken when
// the name is already reserved.
func (r *Registry) ReserveFresh(name string, handle int64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := Normalize(name)
	if _, ok := r.records[n]; ok {
		return 0, ErrNameTaken
	}
	if err := r.addLocked(n); err != nil {
		return 0, err
	}
	return r.setTransportLocked(n, handle), nil
}

// Remove drops the record unconditionally.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, Normalize(name))
}

// RemoveIfToken drops the record only when its token still equals t.
// A session that lost a reconnect race exits through here without
// evicting its successor's record.
func (r *Registry) RemoveIfToken(name string, t uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := Normalize(name)
	rec, ok := r.records[n]
	if !ok || rec.token != t {
		return
	}
	delete(r.records, n)
}

// MarkBack raises the pending-back flag. When handle is non-negative the
// record's current transport must match; pass DetachedHandle to bypass.
func (r *Registry) MarkBack(name string, handle int64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[Normalize(name)]
	if ok && (handle < 0 || rec.handle == handle) {
		rec.backReq = true
	}
}

// TakeBack tests and clears the pending-back flag under the same handle
// rule as MarkBack.
func (r *Registry) TakeBack(name string, handle int64) bool {
	if name == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[Normalize(name)]
	if !ok || !rec.backReq {
		return false
	}
	if handle >= 0 && rec.handle != handle {
		return false
	}
	rec.backReq = false
	return true
}

// Len reports the live record count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
