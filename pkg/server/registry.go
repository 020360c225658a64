package server

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/NicolasHaas/textrelay/pkg/model"
	"github.com/NicolasHaas/textrelay/pkg/storage"
)

// maxRenames bounds how often Admit appends the session id to a taken name.
const maxRenames = 4

// ErrNoFreeName is returned by Admit when every candidate name is taken.
var ErrNoFreeName = errors.New("registry: no free username")

// Registry is the set of logged-in sessions, kept in join order.
//
// One mutex guards every read and write, including broadcast fan-out, so a
// broadcast never races a handshake or a removal. Usernames stay reserved
// from admission until Release, which the owning session calls after its
// storage area is gone; a new session can therefore never adopt a directory
// that is still being deleted.
type Registry struct {
	mu      sync.Mutex
	storage *storage.Storage
	order   []*Session
	names   map[string]uint64 // username -> owning session id, registered or releasing
	now     func() time.Time
}

// NewRegistry creates an empty registry whose admissions create areas in st.
func NewRegistry(st *storage.Storage) *Registry {
	return &Registry{
		storage: st,
		names:   make(map[string]uint64),
		now:     time.Now,
	}
}

// Admit resolves the final username for sess and registers it, all in a
// single critical section: collision check, rename, storage creation,
// insertion. When the requested name is taken, or names a path below the
// storage root that the server did not create, the session id is appended
// until the name is free (at most maxRenames times), and notify (if non-nil)
// is called with the new name before the lock is released, so no broadcast
// can reach the client ahead of its rename notice.
//
// Admit returns the final name, whether it differs from requested, and
// notify's error. An empty name means the session was not registered; a
// storage lookup failure or ErrNoFreeName leaves the registry unchanged.
func (r *Registry) Admit(sess *Session, requested string, notify func(name string) error) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, err := r.resolve(requested, strconv.FormatUint(sess.ID(), 10))
	if err != nil {
		return "", false, err
	}
	renamed := name != requested

	if err := r.storage.Create(name); err != nil {
		return "", false, fmt.Errorf("registry: %w", err)
	}

	sess.admit(name, r.now())
	r.order = append(r.order, sess)
	r.names[name] = sess.ID()

	if renamed && notify != nil {
		if err := notify(name); err != nil {
			return name, true, fmt.Errorf("registry: rename notice: %w", err)
		}
	}
	return name, renamed, nil
}

// resolve appends suffix to requested until the name is neither registered
// nor a foreign path, giving up after maxRenames attempts. A storage lookup
// error fails the admission. Callers hold r.mu.
func (r *Registry) resolve(requested, suffix string) (string, error) {
	name := requested
	for attempt := 0; ; attempt++ {
		free := !r.taken(name)
		if free {
			foreign, err := r.storage.Foreign(name)
			if err != nil {
				return "", fmt.Errorf("registry: %w", err)
			}
			free = !foreign
		}
		if free {
			return name, nil
		}
		if attempt == maxRenames {
			return "", fmt.Errorf("%w: %q", ErrNoFreeName, requested)
		}
		name += suffix
	}
}

func (r *Registry) taken(name string) bool {
	_, ok := r.names[name]
	return ok
}

// Remove unregisters the session with id. The username stays reserved
// until Release. Returns false if the session was not registered.
func (r *Registry) Remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(id)
	if i < 0 {
		return false
	}
	r.order = slices.Delete(r.order, i, i+1)
	return true
}

// Release frees the reservation on name if sess id still owns it.
func (r *Registry) Release(name string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.names[name]; ok && owner == id {
		delete(r.names, name)
	}
}

func (r *Registry) indexOf(id uint64) int {
	return slices.IndexFunc(r.order, func(s *Session) bool { return s.ID() == id })
}

// Contains reports whether the session with id is registered.
func (r *Registry) Contains(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexOf(id) >= 0
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Snapshot returns the registered sessions in join order.
func (r *Registry) Snapshot() []model.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]model.Entry, 0, len(r.order))
	for i, s := range r.order {
		entries = append(entries, model.Entry{
			Position:    i + 1,
			SessionID:   s.ID(),
			Username:    s.Username(),
			ConnectedAt: s.ConnectedAt(),
		})
	}
	return entries
}

// Sessions returns the registered sessions in join order.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.order)
}

// Broadcast delivers line to every registered session, walking in reverse
// join order so failed sessions can be removed in place. A session whose
// delivery fails is removed and marked closing inside the critical section;
// the caller closes the returned sessions' connections, which makes each of
// them run its own teardown.
func (r *Registry) Broadcast(line string) (delivered int, pruned []*Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		s := r.order[i]
		if err := s.deliver(line); err != nil {
			r.order = slices.Delete(r.order, i, i+1)
			s.transition(model.StateClosing)
			pruned = append(pruned, s)
			continue
		}
		delivered++
	}
	return delivered, pruned
}
