package registry

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 32

// Session is the registry's view of a connection.
type Session interface {
	// Handle returns the stable identifier used as the registry key.
	Handle() string
}

// Entry is the registry record for one upgraded connection.
type Entry struct {
	Session      Session
	Metadata     map[string]string
	RegisteredAt time.Time
}

// Handle returns the handle of the entry's session.
func (e Entry) Handle() string {
	if e.Session == nil {
		return ""
	}
	return e.Session.Handle()
}

// Registry is a sharded, concurrency-safe map of live sessions.
type Registry struct {
	shards []*shard
	mask   uint32
	now    func() time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithShards sets the shard count. It is rounded up to a power of two;
// values <= 0 select DefaultShards.
func WithShards(n int) Option {
	return func(r *Registry) {
		r.allocate(n)
	}
}

// WithClock overrides the time source used for RegisteredAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{now: time.Now}
	r.allocate(DefaultShards)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) allocate(n int) {
	if n <= 0 {
		n = DefaultShards
	}
	size := nextPowerOfTwo(uint32(n))
	shards := make([]*shard, size)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]Entry)}
	}
	r.shards = shards
	r.mask = size - 1
}

// Shards returns the number of shards.
func (r *Registry) Shards() int {
	return len(r.shards)
}

func (r *Registry) shardFor(handle string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(handle))
	return r.shards[h.Sum32()&r.mask]
}

// Register inserts or overwrites the entry for s. Calling it again for the
// same handle replaces the metadata and keeps a single entry.
// A nil session or an empty handle is ignored.
func (r *Registry) Register(s Session, meta map[string]string) {
	if s == nil {
		return
	}
	handle := s.Handle()
	if handle == "" {
		return
	}

	md := make(map[string]string, len(meta))
	for k, v := range meta {
		md[k] = v
	}

	sh := r.shardFor(handle)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	registeredAt := r.now()
	if existing, ok := sh.entries[handle]; ok {
		registeredAt = existing.RegisteredAt
	}
	sh.entries[handle] = Entry{
		Session:      s,
		Metadata:     md,
		RegisteredAt: registeredAt,
	}
}

// Unregister removes the entry for handle and reports whether one existed.
func (r *Registry) Unregister(handle string) bool {
	sh := r.shardFor(handle)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.entries[handle]; !ok {
		return false
	}
	delete(sh.entries, handle)
	return true
}

// Get returns the entry for handle.
func (r *Registry) Get(handle string) (Entry, bool) {
	sh := r.shardFor(handle)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.entries[handle]
	return e, ok
}

// Contains reports whether handle is registered.
func (r *Registry) Contains(handle string) bool {
	_, ok := r.Get(handle)
	return ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Snapshot returns a copy of all entries, ordered by registration time.
// Metadata maps are shared with the registry and must not be modified.
func (r *Registry) Snapshot() []Entry {
	out := make([]Entry, 0, r.Len())
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			out = append(out, e)
		}
		sh.mu.RUnlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].Handle() < out[j].Handle()
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// Range calls fn for every entry until fn returns false. fn runs without any
// shard lock held, so it may call back into the registry.
func (r *Registry) Range(fn func(Entry) bool) {
	for _, sh := range r.shards {
		sh.mu.RLock()
		batch := make([]Entry, 0, len(sh.entries))
		for _, e := range sh.entries {
			batch = append(batch, e)
		}
		sh.mu.RUnlock()

		for _, e := range batch {
			if !fn(e) {
				return
			}
		}
	}
}

// nextPowerOfTwo returns the smallest power of two >= v (minimum 1).
func nextPowerOfTwo(v uint32) uint32 {
	if v <= 1 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
