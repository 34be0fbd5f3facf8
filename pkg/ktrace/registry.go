package ktrace

import (
	"encoding/binary"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/felixge/tracemerge/pkg/control"
	"github.com/felixge/tracemerge/pkg/hook"
	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"
)

const (
	hashShift = 6
	// Buckets is the number of hash buckets. The number of traced tasks is
	// expected to be small.
	Buckets = 1 << hashShift
	// DefaultMaxTasks bounds the number of concurrently traced tasks.
	DefaultMaxTasks = 64
)

// Registry is a bounded hash table of traced tasks keyed by task id. Insert
// and Remove serialize on a mutex; Lookup never blocks, it reads copy-on-write
// bucket snapshots.
type Registry struct {
	mu       sync.Mutex
	buckets  [Buckets]atomic.Pointer[[]*Task]
	n        int
	maxTasks int
}

// NewRegistry returns an empty registry holding at most maxTasks tasks.
func NewRegistry(maxTasks int) *Registry {
	return &Registry{maxTasks: maxTasks}
}

func bucketOf(id hook.TaskID) int {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	return int(xxh3.Hash(b[:]) & (Buckets - 1))
}

// Insert adds t. It fails with control.ErrAlreadyTraced if a task with the
// same id is registered and with control.ErrFull if the registry is full.
func (r *Registry) Insert(t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := &r.buckets[bucketOf(t.id)]
	var old []*Task
	if p := b.Load(); p != nil {
		old = *p
	}
	for _, other := range old {
		if other.id == t.id {
			return errors.Wrapf(control.ErrAlreadyTraced, "task %d", t.id)
		}
	}
	if r.n >= r.maxTasks {
		return errors.Wrapf(control.ErrFull, "registry holds %d tasks", r.n)
	}

	tasks := make([]*Task, 0, len(old)+1)
	tasks = append(tasks, t)
	tasks = append(tasks, old...)
	b.Store(&tasks)
	r.n++
	return nil
}

// Remove unlinks the task with the given id and waits until no reference
// obtained through Lookup is outstanding. It returns the removed task.
func (r *Registry) Remove(id hook.TaskID) (*Task, bool) {
	r.mu.Lock()
	b := &r.buckets[bucketOf(id)]
	var (
		removed *Task
		tasks   []*Task
	)
	if p := b.Load(); p != nil {
		for _, t := range *p {
			if t.id == id {
				removed = t
				continue
			}
			tasks = append(tasks, t)
		}
	}
	if removed == nil {
		r.mu.Unlock()
		return nil, false
	}
	b.Store(&tasks)
	r.n--
	removed.dead.Store(true)
	r.mu.Unlock()

	for removed.refs.Load() != 0 {
		runtime.Gosched()
	}
	return removed, true
}

// Lookup returns the task with the given id. The caller holds a reference
// until it calls Release on the task.
func (r *Registry) Lookup(id hook.TaskID) (*Task, bool) {
	p := r.buckets[bucketOf(id)].Load()
	if p == nil {
		return nil, false
	}
	for _, t := range *p {
		if t.id != id {
			continue
		}
		t.refs.Add(1)
		if t.dead.Load() {
			t.refs.Add(-1)
			return nil, false
		}
		return t, true
	}
	return nil, false
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Range calls fn for every registered task until fn returns false. Tasks
// inserted or removed concurrently may or may not be visited.
func (r *Registry) Range(fn func(t *Task) bool) {
	for i := range r.buckets {
		p := r.buckets[i].Load()
		if p == nil {
			continue
		}
		for _, t := range *p {
			if !fn(t) {
				return
			}
		}
	}
}
