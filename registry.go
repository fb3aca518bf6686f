package eventmq

import (
	"hash/fnv"
	"sync"
)

// numShards defines the number of shards for the key reference counts.
const numShards = 32

// Registry is process-wide state shared by every engine: how many engines
// currently hold each event key, and whether the "publisher confirms
// unsupported" warning was already emitted.
type Registry struct {
	shards [numShards]refShard

	warnOnce sync.Once
}

type refShard struct {
	mu   sync.Mutex
	refs map[string]int
}

// NewRegistry creates an empty registry. Most programs use DefaultRegistry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range numShards {
		r.shards[i].refs = make(map[string]int)
	}
	return r
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the registry engines use unless WithRegistry says otherwise
func DefaultRegistry() *Registry {
	return defaultRegistry
}

func (r *Registry) shard(key string) *refShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &r.shards[h.Sum32()%numShards]
}

func (r *Registry) acquire(key string) {
	s := r.shard(key)
	s.mu.Lock()
	s.refs[key]++
	s.mu.Unlock()
}

func (r *Registry) release(key string) {
	s := r.shard(key)
	s.mu.Lock()
	if n := s.refs[key]; n <= 1 {
		delete(s.refs, key)
	} else {
		s.refs[key] = n - 1
	}
	s.mu.Unlock()
}

// IsPending reports whether any engine sharing this registry still holds an
// event with the given key.
func (r *Registry) IsPending(key string) bool {
	s := r.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[key] > 0
}

// Count returns the number of distinct pending keys.
func (r *Registry) Count() int {
	count := 0
	for i := range numShards {
		r.shards[i].mu.Lock()
		count += len(r.shards[i].refs)
		r.shards[i].mu.Unlock()
	}
	return count
}

// warnUnconfirmed logs the unsupported-confirms warning the first time it is
// called for this registry. It reports whether this call emitted it.
func (r *Registry) warnUnconfirmed(logger Logger) bool {
	emitted := false
	r.warnOnce.Do(func() {
		logger.Warn("Broker does not support publisher confirms; event delivery cannot be fully guaranteed")
		emitted = true
	})
	return emitted
}

// IsPending reports whether event is still pending in any engine using
// DefaultRegistry.
func IsPending(event *Event) bool {
	if event == nil {
		return false
	}
	return defaultRegistry.IsPending(event.Key)
}
