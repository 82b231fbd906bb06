package registry

import "sync"

// SubscriptionSet is a thread-safe set of room/topic names a single
// connection has subscribed to.
type SubscriptionSet struct {
	mu   sync.RWMutex
	rooms map[string]struct{}
}

func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{rooms: make(map[string]struct{})}
}

func (s *SubscriptionSet) Add(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room] = struct{}{}
}

func (s *SubscriptionSet) Remove(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, room)
}

func (s *SubscriptionSet) Has(room string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[room]
	return ok
}

func (s *SubscriptionSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// index is a copy-on-write reverse index from a key (user id or room
// name) to the set of connection ids interested in it. Reads are a
// lock-free atomic load; writes build a new slice and swap it in, the
// same trade teacher's subscription index makes for hot-path broadcast
// performance.
type index struct {
	mu   sync.Mutex
	data sync.Map // key string -> *[]string
}

func newIndex() *index { return &index{} }

func (x *index) snapshot(key string) []string {
	v, ok := x.data.Load(key)
	if !ok {
		return nil
	}
	return *(v.(*[]string))
}

func (x *index) add(key, id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	cur := x.snapshot(key)
	next := make([]string, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, id)
	x.data.Store(key, &next)
}

func (x *index) remove(key, id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	cur := x.snapshot(key)
	if cur == nil {
		return
	}
	next := make([]string, 0, len(cur))
	for _, v := range cur {
		if v != id {
			next = append(next, v)
		}
	}
	if len(next) == 0 {
		x.data.Delete(key)
		return
	}
	x.data.Store(key, &next)
}

func (x *index) count(key string) int {
	return len(x.snapshot(key))
}
