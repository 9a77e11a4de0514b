package local

import (
	"sort"
	"sync"
)

// envelope is one queued message with its delivery bookkeeping.
type envelope struct {
	Seq       uint64 `cbor:"1,keyasint"`
	ID        string `cbor:"2,keyasint"`
	Channel   string `cbor:"3,keyasint"`
	Body      []byte `cbor:"4,keyasint"`
	Attempts  int    `cbor:"5,keyasint"`
	Enqueued  int64  `cbor:"6,keyasint"`
	NotBefore int64  `cbor:"7,keyasint,omitempty"`
	Reason    string `cbor:"8,keyasint,omitempty"`
}

// store keeps ready and dead envelopes ordered by sequence.
type store interface {
	append(env *envelope) error
	// next returns the lowest ready envelope with Seq > after.
	next(after uint64) (*envelope, bool, error)
	update(env *envelope) error
	remove(seq uint64) error
	bury(env *envelope) error
	dead() ([]envelope, error)
	requeueDead() (int, error)
	size() (int, error)
	close() error
}

// memStore is the transient store: contents are lost with the process.
type memStore struct {
	mu      sync.Mutex
	seq     uint64
	ready   []*envelope
	buried  []*envelope
	maxSize int
}

func newMemStore(capacity int) *memStore {
	return &memStore{
		ready:   make([]*envelope, 0, capacity),
		maxSize: capacity,
	}
}

func (m *memStore) append(env *envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxSize > 0 && len(m.ready) >= m.maxSize {
		return ErrFull
	}
	m.seq++
	env.Seq = m.seq
	cp := *env
	m.ready = append(m.ready, &cp)
	return nil
}

func (m *memStore) next(after uint64) (*envelope, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.ready), func(i int) bool { return m.ready[i].Seq > after })
	if i == len(m.ready) {
		return nil, false, nil
	}
	cp := *m.ready[i]
	return &cp, true, nil
}

func (m *memStore) update(env *envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.find(env.Seq); ok {
		cp := *env
		m.ready[i] = &cp
	}
	return nil
}

func (m *memStore) remove(seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.find(seq); ok {
		m.ready = append(m.ready[:i], m.ready[i+1:]...)
	}
	return nil
}

func (m *memStore) bury(env *envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.find(env.Seq); ok {
		m.ready = append(m.ready[:i], m.ready[i+1:]...)
	}
	cp := *env
	m.buried = append(m.buried, &cp)
	return nil
}

func (m *memStore) dead() ([]envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]envelope, 0, len(m.buried))
	for _, e := range m.buried {
		out = append(out, *e)
	}
	return out, nil
}

func (m *memStore) requeueDead() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.buried)
	for _, e := range m.buried {
		m.seq++
		e.Seq = m.seq
		e.Attempts = 0
		e.NotBefore = 0
		e.Reason = ""
		m.ready = append(m.ready, e)
	}
	m.buried = nil
	return n, nil
}

func (m *memStore) size() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready), nil
}

func (m *memStore) close() error { return nil }

func (m *memStore) find(seq uint64) (int, bool) {
	i := sort.Search(len(m.ready), func(i int) bool { return m.ready[i].Seq >= seq })
	if i < len(m.ready) && m.ready[i].Seq == seq {
		return i, true
	}
	return 0, false
}
