package record

import (
	"context"
	"strconv"
	"sync"
)

// MemoryStore is an in-process Store used by tests and the sanity suite.
// It mirrors the ConfigMap store's semantics, including how a record
// transitioning into a watched state surfaces as EventAdded and out of it
// as EventDeleted.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Versioned
	nextVer int
	watches []*memoryWatch
}

type memoryWatch struct {
	state State
	ch    chan Event
	done  <-chan struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Versioned),
		nextVer: 1,
	}
}

func (m *MemoryStore) Get(ctx context.Context, volumeID string) (*Versioned, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.records[volumeID]
	if !ok {
		return nil, ErrNotFound
	}
	out := m.clone(v)
	return &out, nil
}

func (m *MemoryStore) Create(ctx context.Context, rec Record) (*Versioned, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.VolumeID]; ok {
		return nil, ErrAlreadyExists
	}

	v := Versioned{Record: rec, Version: m.bumpVersion()}
	m.records[rec.VolumeID] = m.clone(v)
	m.notify("", rec.State, v)
	out := m.clone(v)
	return &out, nil
}

func (m *MemoryStore) Update(ctx context.Context, rec Record, expectedVersion string) (*Versioned, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.records[rec.VolumeID]
	if !ok {
		return nil, ErrNotFound
	}
	if old.Version != expectedVersion {
		return nil, ErrConflict
	}

	v := Versioned{Record: rec, Version: m.bumpVersion()}
	m.records[rec.VolumeID] = m.clone(v)
	m.notify(old.Record.State, rec.State, v)
	out := m.clone(v)
	return &out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, volumeID, expectedVersion string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.records[volumeID]
	if !ok {
		return nil
	}
	if expectedVersion != "" && old.Version != expectedVersion {
		return ErrConflict
	}

	delete(m.records, volumeID)
	m.notify(old.Record.State, "", old)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, state State) ([]Versioned, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Versioned
	for _, v := range m.records {
		if state == "" || v.Record.State == state {
			out = append(out, m.clone(v))
		}
	}
	return out, nil
}

func (m *MemoryStore) Watch(ctx context.Context, state State) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := &memoryWatch{
		state: state,
		ch:    make(chan Event, watchBufferSize),
		done:  ctx.Done(),
	}
	m.watches = append(m.watches, w)

	// Resync: existing matches surface as Added, like a fresh list.
	for _, v := range m.records {
		if state == "" || v.Record.State == state {
			w.deliver(Event{Type: EventAdded, Record: m.clone(v)})
		}
	}

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, cur := range m.watches {
			if cur == w {
				m.watches = append(m.watches[:i], m.watches[i+1:]...)
				close(w.ch)
				break
			}
		}
	}()

	return w.ch, nil
}

// notify fans a state transition out to watchers. oldState=="" means the
// record was created, newState=="" that it was deleted. Callers hold mu.
func (m *MemoryStore) notify(oldState, newState State, v Versioned) {
	for _, w := range m.watches {
		oldMatch := oldState != "" && (w.state == "" || oldState == w.state)
		newMatch := newState != "" && (w.state == "" || newState == w.state)

		var typ EventType
		switch {
		case !oldMatch && newMatch:
			typ = EventAdded
		case oldMatch && newMatch:
			typ = EventModified
		case oldMatch && !newMatch:
			typ = EventDeleted
		default:
			continue
		}
		w.deliver(Event{Type: typ, Record: m.clone(v)})
	}
}

func (w *memoryWatch) deliver(ev Event) {
	select {
	case w.ch <- ev:
	case <-w.done:
	default:
		// Slow consumer; the resync on its next list covers the drop.
	}
}

func (m *MemoryStore) bumpVersion() string {
	ver := strconv.Itoa(m.nextVer)
	m.nextVer++
	return ver
}

func (m *MemoryStore) clone(v Versioned) Versioned {
	return Versioned{Record: cloneRecord(v.Record), Version: v.Version}
}
