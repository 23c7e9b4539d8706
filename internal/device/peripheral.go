package device

import (
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Peripheral is a discovered remote device.
type Peripheral struct {
	ID       string
	Name     string
	RSSI     int
	LastSeen time.Time
}

// DisplayName returns the advertised name, or the id when the device is anonymous.
func (p Peripheral) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// Registry keeps discovered peripherals keyed by id in first-discovery order.
// Entries are updated in place and never removed.
type Registry struct {
	mu    sync.RWMutex
	items *orderedmap.OrderedMap[string, Peripheral]
}

func NewRegistry() *Registry {
	return &Registry{items: orderedmap.New[string, Peripheral]()}
}

// Upsert inserts p or refreshes the existing entry (RSSI, LastSeen, and Name when
// the new one is non-empty). It returns the stored value and whether the id was new.
func (r *Registry) Upsert(p Peripheral) (Peripheral, bool) {
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.items.Get(p.ID)
	if !ok {
		r.items.Set(p.ID, p)
		return p, true
	}

	existing.RSSI = p.RSSI
	existing.LastSeen = p.LastSeen
	if p.Name != "" {
		existing.Name = p.Name
	}
	r.items.Set(p.ID, existing)
	return existing, false
}

// UpdateRSSI records a fresh signal strength for a known id.
func (r *Registry) UpdateRSSI(id string, rssi int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.items.Get(id)
	if !ok {
		return false
	}
	p.RSSI = rssi
	p.LastSeen = time.Now()
	r.items.Set(id, p)
	return true
}

func (r *Registry) Get(id string) (Peripheral, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.items.Get(id)
}

// First returns the earliest discovered peripheral.
func (r *Registry) First() (Peripheral, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pair := r.items.Oldest()
	if pair == nil {
		return Peripheral{}, false
	}
	return pair.Value, true
}

// List returns a snapshot in discovery order.
func (r *Registry) List() []Peripheral {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Peripheral, 0, r.items.Len())
	for pair := r.items.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.items.Len()
}
