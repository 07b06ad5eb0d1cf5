package ledger

import (
	"context"
	"sync"
)

// MarkerStore tracks once-per-recipient deliveries. A marker is first
// claimed, before the send, and then either marked sent or released.
type MarkerStore interface {
	// Claim reports whether the caller now owns the marker. False means it
	// was already claimed or sent.
	Claim(ctx context.Context, recipient, function string) (bool, error)
	// MarkSent records a confirmed delivery and reports whether the marker
	// changed.
	MarkSent(ctx context.Context, recipient, function string) (bool, error)
	// Release drops a claim that was never confirmed. Sent markers stay.
	Release(ctx context.Context, recipient, function string) error
	HasSent(ctx context.Context, recipient, function string) (bool, error)
}

type markerState string

const (
	stateClaimed markerState = "claimed"
	stateSent    markerState = "sent"
)

type markerKey struct {
	recipient string
	function  string
}

// MemoryMarkers keeps markers in process.
type MemoryMarkers struct {
	mu      sync.Mutex
	markers map[markerKey]markerState
}

func NewMemoryMarkers() *MemoryMarkers {
	return &MemoryMarkers{markers: map[markerKey]markerState{}}
}

func key(recipient, function string) markerKey {
	return markerKey{recipient: NormalizeRecipient(recipient), function: function}
}

func (m *MemoryMarkers) Claim(_ context.Context, recipient, function string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(recipient, function)
	if _, ok := m.markers[k]; ok {
		return false, nil
	}
	m.markers[k] = stateClaimed
	return true, nil
}

func (m *MemoryMarkers) MarkSent(_ context.Context, recipient, function string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(recipient, function)
	if m.markers[k] == stateSent {
		return false, nil
	}
	m.markers[k] = stateSent
	return true, nil
}

func (m *MemoryMarkers) Release(_ context.Context, recipient, function string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(recipient, function)
	if m.markers[k] == stateClaimed {
		delete(m.markers, k)
	}
	return nil
}

func (m *MemoryMarkers) HasSent(_ context.Context, recipient, function string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markers[key(recipient, function)] == stateSent, nil
}
