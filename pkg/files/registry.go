// Package files maps externally visible file ids onto remote file handles.
// Mappings live for the process lifetime only; identity is deliberately not
// persisted across restarts.
package files

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Mapping struct {
	ID        string    `json:"id"`
	RemoteID  string    `json:"-"`
	Account   string    `json:"-"`
	SessionID string    `json:"-"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mime_type,omitempty"`
	Size      int64     `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
}

type Registry struct {
	mu    sync.RWMutex
	byID  map[string]Mapping
	order []string
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		byID: map[string]Mapping{},
		now:  func() time.Time { return time.Now() },
	}
}

// Register records a successful upload and returns the mapping carrying the
// freshly minted external id. Existing mappings are never rewritten.
func (r *Registry) Register(remoteID, account, sessionID, filename, mimeType string, size int64) Mapping {
	m := Mapping{
		ID:        "file-" + uuid.NewString(),
		RemoteID:  remoteID,
		Account:   account,
		SessionID: sessionID,
		Filename:  filename,
		MimeType:  mimeType,
		Size:      size,
		CreatedAt: r.now().UTC(),
	}
	r.mu.Lock()
	r.byID[m.ID] = m
	r.order = append(r.order, m.ID)
	r.mu.Unlock()
	return m
}

func (r *Registry) Resolve(id string) (Mapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	return m, ok
}

// List returns all live mappings in insertion order.
func (r *Registry) List() []Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Mapping, 0, len(r.byID))
	for _, id := range r.order {
		if m, ok := r.byID[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	return true
}
