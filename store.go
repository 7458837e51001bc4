package keygate

import (
	"context"
	"sync"
)

// MemorySource is an in-memory PoolSource, suitable for config-driven
// standalone deployments and tests. The administrative persistence layer
// owns the production implementation.
//
// Pool returns shared *Credential pointers: OAuth token write-backs through
// oauth.Manager are visible to subsequent requests.
type MemorySource struct {
	mu    sync.RWMutex
	keys  map[string]*VirtualKey
	creds map[string]*Credential
	pools map[string][]string
}

var _ PoolSource = (*MemorySource)(nil)

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		keys:  make(map[string]*VirtualKey),
		creds: make(map[string]*Credential),
		pools: make(map[string][]string),
	}
}

// PutVirtualKey adds or replaces a virtual key.
func (m *MemorySource) PutVirtualKey(vk *VirtualKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[vk.ID] = vk
}

// PutCredential adds or replaces a credential.
func (m *MemorySource) PutCredential(c *Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[c.ID] = c
}

// Bind sets the credential pool of a virtual key. Credentials may be shared
// across virtual keys.
func (m *MemorySource) Bind(virtualKeyID string, credentialIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[virtualKeyID] = append([]string(nil), credentialIDs...)
}

// RemoveCredential deletes a credential and unbinds it from every pool.
func (m *MemorySource) RemoveCredential(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.creds, id)
	for vkID, ids := range m.pools {
		kept := ids[:0]
		for _, cid := range ids {
			if cid != id {
				kept = append(kept, cid)
			}
		}
		m.pools[vkID] = kept
	}
}

// Credential returns a credential by id.
func (m *MemorySource) Credential(id string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.creds[id]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return c, nil
}

// HasCredential reports whether a credential exists. Used by oauth.Manager
// to detect orphaned sessions during cleanup.
func (m *MemorySource) HasCredential(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.creds[id]
	return ok
}

// VirtualKey returns a virtual key by id.
func (m *MemorySource) VirtualKey(_ context.Context, id string) (*VirtualKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	vk, ok := m.keys[id]
	if !ok {
		return nil, ErrVirtualKeyNotFound
	}
	return vk, nil
}

// Pool returns the credential pool of a virtual key.
func (m *MemorySource) Pool(_ context.Context, virtualKeyID string) ([]*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.keys[virtualKeyID]; !ok {
		return nil, ErrVirtualKeyNotFound
	}

	ids := m.pools[virtualKeyID]
	pool := make([]*Credential, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.creds[id]; ok {
			pool = append(pool, c)
		}
	}
	return pool, nil
}
