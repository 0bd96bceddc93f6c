package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ZentaChain/zentalk-mailbox/pkg/protocol"
)

// ClientIdentity is a registered client
type ClientIdentity struct {
	ID           protocol.ClientID
	Name         string
	PublicKey    protocol.PublicKey
	RegisteredAt time.Time
	LastSeen     time.Time
}

// ClientRegistry maps client ids to identities. Entries are never removed
// for the lifetime of the registry.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[protocol.ClientID]*ClientIdentity
	order   []protocol.ClientID // Registration order for listings

	newID func() (protocol.ClientID, error)
	now   func() time.Time
}

// NewClientRegistry creates an empty registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[protocol.ClientID]*ClientIdentity),
		newID:   randomClientID,
		now:     time.Now,
	}
}

// randomClientID draws a version 4 UUID from crypto/rand
func randomClientID() (protocol.ClientID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return protocol.ClientID{}, err
	}
	return protocol.ClientID(u), nil
}

// Register creates an identity with a fresh random id and returns a copy of it
func (r *ClientRegistry) Register(name string, publicKey protocol.PublicKey) (ClientIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id protocol.ClientID
	for {
		var err error
		id, err = r.newID()
		if err != nil {
			return ClientIdentity{}, fmt.Errorf("failed to generate client id: %w", err)
		}
		if _, taken := r.clients[id]; !taken && !id.IsZero() {
			break
		}
	}

	now := r.now()
	client := &ClientIdentity{
		ID:           id,
		Name:         name,
		PublicKey:    publicKey,
		RegisteredAt: now,
		LastSeen:     now,
	}

	r.clients[id] = client
	r.order = append(r.order, id)

	return *client, nil
}

// Lookup returns the identity registered under id
func (r *ClientRegistry) Lookup(id protocol.ClientID) (ClientIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, exists := r.clients[id]
	if !exists {
		return ClientIdentity{}, false
	}
	return *client, true
}

// ListExcept returns every identity except the one matching excluded, in
// registration order
func (r *ClientRegistry) ListExcept(excluded protocol.ClientID) []ClientIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]ClientIdentity, 0, len(r.order))
	for _, id := range r.order {
		if id == excluded {
			continue
		}
		result = append(result, *r.clients[id])
	}
	return result
}

// Touch refreshes LastSeen for id. It reports whether id is registered.
func (r *ClientRegistry) Touch(id protocol.ClientID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, exists := r.clients[id]
	if !exists {
		return false
	}
	client.LastSeen = r.now()
	return true
}

// Count returns the number of registered clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}
