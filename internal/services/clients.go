package services

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Client is one connected frontend or editor instance. Metadata is opaque
// JSON owned by the client; the server stores and republishes it without
// interpreting a single field.
type Client struct {
	ClientID  string          `json:"client_id"`
	Metadata  json.RawMessage `json:"metadata"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ClientStore tracks live clients by id. Mutations are announced on the
// broker so every subscriber sees who else is on the session.
type ClientStore struct {
	mu      sync.RWMutex
	clients map[string]Client
	broker  *Broker
}

// NewClientStore builds a store publishing to broker. A nil broker is
// allowed; mutations are then silent.
func NewClientStore(broker *Broker) *ClientStore {
	return &ClientStore{
		clients: make(map[string]Client),
		broker:  broker,
	}
}

// Upsert replaces the metadata of clientID wholesale and returns the
// stored record plus whether the client is new. New clients announce
// client_connected, returning ones client_metadata_updated.
func (s *ClientStore) Upsert(clientID string, metadata json.RawMessage) (Client, bool) {
	if metadata == nil {
		metadata = json.RawMessage(`{}`)
	}
	client := Client{
		ClientID:  clientID,
		Metadata:  metadata,
		UpdatedAt: time.Now(),
	}

	s.mu.Lock()
	_, existed := s.clients[clientID]
	s.clients[clientID] = client
	s.mu.Unlock()

	if s.broker != nil {
		if existed {
			s.broker.Publish("client_metadata_updated", client)
		} else {
			s.broker.Publish("client_connected", client)
		}
	}
	return client, !existed
}

// Get returns the client record for clientID.
func (s *ClientStore) Get(clientID string) (Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[clientID]
	return client, ok
}

// All returns a snapshot of every client, ordered by id.
func (s *ClientStore) All() []Client {
	s.mu.RLock()
	clients := make([]Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	sort.Slice(clients, func(i, j int) bool {
		return clients[i].ClientID < clients[j].ClientID
	})
	return clients
}

// Delete removes clientID and announces client_disconnected. Returns
// false when the client was not registered.
func (s *ClientStore) Delete(clientID string) bool {
	s.mu.Lock()
	_, ok := s.clients[clientID]
	if ok {
		delete(s.clients, clientID)
	}
	s.mu.Unlock()

	if ok && s.broker != nil {
		s.broker.Publish("client_disconnected", map[string]string{
			"client_id": clientID,
		})
	}
	return ok
}

// Count returns the number of registered clients.
func (s *ClientStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
