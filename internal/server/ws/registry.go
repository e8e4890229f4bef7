package ws

import (
	"sync"

	"github.com/arbfeed/arbfeed/internal/domain"
	"github.com/google/uuid"
)

// Sender is the registry's handle to one connected peer. TrySend must never
// block: it reports false when the peer cannot accept the message, which the
// broadcast path treats as a dead connection.
type Sender interface {
	TrySend(msg []byte) bool
	Close()
}

// subscription is the interest set of one connection. The registry owns all
// subscription records; connections only ever hold their id back into it.
type subscription struct {
	id       string
	conn     Sender
	topics   map[domain.Topic]struct{}
	networks map[domain.NetworkID]struct{}
}

// Entry pairs a connection handle with its subscription id so the broadcast
// path can unregister on send failure without a reverse lookup.
type Entry struct {
	ID   string
	Conn Sender
}

// Registry tracks every connected client's interest set. All mutation is
// safe under concurrent calls from connection handlers and the broadcast
// path; Matching returns a snapshot so a connection closing mid-broadcast
// cannot corrupt another's in-flight send.
type Registry struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	byConn map[Sender]string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		subs:   make(map[string]*subscription),
		byConn: make(map[Sender]string),
	}
}

// Register creates a subscription for conn with the default interest set
// (topic "prices", network "ethereum") and returns its id. Registering the
// same connection again returns the existing id.
func (r *Registry) Register(conn Sender) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byConn[conn]; ok {
		return id
	}

	id := uuid.NewString()
	r.subs[id] = &subscription{
		id:       id,
		conn:     conn,
		topics:   map[domain.Topic]struct{}{domain.TopicPrices: {}},
		networks: map[domain.NetworkID]struct{}{domain.NetworkEthereum: {}},
	}
	r.byConn[conn] = id
	return id
}

// Subscribe adds topics and networks to the subscription's interest set.
// Unknown topics are dropped silently; networks are open strings and taken
// as-is. Adding an entry that is already present is a no-op.
func (r *Registry) Subscribe(id string, topics []domain.Topic, networks []domain.NetworkID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return
	}
	for _, t := range topics {
		if t.Valid() {
			sub.topics[t] = struct{}{}
		}
	}
	for _, n := range networks {
		if n != "" {
			sub.networks[n] = struct{}{}
		}
	}
}

// Unsubscribe removes topics and networks from the subscription's interest
// set. Removing an absent entry is a no-op.
func (r *Registry) Unsubscribe(id string, topics []domain.Topic, networks []domain.NetworkID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return
	}
	for _, t := range topics {
		delete(sub.topics, t)
	}
	for _, n := range networks {
		delete(sub.networks, n)
	}
}

// Unregister removes the subscription entirely. Unregistering an unknown id
// is a no-op, so the close path and the broadcast failure path may race
// without harm.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return
	}
	delete(r.byConn, sub.conn)
	delete(r.subs, id)
}

// Matching returns a snapshot of connections whose subscription passes both
// filters: a nil topic matches everything, otherwise the topic must be in
// the interest set, and likewise for network. Omitting both filters returns
// every registered connection.
func (r *Registry) Matching(topic *domain.Topic, network *domain.NetworkID) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.subs))
	for _, sub := range r.subs {
		if topic != nil {
			if _, ok := sub.topics[*topic]; !ok {
				continue
			}
		}
		if network != nil {
			if _, ok := sub.networks[*network]; !ok {
				continue
			}
		}
		out = append(out, Entry{ID: sub.id, Conn: sub.conn})
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Interest returns copies of the subscription's current topic and network
// sets, used for subscribe acknowledgements. Both slices are non-nil.
func (r *Registry) Interest(id string) ([]domain.Topic, []domain.NetworkID) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := []domain.Topic{}
	networks := []domain.NetworkID{}
	sub, ok := r.subs[id]
	if !ok {
		return topics, networks
	}
	for t := range sub.topics {
		topics = append(topics, t)
	}
	for n := range sub.networks {
		networks = append(networks, n)
	}
	return topics, networks
}
