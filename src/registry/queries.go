package registry

import (
	"sort"
	"time"

	"github.com/orchestra-mcp/realtime/src/types"
)

// Client returns the live client for id.
func (r *Registry) Client(id string) (*Client, bool) {
	cs := &r.conns[shardFor(id)]
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.clients[id]
	return c, ok
}

// GetConnection returns the metadata of a live connection.
func (r *Registry) GetConnection(id string) (types.ConnectionInfo, bool) {
	c, ok := r.Client(id)
	if !ok {
		return types.ConnectionInfo{}, false
	}
	return c.Info(), true
}

// ClientsByUser returns the live clients of userID. Ids removed after the
// index was read are skipped.
func (r *Registry) ClientsByUser(userID string) []*Client {
	ids := r.connectionIDs(userID)
	clients := make([]*Client, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.Client(id); ok {
			clients = append(clients, c)
		}
	}
	return clients
}

// GetConnectionsByUserID returns the metadata of every live connection of userID.
func (r *Registry) GetConnectionsByUserID(userID string) []types.ConnectionInfo {
	clients := r.ClientsByUser(userID)
	infos := make([]types.ConnectionInfo, 0, len(clients))
	for _, c := range clients {
		infos = append(infos, c.Info())
	}
	sortInfos(infos)
	return infos
}

// AllClients returns every live client.
func (r *Registry) AllClients() []*Client {
	var clients []*Client
	for i := range r.conns {
		cs := &r.conns[i]
		cs.mu.RLock()
		for _, c := range cs.clients {
			clients = append(clients, c)
		}
		cs.mu.RUnlock()
	}
	return clients
}

// GetAllConnections returns the metadata of every live connection.
func (r *Registry) GetAllConnections() []types.ConnectionInfo {
	clients := r.AllClients()
	infos := make([]types.ConnectionInfo, 0, len(clients))
	for _, c := range clients {
		infos = append(infos, c.Info())
	}
	sortInfos(infos)
	return infos
}

// StaleSince returns ids of connections whose last heartbeat is before cutoff.
func (r *Registry) StaleSince(cutoff time.Time) []string {
	var ids []string
	for i := range r.conns {
		cs := &r.conns[i]
		cs.mu.RLock()
		for id, c := range cs.clients {
			if c.lastHeartbeat().Before(cutoff) {
				ids = append(ids, id)
			}
		}
		cs.mu.RUnlock()
	}
	return ids
}

// ConnectionCount returns the number of live connections.
func (r *Registry) ConnectionCount() int {
	return int(r.count.Load())
}

// UserCount returns the number of users with at least one live connection.
func (r *Registry) UserCount() int {
	n := 0
	for i := range r.users {
		us := &r.users[i]
		us.mu.RLock()
		n += len(us.users)
		us.mu.RUnlock()
	}
	return n
}

// IsOnline reports whether userID has a live connection.
func (r *Registry) IsOnline(userID string) bool {
	return len(r.connectionIDs(userID)) > 0
}

func sortInfos(infos []types.ConnectionInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ConnectionID < infos[j].ConnectionID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
}
