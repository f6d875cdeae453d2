package realtime

import (
	"encoding/json"
	"sync"

	"github.com/binwatch/binwatch/pkg/log"
)

// Conn is the send surface the registry needs from a live socket. The
// gateway's connection wrapper implements it; tests substitute fakes.
type Conn interface {
	// Send writes one text frame. An error marks the connection dead.
	Send(data []byte) error
	Close() error
}

// Registry tracks which users have live connections and delivers frames to
// them. A user may hold several connections at once (multiple devices); a
// send failure on one connection prunes only that connection.
type Registry struct {
	mu     sync.Mutex
	conns  map[string][]Conn
	logger *log.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string][]Conn),
		logger: log.ForComponent("registry"),
	}
}

// Add registers a connection under userID. Adding a handle that is already
// registered for the user is a no-op.
func (r *Registry) Add(userID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.conns[userID] {
		if existing == c {
			r.logger.Debugf("connection already registered for user %s", userID)
			return
		}
	}
	r.conns[userID] = append(r.conns[userID], c)
	r.logger.Debugf("added connection for user %s (total: %d)", userID, len(r.conns[userID]))
}

// Remove deregisters a connection. Removing a connection that was never added
// (or was already pruned) is a no-op. The last connection of a user removes
// the user entirely.
func (r *Registry) Remove(userID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(userID, c)
}

func (r *Registry) removeLocked(userID string, c Conn) {
	list, ok := r.conns[userID]
	if !ok {
		return
	}
	for i, existing := range list {
		if existing == c {
			r.conns[userID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.conns[userID]) == 0 {
		delete(r.conns, userID)
	}
}

// Send delivers a frame to every connection of userID and returns how many
// connections received it. A user with no connections is a no-op. Connections
// that fail to send are closed and pruned.
func (r *Registry) Send(userID string, frame Frame) int {
	data, err := json.Marshal(frame)
	if err != nil {
		r.logger.Errorf("marshaling %s frame for user %s: %v", frame.Type, userID, err)
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list, ok := r.conns[userID]
	if !ok {
		return 0
	}

	var dead []Conn
	sent := 0
	for _, c := range list {
		if err := c.Send(data); err != nil {
			r.logger.Warnf("send to user %s failed, pruning connection: %v", userID, err)
			dead = append(dead, c)
			continue
		}
		sent++
	}
	for _, c := range dead {
		c.Close()
		r.removeLocked(userID, c)
	}
	return sent
}

// CountUsers returns the number of users with at least one live connection.
func (r *Registry) CountUsers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CountConnections returns the total number of live connections.
func (r *Registry) CountConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, list := range r.conns {
		total += len(list)
	}
	return total
}
