package lib

import (
	"net/netip"
	"sync"
)

// ConnectionTable maps each Quad to its connection. Entries are created by
// Accept and removed once the connection is CLOSED.
type ConnectionTable struct {
	mu            sync.RWMutex
	connectionMap map[Quad]*Connection
}

func NewConnectionTable() *ConnectionTable {
	return &ConnectionTable{connectionMap: make(map[Quad]*Connection)}
}

// Insert adds c under q. It reports false, leaving the table unchanged, if q
// is already present.
func (t *ConnectionTable) Insert(q Quad, c *Connection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.connectionMap[q]; ok {
		return false
	}
	t.connectionMap[q] = c
	return true
}

func (t *ConnectionTable) Lookup(q Quad) (*Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.connectionMap[q]
	return c, ok
}

func (t *ConnectionTable) Remove(q Quad) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.connectionMap, q)
}

func (t *ConnectionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.connectionMap)
}

// Snapshot returns the current connections in no particular order.
func (t *ConnectionTable) Snapshot() []*Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conns := make([]*Connection, 0, len(t.connectionMap))
	for _, c := range t.connectionMap {
		conns = append(conns, c)
	}
	return conns
}

// Service decides which destinations accept new connections: a zero Addr
// matches any address, an empty port set matches any port.
type Service struct {
	Addr  netip.Addr
	ports map[uint16]struct{}
}

func NewService(addr netip.Addr, ports []uint16) *Service {
	s := &Service{Addr: addr, ports: make(map[uint16]struct{}, len(ports))}
	for _, p := range ports {
		s.ports[p] = struct{}{}
	}
	return s
}

func (s *Service) Listening(e Endpoint) bool {
	if s.Addr.IsValid() && s.Addr != e.Addr {
		return false
	}
	if len(s.ports) == 0 {
		return true
	}
	_, ok := s.ports[e.Port]
	return ok
}
