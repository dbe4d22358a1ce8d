package chat

import "sync"

// Presence maps live connection ids to user ids. An entry lives exactly as
// long as its connection.
type Presence struct {
	mu     sync.RWMutex
	conns  map[string]string // conn id -> user id
	counts map[string]int    // user id -> live connections
}

func NewPresence() *Presence {
	return &Presence{
		conns:  make(map[string]string),
		counts: make(map[string]int),
	}
}

func (p *Presence) Add(connID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.conns[connID]; ok {
		return
	}
	p.conns[connID] = userID
	p.counts[userID]++
}

// Remove drops connID and reports whether it was the user's last connection.
func (p *Presence) Remove(connID string) (userID string, last bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	userID, ok := p.conns[connID]
	if !ok {
		return "", false
	}
	delete(p.conns, connID)
	p.counts[userID]--
	if p.counts[userID] <= 0 {
		delete(p.counts, userID)
		return userID, true
	}
	return userID, false
}

// Len is the number of live connections.
func (p *Presence) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}
