// Package discovery tracks swarm membership for a single topic (a
// network key): known peer addresses, their liveness, and join/leave
// notifications. It does not perform its own peer discovery over the
// network — addresses are seeded externally (a bootstrap list, a rendezvous
// service) and announced into the swarm with Announce — but it owns the
// liveness bookkeeping a real DHT-backed swarm would otherwise hide behind
// its own API.
package discovery

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"syncmesh/pkg/types"
)

// Status is a peer's last-known liveness.
type Status int

const (
	StatusAlive Status = iota
	StatusSuspected
	StatusDead
)

// Member is one peer's state within a topic's swarm.
type Member struct {
	ID       types.PeerID
	Address  string
	LastSeen time.Time
	Status   Status
}

// Swarm tracks membership for one network key (topic). Peers are added via
// Announce and aged out by a background failure detector once they stop
// heartbeating.
type Swarm struct {
	topic  types.NetworkKey
	logger *zap.Logger

	mu      sync.RWMutex
	members map[types.PeerID]*Member

	suspectTimeout time.Duration
	deadTimeout    time.Duration

	onJoin  func(Member)
	onLeave func(types.PeerID)

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSwarm creates a Swarm for topic. suspectTimeout/deadTimeout govern the
// failure detector: a member not heard from in suspectTimeout is marked
// suspected, and in deadTimeout is dropped and reported via onLeave.
func NewSwarm(topic types.NetworkKey, logger *zap.Logger, suspectTimeout, deadTimeout time.Duration) *Swarm {
	return &Swarm{
		topic:          topic,
		logger:         logger,
		members:        make(map[types.PeerID]*Member),
		suspectTimeout: suspectTimeout,
		deadTimeout:    deadTimeout,
		stopCh:         make(chan struct{}),
	}
}

// OnJoin registers the callback fired when a new peer is announced.
func (s *Swarm) OnJoin(f func(Member)) { s.onJoin = f }

// OnLeave registers the callback fired when a peer is dropped as dead.
func (s *Swarm) OnLeave(f func(types.PeerID)) { s.onLeave = f }

// Start begins the background failure-detector loop.
func (s *Swarm) Start() {
	go s.failureDetectorLoop()
}

// Stop halts the failure detector. Safe to call more than once.
func (s *Swarm) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Announce records id as reachable at addr, or refreshes its LastSeen and
// clears any suspected/dead status if already known. Fires onJoin exactly
// once, the first time id is seen.
func (s *Swarm) Announce(id types.PeerID, addr string) {
	s.mu.Lock()
	m, existed := s.members[id]
	if !existed {
		m = &Member{ID: id, Address: addr, LastSeen: time.Now(), Status: StatusAlive}
		s.members[id] = m
	} else {
		m.Address = addr
		m.LastSeen = time.Now()
		m.Status = StatusAlive
	}
	s.mu.Unlock()

	if !existed && s.onJoin != nil {
		s.onJoin(*m)
	}
}

// Heartbeat refreshes id's LastSeen without changing its address. Unknown
// peers are ignored: heartbeats only extend membership, they don't create it.
func (s *Swarm) Heartbeat(id types.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.members[id]; ok {
		m.LastSeen = time.Now()
		m.Status = StatusAlive
	}
}

// Leave immediately removes id and fires onLeave.
func (s *Swarm) Leave(id types.PeerID) {
	s.mu.Lock()
	_, ok := s.members[id]
	delete(s.members, id)
	s.mu.Unlock()

	if ok && s.onLeave != nil {
		s.onLeave(id)
	}
}

// Members returns a snapshot of every currently tracked peer, alive or not.
func (s *Swarm) Members() []Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, *m)
	}
	return out
}

// AlivePeers returns every member currently marked alive.
func (s *Swarm) AlivePeers() []Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Member
	for _, m := range s.members {
		if m.Status == StatusAlive {
			out = append(out, *m)
		}
	}
	return out
}

// RandomAlivePeers picks up to n distinct alive peers, for fanout-style
// rendezvous re-announcement.
func (s *Swarm) RandomAlivePeers(n int) []Member {
	alive := s.AlivePeers()
	rand.Shuffle(len(alive), func(i, j int) { alive[i], alive[j] = alive[j], alive[i] })
	if n > len(alive) {
		n = len(alive)
	}
	return alive[:n]
}

func (s *Swarm) failureDetectorLoop() {
	ticker := time.NewTicker(s.suspectTimeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.detectFailures()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Swarm) detectFailures() {
	now := time.Now()

	s.mu.Lock()
	var departed []types.PeerID
	for id, m := range s.members {
		elapsed := now.Sub(m.LastSeen)
		switch {
		case elapsed > s.deadTimeout:
			delete(s.members, id)
			departed = append(departed, id)
		case elapsed > s.suspectTimeout:
			if m.Status == StatusAlive {
				m.Status = StatusSuspected
				if s.logger != nil {
					s.logger.Warn("peer suspected", zap.String("peer", string(id)), zap.String("topic", string(s.topic)))
				}
			}
		}
	}
	s.mu.Unlock()

	for _, id := range departed {
		if s.logger != nil {
			s.logger.Info("peer declared dead", zap.String("peer", string(id)), zap.String("topic", string(s.topic)))
		}
		if s.onLeave != nil {
			s.onLeave(id)
		}
	}
}
