package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/observability"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// Envelope is the frame written to subscribed sockets.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// WSSession is one connected socket subscribed to a channel.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(env)
}

// WSRegistry holds sockets by channel. A channel may have several sessions,
// for example a driver logged in on two devices.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[*WSSession]struct{}
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]map[*WSSession]struct{})}
}

func (r *WSRegistry) Add(channel string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[channel]
	if !ok {
		set = make(map[*WSSession]struct{})
		r.sessions[channel] = set
	}
	set[s] = struct{}{}
	observability.WSSessions.Inc()
	return s
}

func (r *WSRegistry) Remove(channel string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[channel]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	observability.WSSessions.Dec()
	if len(set) == 0 {
		delete(r.sessions, channel)
	}
}

func (r *WSRegistry) Count(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[channel])
}

// Notify writes the event to every session on channel. It returns
// ErrNoSession when nobody is subscribed.
func (r *WSRegistry) Notify(_ context.Context, channel, event string, payload any) error {
	r.mu.RLock()
	targets := make([]*WSSession, 0, len(r.sessions[channel]))
	for s := range r.sessions[channel] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	if len(targets) == 0 {
		return ErrNoSession
	}
	var errs []error
	for _, s := range targets {
		if err := s.Send(Envelope{Event: event, Payload: payload}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
