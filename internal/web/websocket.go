package web

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/synergos-io/synergos/internal/envelope"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one entry on the WebSocket feed, mirroring the events channel.
type Event struct {
	Type    string           `json:"type"`
	Payload envelope.Payload `json:"payload"`
}

// feed fans events out to the connected WebSocket clients. Every client
// owns a buffered channel drained by its handler goroutine; a slow client
// loses events instead of stalling the publisher.
type feed struct {
	mu      sync.Mutex
	clients map[chan Event]struct{}
}

func newFeed() *feed {
	return &feed{clients: make(map[chan Event]struct{})}
}

// Publish hands the event to every attached client, dropping it for
// clients whose buffers are full.
func (f *feed) Publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (f *feed) attach() (ch chan Event, detach func()) {
	ch = make(chan Event, 64)
	f.mu.Lock()
	f.clients[ch] = struct{}{}
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		delete(f.clients, ch)
		f.mu.Unlock()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, detach := s.feed.attach()
	defer detach()

	// The feed is one-way; reading only notices the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev := <-ch:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
