package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/dispatch-core/internal/models"
)

var ErrNoSession = errors.New("no websocket session")

// wsSession serializes writes to one connection.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSNotifier delivers offers and events over connected websocket sessions,
// with an optional HTTP push endpoint as fallback for parties that are not
// connected.
type WSNotifier struct {
	mu       sync.RWMutex
	drivers  map[string]*wsSession
	clients  map[string]*wsSession
	fallback string // push endpoint, "" disables
	client   *http.Client
}

func NewWSNotifier(fallbackEndpoint string) *WSNotifier {
	return &WSNotifier{
		drivers:  make(map[string]*wsSession),
		clients:  make(map[string]*wsSession),
		fallback: fallbackEndpoint,
		client:   &http.Client{Timeout: 3 * time.Second},
	}
}

func (n *WSNotifier) AddDriver(driverID string, conn *websocket.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drivers[driverID] = &wsSession{conn: conn}
}

func (n *WSNotifier) AddClient(clientID string, conn *websocket.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clients[clientID] = &wsSession{conn: conn}
}

func (n *WSNotifier) RemoveDriver(driverID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.drivers, driverID)
}

func (n *WSNotifier) RemoveClient(clientID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.clients, clientID)
}

func (n *WSNotifier) NotifyDriver(ctx context.Context, driverID string, offer models.TripOffer) error {
	n.mu.RLock()
	s, ok := n.drivers[driverID]
	n.mu.RUnlock()
	if ok {
		if err := s.send(offer); err == nil {
			return nil
		}
	}
	return n.push(ctx, map[string]any{"driver_id": driverID, "offer": offer})
}

func (n *WSNotifier) NotifyClient(ctx context.Context, clientID string, event models.ClientEvent) error {
	n.mu.RLock()
	s, ok := n.clients[clientID]
	n.mu.RUnlock()
	if ok {
		if err := s.send(event); err == nil {
			return nil
		}
	}
	return n.push(ctx, map[string]any{"client_id": clientID, "event": event})
}

func (n *WSNotifier) push(ctx context.Context, payload map[string]any) error {
	if n.fallback == "" {
		return ErrNoSession
	}
	b, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.fallback, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}
