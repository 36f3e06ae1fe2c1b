package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/BTreeMap/ConvoPipe/internal/models"
)

// WebChatChannel is the channel name of messages received over the web chat socket.
const WebChatChannel = "webchat"

// ErrRecipientOffline is returned when no socket is open for the recipient.
var ErrRecipientOffline = errors.New("web chat recipient not connected")

const webChatWriteTimeout = 10 * time.Second

// webChatIncoming is a frame sent by the browser.
type webChatIncoming struct {
	ID   string `json:"id,omitempty"`
	Text string `json:"text"`
}

// webChatOutgoing is a frame sent to the browser.
type webChatOutgoing struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	ID        string `json:"id,omitempty"`
	Text      string `json:"text,omitempty"`
}

// webChatConn serializes writes on one socket.
type webChatConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *webChatConn) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(webChatWriteTimeout))
	return c.conn.WriteJSON(v)
}

// WebChatService implements Service over browser WebSockets. A visitor's
// address is the session_id query parameter, or a fresh id when absent.
type WebChatService struct {
	*events
	upgrader       websocket.Upgrader
	allowedOrigins map[string]bool

	mu    sync.RWMutex
	conns map[string]map[*webChatConn]struct{}
}

// NewWebChatService creates a WebChatService. An empty allowedOrigins list
// accepts any origin.
func NewWebChatService(allowedOrigins []string) *WebChatService {
	s := &WebChatService{
		events:         newEvents(WebChatChannel),
		allowedOrigins: make(map[string]bool),
		conns:          make(map[string]map[*webChatConn]struct{}),
	}
	for _, o := range allowedOrigins {
		s.allowedOrigins[o] = true
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *WebChatService) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return s.allowedOrigins[origin]
}

// Channel implements Service.
func (s *WebChatService) Channel() string { return WebChatChannel }

// ValidateAndCanonicalizeRecipient accepts any non-empty visitor id.
func (s *WebChatService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	return recipient, nil
}

// Start is a no-op; sockets are accepted by ServeHTTP.
func (s *WebChatService) Start(ctx context.Context) error {
	return nil
}

// Stop closes open sockets and the event channels.
func (s *WebChatService) Stop() error {
	s.mu.Lock()
	for _, set := range s.conns {
		for c := range set {
			_ = c.conn.Close()
		}
	}
	s.conns = make(map[string]map[*webChatConn]struct{})
	s.mu.Unlock()
	s.stop()
	return nil
}

// SendMessage writes a reply frame to every socket open for to.
func (s *WebChatService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	s.mu.RLock()
	targets := make([]*webChatConn, 0, len(s.conns[to]))
	for c := range s.conns[to] {
		targets = append(targets, c)
	}
	s.mu.RUnlock()
	if len(targets) == 0 {
		return "", ErrRecipientOffline
	}

	id := uuid.NewString()
	var sent int
	for _, c := range targets {
		if err := c.write(webChatOutgoing{Type: "reply", ID: id, Text: body}); err != nil {
			slog.Warn("WebChatService.SendMessage: write failed", "to", to, "error", err)
			continue
		}
		sent++
	}
	if sent == 0 {
		return "", fmt.Errorf("failed to write to any socket for %s", to)
	}
	s.emitReceipt(models.Receipt{To: to, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return id, nil
}

// Connections returns how many sockets are open for address.
func (s *WebChatService) Connections(address string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns[address])
}

// ServeHTTP upgrades the request and reads chat frames until the socket closes.
func (s *WebChatService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.isStopped() {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebChatService.ServeHTTP: upgrade failed", "error", err)
		return
	}

	address := r.URL.Query().Get("session_id")
	if address == "" {
		address = uuid.NewString()
	}
	c := &webChatConn{conn: ws}
	s.add(address, c)
	defer func() {
		s.remove(address, c)
		_ = ws.Close()
	}()

	if err := c.write(webChatOutgoing{Type: "connected", SessionID: address}); err != nil {
		slog.Warn("WebChatService.ServeHTTP: failed to send connected frame", "error", err)
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("WebChatService.ServeHTTP: socket closed unexpectedly", "address", address, "error", err)
			}
			return
		}

		var in webChatIncoming
		if err := json.Unmarshal(data, &in); err != nil {
			_ = c.write(webChatOutgoing{Type: "error", Text: "Invalid message format. Send JSON with a 'text' field."})
			continue
		}
		if strings.TrimSpace(in.Text) == "" {
			continue
		}
		if in.ID == "" {
			in.ID = uuid.NewString()
		}
		msg := models.InboundMessage{
			ID:        in.ID,
			Channel:   WebChatChannel,
			From:      address,
			Text:      in.Text,
			Timestamp: time.Now().UTC(),
		}
		if !s.emitInbound(msg) {
			_ = c.write(webChatOutgoing{Type: "error", Text: "Sorry, I'm having trouble processing your message. Please try again."})
		}
	}
}

func (s *WebChatService) add(address string, c *webChatConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.conns[address]
	if !ok {
		set = make(map[*webChatConn]struct{})
		s.conns[address] = set
	}
	set[c] = struct{}{}
}

func (s *WebChatService) remove(address string, c *webChatConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.conns[address]
	delete(set, c)
	if len(set) == 0 {
		delete(s.conns, address)
	}
}

var _ Service = (*WebChatService)(nil)
