// ABOUTME: WebSocket bridge implementation of the protocol Socket
// ABOUTME: Translates the bridge's JSON frames into typed connection events

package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	bridgeWriteTimeout = 10 * time.Second
	bridgeEventBuffer  = 128
)

// BridgeDialer connects to an external protocol bridge over WebSocket. The
// bridge owns the low-level protocol work; we exchange JSON frames with it.
type BridgeDialer struct {
	URL    string
	Logger *slog.Logger
}

// Dial opens a bridge connection bound to the given credential directory.
func (d *BridgeDialer) Dial(ctx context.Context, authDir string) (Socket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing bridge at %s: %w", d.URL, err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &bridgeSocket{
		conn:   conn,
		events: make(chan Event, bridgeEventBuffer),
		logger: logger.With("component", "whatsapp-bridge"),
	}

	if err := s.writeFrame(bridgeFrame{Type: "init", AuthDir: authDir}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending init frame: %w", err)
	}

	go s.readLoop()
	return s, nil
}

// bridgeFrame is the JSON envelope both directions use on the wire.
type bridgeFrame struct {
	Type     string `json:"type"`
	AuthDir  string `json:"authDir,omitempty"`
	Code     string `json:"code,omitempty"`
	JID      string `json:"jid,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
	To       string `json:"to,omitempty"`
	Text     string `json:"text,omitempty"`
	ID       string `json:"id,omitempty"`
	ChatJID  string `json:"chatJid,omitempty"`
	AltJID   string `json:"altJid,omitempty"`
	PushName string `json:"pushName,omitempty"`
	FromMe   bool   `json:"fromMe,omitempty"`
	LID      string `json:"lid,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

type bridgeSocket struct {
	conn   *websocket.Conn
	events chan Event
	logger *slog.Logger

	writeMu sync.Mutex

	mu     sync.RWMutex
	ownJID string
	open   bool
	lidMap map[string]string
	closed bool
}

func (s *bridgeSocket) Events() <-chan Event {
	return s.events
}

func (s *bridgeSocket) OwnJID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ownJID
}

func (s *bridgeSocket) PhoneForLID(lid string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lidMap[lid]
}

func (s *bridgeSocket) SendText(ctx context.Context, toJID, text string) error {
	s.mu.RLock()
	open := s.open
	s.mu.RUnlock()
	if !open {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.writeFrame(bridgeFrame{Type: "send", To: toJID, Text: text})
}

func (s *bridgeSocket) Logout(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.writeFrame(bridgeFrame{Type: "logout"})
}

func (s *bridgeSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *bridgeSocket) writeFrame(f bridgeFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling bridge frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(bridgeWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop translates bridge frames into events until the connection dies.
// The final event is always a CloseEvent, then the channel closes.
func (s *bridgeSocket) readLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			wasClosed := s.closed
			s.open = false
			s.closed = true
			s.mu.Unlock()
			if !wasClosed {
				s.conn.Close()
				s.events <- CloseEvent{Reason: ReasonConnectionLost, Err: err}
			}
			return
		}

		var f bridgeFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("dropping malformed bridge frame", "error", err)
			continue
		}

		switch f.Type {
		case "qr":
			s.emit(QREvent{Code: f.Code})
		case "open":
			s.mu.Lock()
			s.ownJID = f.JID
			s.open = true
			s.mu.Unlock()
			s.emit(OpenEvent{OwnJID: f.JID})
		case "close":
			s.mu.Lock()
			s.open = false
			s.closed = true
			s.mu.Unlock()
			s.conn.Close()
			var cause error
			if f.Error != "" {
				cause = fmt.Errorf("bridge: %s", f.Error)
			}
			s.events <- CloseEvent{Reason: CloseReason(f.Reason), Err: cause}
			return
		case "message":
			s.emit(MessageEvent{
				ID:       f.ID,
				ChatJID:  f.ChatJID,
				AltJID:   f.AltJID,
				PushName: f.PushName,
				Text:     f.Text,
				FromMe:   f.FromMe,
			})
		case "lidMapping":
			s.mu.Lock()
			if s.lidMap == nil {
				s.lidMap = make(map[string]string)
			}
			s.lidMap[f.LID] = f.Phone
			s.mu.Unlock()
		default:
			s.logger.Debug("ignoring bridge frame", "type", f.Type)
		}
	}
}

// emit drops events when the consumer falls far behind rather than wedging
// the read loop; a wedged read loop stalls keepalives and kills the socket.
func (s *bridgeSocket) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("dropping bridge event, consumer too slow")
	}
}
