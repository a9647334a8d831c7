// ABOUTME: Session manager owning protocol connections, reconnect backoff, and inbound sync
// ABOUTME: One session per agent/session pair, each driven by its own event loop goroutine

package whatsapp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/chatforge/relay/internal/dedupe"
	"github.com/chatforge/relay/internal/pipeline"
	"github.com/chatforge/relay/internal/store"
)

// ErrSessionNotFound is returned for operations on an unknown session.
var ErrSessionNotFound = errors.New("whatsapp: session not found")

// Session states.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusQRReady      Status = "qr_ready"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// SessionInfo is the externally visible state of one session.
type SessionInfo struct {
	Status   Status `json:"status"`
	NeedsQR  bool   `json:"needsQR"`
	Identity string `json:"identity,omitempty"` // own phone number when connected
}

// Enqueuer hands inbound contact messages to the processing pipeline.
type Enqueuer interface {
	EnqueueMessage(ctx context.Context, req pipeline.EnqueueRequest) (*pipeline.EnqueueReceipt, error)
}

// Pusher forwards self-sent messages to live dashboard connections.
type Pusher interface {
	BroadcastToAgentOrConversation(agentID, conversationID string, payload any) int
}

// Config tunes the reconnect behavior and credential storage.
type Config struct {
	AuthDir       string        // root directory for per-session credentials
	InitialDelay  time.Duration // first reconnect delay
	MaxDelay      time.Duration // backoff ceiling
	MaxAttempts   int           // consecutive failures before giving up
	dialTimeout   time.Duration
	startDeadline time.Duration
}

func (c *Config) applyDefaults() {
	if c.AuthDir == "" {
		c.AuthDir = "whatsapp-auth"
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 3 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.dialTimeout <= 0 {
		c.dialTimeout = 20 * time.Second
	}
	if c.startDeadline <= 0 {
		c.startDeadline = 30 * time.Second
	}
}

const (
	dedupeTTL     = 5 * time.Minute
	dedupeMaxSize = 10000
	opTimeout     = 30 * time.Second

	// hiddenContactName is stored when the network withholds the phone
	// number and no push name arrived.
	hiddenContactName = "hidden"
)

type session struct {
	key       string
	agentID   string
	sessionID string

	socket   Socket
	status   Status
	qrCode   string // data URL, set while pairing
	ownJID   string
	attempts int
	timer    *time.Timer

	// firstSignal delivers the first QR or open outcome to a waiting Start
	// call. Buffered; writes never block.
	firstSignal chan string
}

// Manager owns every live session. The session map is the process-wide
// singleton the router's sender and the HTTP surface both observe.
type Manager struct {
	dialer Dialer
	store  store.Store
	enq    Enqueuer
	push   Pusher
	seen   *dedupe.Cache
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// NewManager creates the session manager.
func NewManager(dialer Dialer, st store.Store, enq Enqueuer, push Pusher, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		dialer:   dialer,
		store:    st,
		enq:      enq,
		push:     push,
		seen:     dedupe.New(dedupeTTL, dedupeMaxSize),
		cfg:      cfg,
		sessions: make(map[string]*session),
		logger:   slog.Default().With("component", "whatsapp"),
	}
}

func sessionKey(agentID, sessionID string) string {
	return strings.TrimSpace(agentID) + "_" + strings.TrimSpace(sessionID)
}

// Start connects (or reconnects) a session and waits for the first pairing
// outcome. Returns the QR code as a PNG data URL when pairing is needed, or
// "" when stored credentials let the session open directly. Any pending
// reconnect timer for the session is cancelled.
func (m *Manager) Start(ctx context.Context, agentID, sessionID string) (string, error) {
	key := sessionKey(agentID, sessionID)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", errors.New("whatsapp: manager closed")
	}
	if existing, ok := m.sessions[key]; ok {
		if existing.timer != nil {
			existing.timer.Stop()
			existing.timer = nil
		}
		if existing.status == StatusConnected {
			m.mu.Unlock()
			return "", nil
		}
		// Replace a half-dead session with a fresh connection.
		if existing.socket != nil {
			existing.socket.Close()
		}
	}
	s := &session{
		key:         key,
		agentID:     agentID,
		sessionID:   sessionID,
		status:      StatusConnecting,
		firstSignal: make(chan string, 1),
	}
	m.sessions[key] = s
	m.mu.Unlock()

	m.logger.Info("starting session", "session", key)
	go m.connect(s)

	select {
	case qr := <-s.firstSignal:
		return qr, nil
	case <-time.After(m.cfg.startDeadline):
		return "", fmt.Errorf("session %s: no pairing response within %s", key, m.cfg.startDeadline)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// connect dials a socket for the session and hands it to the event loop.
// Dial failures count as connection attempts and feed the backoff.
func (m *Manager) connect(s *session) {
	dialCtx, cancel := context.WithTimeout(context.Background(), m.cfg.dialTimeout)
	sock, err := m.dialer.Dial(dialCtx, m.authDir(s.key))
	cancel()
	if err != nil {
		m.logger.Error("dial failed", "session", s.key, "error", err)
		m.scheduleReconnect(s)
		return
	}

	m.mu.Lock()
	if m.sessions[s.key] != s {
		// Session was replaced or cleared while dialing.
		m.mu.Unlock()
		sock.Close()
		return
	}
	s.socket = sock
	m.mu.Unlock()

	m.eventLoop(s, sock)
}

// eventLoop consumes the socket's typed events until it closes.
func (m *Manager) eventLoop(s *session, sock Socket) {
	for ev := range sock.Events() {
		switch e := ev.(type) {
		case QREvent:
			m.handleQR(s, e)
		case OpenEvent:
			m.handleOpen(s, e)
		case CloseEvent:
			m.handleClose(s, e)
		case MessageEvent:
			m.handleMessage(s, sock, e)
		}
	}
}

func (m *Manager) handleQR(s *session, e QREvent) {
	dataURL, err := qrDataURL(e.Code)
	if err != nil {
		m.logger.Error("encoding QR code", "session", s.key, "error", err)
		return
	}

	m.mu.Lock()
	s.status = StatusQRReady
	s.qrCode = dataURL
	m.mu.Unlock()

	m.signalStart(s, dataURL)
	m.logger.Info("QR code ready", "session", s.key)
}

func (m *Manager) handleOpen(s *session, e OpenEvent) {
	m.mu.Lock()
	s.status = StatusConnected
	s.ownJID = e.OwnJID
	s.qrCode = ""
	s.attempts = 0
	m.mu.Unlock()

	m.signalStart(s, "")
	m.logger.Info("session connected", "session", s.key, "jid", e.OwnJID)
}

// handleClose applies the close-reason policy: restart immediately, end the
// session, wipe poisoned credentials, or back off and retry.
func (m *Manager) handleClose(s *session, e CloseEvent) {
	m.logger.Warn("session closed",
		"session", s.key,
		"reason", e.Reason,
		"error", e.Err,
	)

	switch PolicyFor(e.Reason) {
	case PolicyRestart:
		// The server asked for a reopen as part of normal pairing flow;
		// reconnect immediately without touching the backoff counter.
		m.mu.Lock()
		alive := m.sessions[s.key] == s && !m.closed
		if alive {
			s.status = StatusConnecting
			s.socket = nil
		}
		m.mu.Unlock()
		if alive {
			go m.connect(s)
		}
	case PolicyTerminal:
		m.logger.Info("session ended, re-pairing required", "session", s.key, "reason", e.Reason)
		m.clearSession(s)
	case PolicyWipeCredentials:
		m.logger.Warn("session credentials corrupt, wiping", "session", s.key)
		if m.clearSession(s) {
			m.wipeAuth(s.key)
		}
	case PolicyReconnect:
		m.scheduleReconnect(s)
	}
}

// scheduleReconnect arms the session's single reconnect timer with
// exponential backoff and jitter. After MaxAttempts consecutive failures the
// session is cleared instead. Only the session that still owns its key may
// schedule: a late failure from a replaced session must not disturb the
// replacement or open a second connection for the same key.
func (m *Manager) scheduleReconnect(s *session) {
	m.mu.Lock()
	if m.sessions[s.key] != s || m.closed {
		m.mu.Unlock()
		return
	}

	if s.attempts >= m.cfg.MaxAttempts {
		attempts := s.attempts
		m.mu.Unlock()
		m.logger.Error("giving up on session after repeated failures",
			"session", s.key,
			"attempts", attempts,
		)
		m.clearSession(s)
		return
	}

	delay := min(m.cfg.MaxDelay, m.cfg.InitialDelay<<s.attempts)
	delay += time.Duration(rand.Float64() * 0.3 * float64(delay))
	s.attempts++
	s.status = StatusReconnecting
	s.socket = nil

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		live := m.sessions[s.key] == s && !m.closed
		if live {
			s.timer = nil
			s.status = StatusConnecting
		}
		m.mu.Unlock()
		if live {
			m.connect(s)
		}
	})
	attempt := s.attempts
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled",
		"session", s.key,
		"attempt", attempt,
		"delay", delay.Round(time.Millisecond),
	)
}

// signalStart wakes a Start call waiting on the first pairing outcome.
func (m *Manager) signalStart(s *session, qr string) {
	select {
	case s.firstSignal <- qr:
	default:
	}
}

// GetStatus reports a session's state. An exact agent/session match is
// preferred; failing that any session for the agent answers, so status pages
// keep working when the caller only knows the agent id.
func (m *Manager) GetStatus(agentID, sessionID string) (*SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionKey(agentID, sessionID)]
	if !ok {
		for _, cand := range m.sessions {
			if cand.agentID == agentID {
				s, ok = cand, true
				break
			}
		}
	}
	if !ok {
		return &SessionInfo{Status: StatusDisconnected, NeedsQR: true}, nil
	}

	info := &SessionInfo{
		Status:  s.status,
		NeedsQR: s.status == StatusQRReady || s.status == StatusDisconnected,
	}
	if s.status == StatusConnected {
		info.Identity = PhoneFromJID(s.ownJID)
	}
	return info, nil
}

// QRCode returns the pending pairing code as a PNG data URL, or "" when the
// session is not waiting to pair.
func (m *Manager) QRCode(agentID, sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionKey(agentID, sessionID)]; ok {
		return s.qrCode
	}
	return ""
}

// SendMessage sends text to a contact through a specific session.
func (m *Manager) SendMessage(ctx context.Context, agentID, sessionID, to, text string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionKey(agentID, sessionID)]
	var sock Socket
	if ok {
		sock = s.socket
	}
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	if sock == nil {
		return ErrNotConnected
	}
	return sock.SendText(ctx, ToJID(to), text)
}

// SendText sends through whichever of the agent's sessions is connected.
// This is the delivery handler's entry point.
func (m *Manager) SendText(ctx context.Context, agentID, to, text string) error {
	m.mu.Lock()
	var sock Socket
	for _, s := range m.sessions {
		if s.agentID == agentID && s.status == StatusConnected && s.socket != nil {
			sock = s.socket
			break
		}
	}
	m.mu.Unlock()

	if sock == nil {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotConnected)
	}
	return sock.SendText(ctx, ToJID(to), text)
}

// Disconnect logs the session out, wipes its credentials, and forgets it.
func (m *Manager) Disconnect(ctx context.Context, agentID, sessionID string) error {
	key := sessionKey(agentID, sessionID)

	m.mu.Lock()
	s, ok := m.sessions[key]
	var sock Socket
	if ok {
		sock = s.socket
	}
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	if sock != nil {
		if err := sock.Logout(ctx); err != nil {
			m.logger.Warn("logout failed, closing anyway", "session", key, "error", err)
		}
	}
	m.clearSession(s)
	m.wipeAuth(key)
	m.logger.Info("session disconnected", "session", key)
	return nil
}

// Close tears down every session without logging out, preserving credentials
// for the next start.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for _, s := range sessions {
		if s.timer != nil {
			s.timer.Stop()
		}
		if s.socket != nil {
			s.socket.Close()
		}
	}
}

// clearSession releases the session's resources and, when it still owns its
// key, removes it from the map. Reports whether the key was removed; a
// replaced session only cleans up after itself.
func (m *Manager) clearSession(s *session) bool {
	m.mu.Lock()
	owned := m.sessions[s.key] == s
	if owned {
		delete(m.sessions, s.key)
	}
	timer, sock := s.timer, s.socket
	s.timer, s.socket = nil, nil
	m.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if sock != nil {
		sock.Close()
	}
	return owned
}

func (m *Manager) authDir(key string) string {
	return filepath.Join(m.cfg.AuthDir, key)
}

func (m *Manager) wipeAuth(key string) {
	if err := os.RemoveAll(m.authDir(key)); err != nil {
		m.logger.Error("wiping credentials failed", "session", key, "error", err)
	}
}

func qrDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("encoding QR: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
