package client

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// SessionConfig describes one chat room session.
type SessionConfig struct {
	// BaseURL is the websocket origin, e.g. "wss://api.example.com".
	BaseURL string
	RoomID  string
	// Token is the opaque bearer credential passed to the chat endpoint.
	// Issuing and refreshing it belongs to the auth layer, not here.
	Token    string
	UserID   string
	Username string

	// OnChange runs after every state mutation so the caller can re-render.
	OnChange     func()
	OnConnect    func()
	OnDisconnect func(code int)
	OnError      func(err error)

	// Retry tuning, forwarded to the connection. Zero means defaults.
	MaxReconnectAttempts int
	BaseRetryDelay       time.Duration
	MaxRetryDelay        time.Duration
	DialTimeout          time.Duration
}

// Session is the chat contract consumed by the presentation layer: send,
// typing, and read operations on one side, observable message/typing/status
// state on the other.
//
// A session connects on construction and must be closed by whoever created
// it; Close is idempotent and runs the full teardown (socket close, pending
// reconnect cancellation, store reset) on every path.
type Session struct {
	roomID   string
	userID   string
	username string
	store    *Store
	conn     *Conn
	now      func() time.Time
}

// NewSession opens a session for one room and starts connecting.
func NewSession(cfg SessionConfig) (*Session, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("base url is required")
	}
	if strings.TrimSpace(cfg.RoomID) == "" {
		return nil, errors.New("room id is required")
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, errors.New("user id is required")
	}

	store := NewStore()
	store.onChange = cfg.OnChange

	endpoint := fmt.Sprintf("%s/ws/chat/%s/?token=%s",
		strings.TrimRight(cfg.BaseURL, "/"),
		url.PathEscape(cfg.RoomID),
		url.QueryEscape(cfg.Token),
	)
	conn, err := NewConn(ConnConfig{
		URL:                  endpoint,
		Store:                store,
		OnConnect:            cfg.OnConnect,
		OnDisconnect:         cfg.OnDisconnect,
		OnError:              cfg.OnError,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		BaseRetryDelay:       cfg.BaseRetryDelay,
		MaxRetryDelay:        cfg.MaxRetryDelay,
		DialTimeout:          cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("build chat connection: %w", err)
	}

	s := &Session{
		roomID:   cfg.RoomID,
		userID:   cfg.UserID,
		username: cfg.Username,
		store:    store,
		conn:     conn,
		now:      time.Now,
	}
	conn.Connect()
	return s, nil
}

// SendMessage inserts an optimistic pending message and transmits it.
// Whitespace-only content is a no-op. If the transport is down the frame is
// dropped and the message stays pending; there is no automatic resend.
func (s *Session) SendMessage(content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}

	now := s.now().UTC()
	s.store.AddMessage(Message{
		ID:         tempMessageID(now),
		RoomID:     s.roomID,
		SenderID:   s.userID,
		SenderName: s.username,
		Content:    content,
		CreatedAt:  now.Format(time.RFC3339),
		Pending:    true,
	})

	data, err := EncodeMessage(content)
	if err != nil {
		return
	}
	s.conn.Send(data)
}

// tempMessageID builds the temporary id an optimistic send carries until the
// server-confirmed copy replaces it.
func tempMessageID(now time.Time) string {
	return fmt.Sprintf("temp-%d", now.UnixMilli())
}

// SendTyping transmits a typing indicator. Debouncing repeated calls is the
// caller's responsibility.
func (s *Session) SendTyping(isTyping bool) {
	data, err := EncodeTyping(isTyping)
	if err != nil {
		return
	}
	s.conn.Send(data)
}

// MarkAsRead transmits a read receipt for one message.
func (s *Session) MarkAsRead(messageID string) {
	if messageID == "" {
		return
	}
	data, err := EncodeRead(messageID)
	if err != nil {
		return
	}
	s.conn.Send(data)
}

// MarkAsReadBatch transmits a read receipt for several messages. An empty
// batch makes no network call.
func (s *Session) MarkAsReadBatch(messageIDs []string) {
	if len(messageIDs) == 0 {
		return
	}
	data, err := EncodeReadBatch(messageIDs)
	if err != nil {
		return
	}
	s.conn.Send(data)
}

// Reconnect re-runs Connect regardless of the backoff state. Used by UIs
// after the automatic retry budget is exhausted.
func (s *Session) Reconnect() {
	s.conn.Connect()
}

// Disconnect tears the session down and resets its state.
func (s *Session) Disconnect() {
	s.conn.Disconnect()
}

// Close is Disconnect under the name defer-minded callers expect.
func (s *Session) Close() {
	s.Disconnect()
}

// Messages returns the current message log.
func (s *Session) Messages() []Message {
	return s.store.Messages()
}

// TypingUsers returns who is typing right now.
func (s *Session) TypingUsers() []TypingUser {
	return s.store.TypingUsers()
}

// Status returns the connection state.
func (s *Session) Status() Status {
	return s.store.Status()
}

// LastError returns the most recent transport error message.
func (s *Session) LastError() string {
	return s.store.LastError()
}
