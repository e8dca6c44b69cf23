package client

import (
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DmitryDubovikov/tutors-marketplace/internal/platform/timeouts"
)

const (
	defaultMaxReconnectAttempts = 5
	defaultBaseRetryDelay       = time.Second
	defaultMaxRetryDelay        = 30 * time.Second
)

// ConnConfig wires a connection to its session store and callbacks.
type ConnConfig struct {
	// URL is the full websocket endpoint including room and token.
	URL   string
	Store *Store

	OnConnect    func()
	OnDisconnect func(code int)
	OnError      func(err error)

	// Retry tuning. Zero values use the production defaults of five
	// attempts at 1s base delay capped at 30s.
	MaxReconnectAttempts int
	BaseRetryDelay       time.Duration
	MaxRetryDelay        time.Duration
	DialTimeout          time.Duration
}

// Conn owns one websocket lifecycle: dialing, routing inbound frames into
// the store, classifying closes, and scheduling reconnects with exponential
// backoff. Terminal closes (normal, token expired, forbidden) never retry.
type Conn struct {
	url          string
	store        *Store
	onConnect    func()
	onDisconnect func(code int)
	onError      func(err error)

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	dialTimeout time.Duration

	mu         sync.Mutex
	ws         *websocket.Conn
	connecting bool
	closed     bool
	attempts   int
	retryTimer *time.Timer
}

// NewConn builds a connection manager. It does not dial until Connect.
func NewConn(cfg ConnConfig) (*Conn, error) {
	if cfg.URL == "" {
		return nil, errors.New("websocket url is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("session store is required")
	}

	c := &Conn{
		url:          cfg.URL,
		store:        cfg.Store,
		onConnect:    cfg.OnConnect,
		onDisconnect: cfg.OnDisconnect,
		onError:      cfg.OnError,
		maxAttempts:  cfg.MaxReconnectAttempts,
		baseDelay:    cfg.BaseRetryDelay,
		maxDelay:     cfg.MaxRetryDelay,
		dialTimeout:  cfg.DialTimeout,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxReconnectAttempts
	}
	if c.baseDelay <= 0 {
		c.baseDelay = defaultBaseRetryDelay
	}
	if c.maxDelay <= 0 {
		c.maxDelay = defaultMaxRetryDelay
	}
	if c.dialTimeout <= 0 {
		c.dialTimeout = timeouts.WSDial
	}
	return c, nil
}

// Connect opens the websocket. It is a no-op while a socket is already open
// or a dial is in flight, so repeated calls never race a duplicate attempt.
// Any pending backoff timer is cancelled in favor of this attempt.
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.ws != nil || c.connecting {
		c.mu.Unlock()
		return
	}
	c.closed = false
	c.connecting = true
	c.stopRetryTimerLocked()
	c.mu.Unlock()

	c.store.SetStatus(StatusConnecting)
	go c.dial()
}

func (c *Conn) dial() {
	dialer := websocket.Dialer{HandshakeTimeout: c.dialTimeout}
	ws, resp, err := dialer.Dial(c.url, dialHeader(c.url))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.mu.Lock()
	c.connecting = false
	if c.closed {
		c.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
		return
	}
	if err != nil {
		scheduled := c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.store.SetError(err.Error())
		if c.onError != nil {
			c.onError(err)
		}
		if !scheduled {
			// Retry budget exhausted. The session rests disconnected,
			// with the error retained, until a caller reconnects.
			c.store.SetStatus(StatusDisconnected)
		}
		return
	}
	c.ws = ws
	c.attempts = 0
	c.mu.Unlock()

	c.store.SetStatus(StatusConnected)
	if c.onConnect != nil {
		c.onConnect()
	}
	go c.readLoop(ws)
}

// dialHeader carries the Origin header browsers send on every websocket
// handshake. Servers that validate origins reject handshakes without it.
func dialHeader(wsURL string) http.Header {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return nil
	}
	scheme := "http"
	if strings.EqualFold(parsed.Scheme, "wss") {
		scheme = "https"
	}
	return http.Header{"Origin": []string{scheme + "://" + parsed.Host}}
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleReadError(ws, err)
			return
		}

		frame, err := DecodeInbound(data)
		if err != nil {
			// Unknown or malformed frames are dropped; the stream
			// itself is still healthy.
			log.Printf("chat client: dropping frame: %v", err)
			continue
		}
		c.apply(frame)
	}
}

func (c *Conn) apply(frame InboundFrame) {
	switch f := frame.(type) {
	case HistoryFrame:
		c.store.SetMessages(f.Messages)
	case MessageFrame:
		c.store.AddMessage(f.Message)
	case TypingFrame:
		c.store.SetTyping(f.UserID, f.Username, f.IsTyping)
	case ReadFrame:
		c.store.MarkRead(f.MessageID)
	case ReadBatchFrame:
		c.store.MarkReadBatch(f.MessageIDs)
	}
}

func (c *Conn) handleReadError(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws != ws {
		// A stale read loop from a socket that was already replaced or
		// torn down; the current lifecycle owns the state now.
		c.mu.Unlock()
		return
	}
	c.ws = nil
	if c.closed {
		c.mu.Unlock()
		return
	}

	code, terminal := classifyClose(err)
	if !terminal {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	_ = ws.Close()
	if !terminal && !isCloseError(err) {
		c.store.SetError(err.Error())
		if c.onError != nil {
			c.onError(err)
		}
	}
	c.store.SetStatus(StatusDisconnected)
	if c.onDisconnect != nil {
		c.onDisconnect(code)
	}
}

// classifyClose extracts the close code and reports whether the close is
// terminal. Read failures without a close frame count as transient.
func classifyClose(err error) (code int, terminal bool) {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return websocket.CloseAbnormalClosure, false
	}
	switch closeErr.Code {
	case CloseNormal, CloseTokenExpired, CloseForbidden:
		return closeErr.Code, true
	default:
		return closeErr.Code, false
	}
}

func isCloseError(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}

// reconnectDelay returns the backoff before the given attempt: the base
// delay doubled per attempt, capped at max.
func reconnectDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base << uint(attempt)
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}

// scheduleReconnectLocked arms the backoff timer and reports whether a retry
// is pending. It declines once the attempt budget is spent.
func (c *Conn) scheduleReconnectLocked() bool {
	if c.attempts >= c.maxAttempts {
		return false
	}
	delay := reconnectDelay(c.attempts, c.baseDelay, c.maxDelay)
	c.attempts++
	c.stopRetryTimerLocked()
	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.retryTimer = nil
		if c.closed {
			// Stop cannot cancel a callback that already fired, so a
			// teardown that raced this timer is honored here instead.
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.Connect()
	})
	return true
}

func (c *Conn) stopRetryTimerLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// Send transmits one encoded frame. When the socket is not open the frame
// is dropped silently: callers gate user input on connection status instead
// of relying on the transport to buffer.
func (c *Conn) Send(data []byte) {
	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return
	}
	err := ws.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()
	if err != nil {
		c.store.SetError(err.Error())
	}
}

// Disconnect tears the connection down: it cancels any pending reconnect,
// closes the socket with a normal close code, and resets the store. Safe to
// call on every teardown path, including repeatedly.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.connecting = false
	c.attempts = 0
	c.stopRetryTimerLocked()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		_ = ws.Close()
	}
	c.store.Reset()
}

// Connected reports whether a socket is currently open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}
