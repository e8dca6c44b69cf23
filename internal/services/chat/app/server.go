package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/DmitryDubovikov/tutors-marketplace/internal/platform/id"
	"github.com/DmitryDubovikov/tutors-marketplace/internal/platform/timeouts"
	"github.com/DmitryDubovikov/tutors-marketplace/internal/services/chat/storage"
	"github.com/DmitryDubovikov/tutors-marketplace/internal/services/chat/storage/sqlite"
	"golang.org/x/net/websocket"
)

const (
	historyLimit           = 50
	maxDecodeErrorsPerConn = 3

	// Optimistic ids minted by clients before the server confirms a send.
	// They never reach the store, so read receipts skip them.
	tempIDPrefix = "temp-"

	closeUnauthorized  = 4001
	closeForbidden     = 4003
	closeRoomNotFound  = 4004
	closeInternalError = 1011
)

// Config defines the inputs for the chat transport boundary.
type Config struct {
	HTTPAddr          string
	DBPath            string
	JWTSecret         string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the chat HTTP/WebSocket process.
//
// It owns room and message persistence but delegates identity to the access
// tokens minted by the accounts surface.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store
}

type wireMessage struct {
	ID         string `json:"id"`
	RoomID     string `json:"room_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	IsRead     bool   `json:"is_read"`
	CreatedAt  string `json:"created_at"`
}

type historyFrame struct {
	Type     string        `json:"type"`
	Messages []wireMessage `json:"messages"`
}

type messageFrame struct {
	Type    string      `json:"type"`
	Message wireMessage `json:"message"`
}

type typingFrame struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

type readFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	ReaderID  string `json:"reader_id"`
}

type readBatchFrame struct {
	Type       string   `json:"type"`
	MessageIDs []string `json:"message_ids"`
	ReaderID   string   `json:"reader_id"`
}

// clientFrame is the flat superset of every inbound frame shape.
type clientFrame struct {
	Type       string   `json:"type"`
	Content    string   `json:"content"`
	IsTyping   bool     `json:"is_typing"`
	MessageID  string   `json:"message_id"`
	MessageIDs []string `json:"message_ids"`
}

func toWireMessage(msg storage.Message) wireMessage {
	return wireMessage{
		ID:         msg.ID,
		RoomID:     msg.RoomID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Content:    msg.Content,
		IsRead:     msg.IsRead,
		CreatedAt:  msg.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func wireMessages(messages []storage.Message) []wireMessage {
	wire := make([]wireMessage, 0, len(messages))
	for _, msg := range messages {
		wire = append(wire, toWireMessage(msg))
	}
	return wire
}

// NewHandler creates chat routes over the given store and token verifier.
func NewHandler(store storage.Store, verifier TokenVerifier) http.Handler {
	hub := newRoomHub()
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, hub, store, verifier)
	})

	mux.HandleFunc("GET /ws/chat/{room}/{$}", func(w http.ResponseWriter, r *http.Request) {
		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

func handleWSConn(conn *websocket.Conn, hub *roomHub, store storage.Store, verifier TokenVerifier) {
	defer func() {
		_ = conn.Close()
	}()

	req := conn.Request()
	if req == nil {
		return
	}
	ctx := req.Context()
	roomID := req.PathValue("room")

	ident, err := verifier.Verify(req.URL.Query().Get("token"))
	if err != nil {
		log.Printf("chat: websocket unauthorized: room=%q remote=%s err=%v", roomID, req.RemoteAddr, err)
		_ = conn.WriteClose(closeUnauthorized)
		return
	}

	room, err := store.GetRoom(ctx, roomID)
	if errors.Is(err, storage.ErrRoomNotFound) {
		_ = conn.WriteClose(closeRoomNotFound)
		return
	}
	if err != nil {
		log.Printf("chat: load room %q: %v", roomID, err)
		_ = conn.WriteClose(closeInternalError)
		return
	}
	if ident.UserID != room.TutorID && ident.UserID != room.StudentID {
		log.Printf("chat: websocket forbidden: room=%q user=%q", roomID, ident.UserID)
		_ = conn.WriteClose(closeForbidden)
		return
	}

	history, err := store.RoomHistory(ctx, roomID, historyLimit)
	if err != nil {
		log.Printf("chat: load history for room %q: %v", roomID, err)
		_ = conn.WriteClose(closeInternalError)
		return
	}

	peer := newWSPeer(ident.UserID, json.NewEncoder(conn))
	chat := hub.room(roomID)
	chat.join(peer)
	defer chat.leave(peer)

	if err := peer.write(historyFrame{Type: "message_history", Messages: wireMessages(history)}); err != nil {
		return
	}

	decoder := json.NewDecoder(conn)
	decodeErrors := 0
	for {
		var frame clientFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		switch frame.Type {
		case "message":
			handleSendMessage(ctx, chat, store, ident, roomID, frame.Content)
		case "typing":
			chat.broadcastExceptUser(ident.UserID, typingFrame{
				Type:     "typing",
				UserID:   ident.UserID,
				Username: ident.Username,
				IsTyping: frame.IsTyping,
			})
		case "read":
			handleMarkRead(ctx, chat, store, ident, roomID, frame.MessageID)
		case "read_batch":
			handleMarkReadBatch(ctx, chat, store, ident, roomID, frame.MessageIDs)
		default:
			log.Printf("chat: dropping unknown frame type %q from user %q", frame.Type, ident.UserID)
		}
	}
}

func handleSendMessage(ctx context.Context, chat *chatRoom, store storage.Store, ident Identity, roomID, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}

	messageID, err := id.NewID()
	if err != nil {
		log.Printf("chat: mint message id: %v", err)
		return
	}
	msg := storage.Message{
		ID:         messageID,
		RoomID:     roomID,
		SenderID:   ident.UserID,
		SenderName: ident.Username,
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.AppendMessage(ctx, msg); err != nil {
		log.Printf("chat: persist message in room %q: %v", roomID, err)
		return
	}
	chat.broadcast(messageFrame{Type: "message", Message: toWireMessage(msg)})
}

func handleMarkRead(ctx context.Context, chat *chatRoom, store storage.Store, ident Identity, roomID, messageID string) {
	if messageID == "" || strings.HasPrefix(messageID, tempIDPrefix) {
		return
	}
	if err := store.MarkMessageRead(ctx, roomID, messageID, ident.UserID); err != nil {
		log.Printf("chat: mark message %q read: %v", messageID, err)
		return
	}
	chat.broadcast(readFrame{Type: "read", MessageID: messageID, ReaderID: ident.UserID})
}

func handleMarkReadBatch(ctx context.Context, chat *chatRoom, store storage.Store, ident Identity, roomID string, messageIDs []string) {
	ids := make([]string, 0, len(messageIDs))
	for _, msgID := range messageIDs {
		if msgID == "" || strings.HasPrefix(msgID, tempIDPrefix) {
			continue
		}
		ids = append(ids, msgID)
	}
	if len(ids) == 0 {
		return
	}

	count, err := store.MarkMessagesRead(ctx, roomID, ids, ident.UserID)
	if err != nil {
		log.Printf("chat: mark %d messages read in room %q: %v", len(ids), roomID, err)
		return
	}
	if count == 0 {
		return
	}
	chat.broadcast(readBatchFrame{Type: "read_batch", MessageIDs: ids, ReaderID: ident.UserID})
}

// NewServer builds a configured chat server backed by SQLite persistence.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.DBPath) == "" {
		return nil, errors.New("database path is required")
	}
	if strings.TrimSpace(config.JWTSecret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	store, err := sqlite.Open(config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open chat store: %w", err)
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           NewHandler(store, NewJWTVerifier(config.JWTSecret)),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
	}, nil
}

// Run creates and serves a chat server until the context ends.
//
// Operators can treat this as the lifecycle boundary for the real-time surface.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init chat server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve chat: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("chat server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("chat server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close chat store: %v", err)
		}
	}
}
