package client

import "sync"

// Status tracks the connection lifecycle of a chat session.
type Status string

// Connection states. Error is reachable from any state on a transport
// failure; the other three follow connecting → connected → disconnected.
const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// TypingUser is a participant currently typing in the room.
type TypingUser struct {
	UserID   string
	Username string
}

// Store holds the mutable state of one chat session: the ordered message
// log, who is typing, the connection status, and the last transport error.
//
// All mutation goes through the session's inbound handler or its outbound
// optimistic updates; the mutex serializes those two streams so the log
// stays consistent under any interleaving.
type Store struct {
	mu       sync.Mutex
	messages []Message
	typing   []TypingUser
	status   Status
	lastErr  string

	// onChange, when set, runs after every mutation so a presentation
	// layer can re-render. Invoked outside the lock.
	onChange func()
}

// NewStore returns an empty session store in the disconnected state.
func NewStore() *Store {
	return &Store{status: StatusDisconnected}
}

func (s *Store) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}

// AddMessage appends or reconciles one message.
//
// A confirmed message (Pending unset) first looks for a pending entry with
// the same content and sender; if found, the confirmed copy replaces it in
// place so the message keeps its position in the log. A message whose id is
// already present is dropped, which makes duplicate delivery harmless.
func (s *Store) AddMessage(m Message) {
	s.mu.Lock()
	if !m.Pending {
		for i := range s.messages {
			if s.messages[i].Pending &&
				s.messages[i].Content == m.Content &&
				s.messages[i].SenderID == m.SenderID {
				s.messages[i] = m
				s.mu.Unlock()
				s.notify()
				return
			}
		}
	}
	for i := range s.messages {
		if s.messages[i].ID == m.ID {
			s.mu.Unlock()
			return
		}
	}
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	s.notify()
}

// SetMessages replaces the whole log. Used for history hydration on connect.
func (s *Store) SetMessages(messages []Message) {
	s.mu.Lock()
	s.messages = append([]Message(nil), messages...)
	s.mu.Unlock()
	s.notify()
}

// UpdateMessage applies a partial mutation to the message with the given id.
// Unknown ids are ignored.
func (s *Store) UpdateMessage(id string, update func(*Message)) {
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			update(&s.messages[i])
			s.mu.Unlock()
			s.notify()
			return
		}
	}
	s.mu.Unlock()
}

// MarkRead flags one message as read. Absent ids are ignored.
func (s *Store) MarkRead(id string) {
	s.MarkReadBatch([]string{id})
}

// MarkReadBatch flags every listed message that exists in the log as read.
// Ids not present in the log are ignored.
func (s *Store) MarkReadBatch(ids []string) {
	if len(ids) == 0 {
		return
	}
	members := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		members[id] = struct{}{}
	}

	s.mu.Lock()
	for i := range s.messages {
		if _, ok := members[s.messages[i].ID]; ok {
			s.messages[i].IsRead = true
		}
	}
	s.mu.Unlock()
	s.notify()
}

// SetTyping upserts or removes a participant from the typing list. Both
// directions are idempotent, and insertion order is preserved.
func (s *Store) SetTyping(userID, username string, isTyping bool) {
	s.mu.Lock()
	idx := -1
	for i := range s.typing {
		if s.typing[i].UserID == userID {
			idx = i
			break
		}
	}
	switch {
	case isTyping && idx == -1:
		s.typing = append(s.typing, TypingUser{UserID: userID, Username: username})
	case isTyping:
		s.typing[idx].Username = username
	case idx != -1:
		s.typing = append(s.typing[:idx], s.typing[idx+1:]...)
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.notify()
}

// SetStatus records the connection state.
func (s *Store) SetStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.notify()
}

// SetError records a transport error message and moves the session into the
// error state.
func (s *Store) SetError(message string) {
	s.mu.Lock()
	s.lastErr = message
	s.status = StatusError
	s.mu.Unlock()
	s.notify()
}

// Reset restores the store to its initial empty state.
func (s *Store) Reset() {
	s.mu.Lock()
	s.messages = nil
	s.typing = nil
	s.status = StatusDisconnected
	s.lastErr = ""
	s.mu.Unlock()
	s.notify()
}

// Messages returns a copy of the message log in arrival order.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// TypingUsers returns a copy of the typing list in insertion order.
func (s *Store) TypingUsers() []TypingUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TypingUser(nil), s.typing...)
}

// Status returns the current connection state.
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastError returns the most recent transport error message, if any.
func (s *Store) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
