// Package chatcli parses chat client flags and drives a terminal chat session.
package chatcli

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	entrypoint "github.com/DmitryDubovikov/tutors-marketplace/internal/platform/cmd"
	"github.com/DmitryDubovikov/tutors-marketplace/internal/services/chat/client"
)

// Config holds chat client command configuration.
type Config struct {
	BaseURL  string `env:"TUTORS_CHAT_BASE_URL" envDefault:"ws://localhost:8086"`
	RoomID   string `env:"TUTORS_CHAT_ROOM"`
	Token    string `env:"TUTORS_CHAT_TOKEN"`
	UserID   string `env:"TUTORS_CHAT_USER_ID"`
	Username string `env:"TUTORS_CHAT_USERNAME"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "chat websocket base URL")
	fs.StringVar(&cfg.RoomID, "room", cfg.RoomID, "chat room id")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "access token")
	fs.StringVar(&cfg.UserID, "user-id", cfg.UserID, "authenticated user id")
	fs.StringVar(&cfg.Username, "username", cfg.Username, "display name for sent messages")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run connects a terminal session to one chat room and relays stdin lines
// until EOF, /quit, or context cancellation.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceChatCLI, func(context.Context) error {
		return run(ctx, cfg, os.Stdin, os.Stdout)
	})
}

func run(ctx context.Context, cfg Config, in io.Reader, out io.Writer) error {
	if strings.TrimSpace(cfg.RoomID) == "" {
		return errors.New("room id is required")
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return errors.New("user id is required")
	}

	r := &renderer{out: out}
	session, err := client.NewSession(client.SessionConfig{
		BaseURL:  cfg.BaseURL,
		RoomID:   cfg.RoomID,
		Token:    cfg.Token,
		UserID:   cfg.UserID,
		Username: cfg.Username,
		OnChange: r.render,
		OnConnect: func() {
			fmt.Fprintln(out, "connected")
		},
		OnDisconnect: func(code int) {
			fmt.Fprintf(out, "disconnected (code %d)\n", code)
		},
		OnError: func(err error) {
			fmt.Fprintf(out, "error: %v\n", err)
		},
	})
	if err != nil {
		return fmt.Errorf("open chat session: %w", err)
	}
	defer session.Close()
	r.attach(session)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := dispatch(session, out, line); quit {
				return nil
			}
		}
	}
}

type command int

const (
	cmdSend command = iota
	cmdNone
	cmdQuit
	cmdStatus
	cmdTyping
	cmdRead
	cmdReadAll
	cmdReconnect
	cmdUnknown
)

// parseLine maps one input line to a session action. Lines not starting with
// a slash are chat messages.
func parseLine(line string) (command, string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return cmdNone, ""
	}
	if !strings.HasPrefix(trimmed, "/") {
		return cmdSend, line
	}
	name, arg, _ := strings.Cut(trimmed[1:], " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "quit", "exit":
		return cmdQuit, ""
	case "status":
		return cmdStatus, ""
	case "typing":
		if arg != "on" && arg != "off" {
			return cmdUnknown, trimmed
		}
		return cmdTyping, arg
	case "read":
		if arg == "" {
			return cmdReadAll, ""
		}
		return cmdRead, arg
	case "reconnect":
		return cmdReconnect, ""
	default:
		return cmdUnknown, trimmed
	}
}

func dispatch(session *client.Session, out io.Writer, line string) (quit bool) {
	cmd, arg := parseLine(line)
	switch cmd {
	case cmdQuit:
		return true
	case cmdNone:
	case cmdStatus:
		fmt.Fprintf(out, "status: %s\n", session.Status())
	case cmdTyping:
		session.SendTyping(arg == "on")
	case cmdRead:
		session.MarkAsRead(arg)
	case cmdReadAll:
		var ids []string
		for _, msg := range session.Messages() {
			if !msg.IsRead && !msg.Pending {
				ids = append(ids, msg.ID)
			}
		}
		session.MarkAsReadBatch(ids)
	case cmdReconnect:
		session.Reconnect()
	case cmdSend:
		session.SendMessage(arg)
	default:
		fmt.Fprintf(out, "unknown command %q\n", strings.TrimSpace(line))
	}
	return false
}

// renderer prints messages as they arrive, tracking how many have been shown
// so each message is printed once.
type renderer struct {
	mu      sync.Mutex
	out     io.Writer
	session *client.Session
	printed int
}

func (r *renderer) attach(session *client.Session) {
	r.mu.Lock()
	r.session = session
	r.mu.Unlock()
	r.render()
}

func (r *renderer) render() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return
	}
	messages := r.session.Messages()
	if r.printed > len(messages) {
		// The store was reset; the next hydration replays from the top.
		r.printed = 0
	}
	for _, msg := range messages[r.printed:] {
		suffix := ""
		if msg.Pending {
			suffix = " (sending)"
		}
		fmt.Fprintf(r.out, "[%s] %s: %s%s\n", msg.CreatedAt, msg.SenderName, msg.Content, suffix)
	}
	r.printed = len(messages)
}
