package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType is the category of an audit trail event.
type EventType string

const (
	EventMutation EventType = "MUTATION"
	EventPolicy   EventType = "POLICY"
	EventLedger   EventType = "LEDGER"
	EventSystem   EventType = "SYSTEM"
)

// Event is one line of the audit trail.
type Event struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actor_id"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger records audit trail events.
type Logger interface {
	Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error
}

type actorKey struct{}

// WithActor attaches the acting principal to ctx. Events default to "system".
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor set by WithActor, or "system".
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return "system"
}

func newEvent(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		ActorID:   ActorFrom(ctx),
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
}

// jsonLogger writes one JSON object per line, prefixed with "AUDIT: ".
type jsonLogger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to w.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &jsonLogger{writer: w}
}

func (l *jsonLogger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error {
	b, err := json.Marshal(newEvent(ctx, eventType, action, resource, metadata))
	if err != nil {
		return err
	}
	line := append([]byte("AUDIT: "), append(b, '\n')...)

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.writer.Write(line)
	return err
}

// MemoryLogger keeps events in memory. Useful for tests and the CLI.
type MemoryLogger struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryLogger() *MemoryLogger { return &MemoryLogger{} }

func (m *MemoryLogger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, newEvent(ctx, eventType, action, resource, metadata))
	return nil
}

// Events returns a copy of the recorded events in order.
func (m *MemoryLogger) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Actions returns the action names recorded for resource.
func (m *MemoryLogger) Actions(resource string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.Resource == resource {
			out = append(out, e.Action)
		}
	}
	return out
}
