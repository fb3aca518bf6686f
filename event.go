package eventmq

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Level is the severity of an event. Levels are ordered and serialize as
// integers from 0 (gr_heartbeat) to 5 (fatal). The zero Level is LevelInfo.
type Level int

const (
	LevelGRHeartbeat Level = iota - 2
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelKeys = [...]string{"gr_heartbeat", "debug", "info", "warn", "error", "fatal"}

func (l Level) String() string {
	if l < LevelGRHeartbeat || l > LevelFatal {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelKeys[l-LevelGRHeartbeat]
}

// ParseLevel maps a level key such as "warn" to its Level
func ParseLevel(key string) (Level, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	for i, k := range levelKeys {
		if k == key {
			return LevelGRHeartbeat + Level(i), nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown event level %q", key)
}

// Event is the payload fired through the engine. Key identifies the event
// across retries; consumers deduplicate on it. Firing an event fills in a
// missing key, source and sender name, so a literal Event is as good as one
// from NewEvent.
type Event struct {
	Key           string
	EventTypeName string
	SourceName    string
	SenderName    string
	OccurredAt    time.Time
	Level         Level
	Properties    map[string]any
}

// defaultHostName is used for source and sender names when none is given
var defaultHostName = func() string {
	name, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return name
}()

// EventOption customizes a new event
type EventOption func(*Event)

// WithKey sets the event key instead of generating one
func WithKey(key string) EventOption {
	return func(e *Event) { e.Key = key }
}

// WithSourceName sets the source name
func WithSourceName(name string) EventOption {
	return func(e *Event) { e.SourceName = name }
}

// WithSenderName sets the sender name
func WithSenderName(name string) EventOption {
	return func(e *Event) { e.SenderName = name }
}

// WithLevel sets the severity
func WithLevel(level Level) EventOption {
	return func(e *Event) { e.Level = level }
}

// WithOccurredAt sets the occurrence time, normalized to UTC
func WithOccurredAt(t time.Time) EventOption {
	return func(e *Event) { e.OccurredAt = t.UTC() }
}

// WithProperties merges props into the event properties
func WithProperties(props map[string]any) EventOption {
	return func(e *Event) {
		if e.Properties == nil {
			e.Properties = make(map[string]any, len(props))
		}
		maps.Copy(e.Properties, props)
	}
}

// NewEvent builds an event of the given type with a fresh UUID key, the host
// name as source and sender, and info level.
func NewEvent(eventTypeName string, opts ...EventOption) *Event {
	e := &Event{
		EventTypeName: eventTypeName,
		Level:         LevelInfo,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.applyDefaults()
	return e
}

func (e *Event) applyDefaults() {
	if e.Key == "" {
		e.Key = uuid.NewString()
	}
	if e.SourceName == "" {
		e.SourceName = defaultHostName
	}
	if e.SenderName == "" {
		e.SenderName = defaultHostName
	}
}

// LevelKey returns the level name, e.g. "info"
func (e *Event) LevelKey() string {
	return e.Level.String()
}

// Property returns a property value
func (e *Event) Property(name string) (any, bool) {
	v, ok := e.Properties[name]
	return v, ok
}

type eventJSON struct {
	Key           string         `json:"key,omitempty"`
	EventTypeName string         `json:"event_type_name,omitempty"`
	SourceName    string         `json:"source_name,omitempty"`
	SenderName    string         `json:"sender_name,omitempty"`
	OccurredAt    *time.Time     `json:"occurred_at,omitempty"`
	Level         int            `json:"level"`
	Properties    map[string]any `json:"properties,omitempty"`
}

// MarshalJSON emits every non-empty attribute and omits the rest
func (e *Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		Key:           e.Key,
		EventTypeName: e.EventTypeName,
		SourceName:    e.SourceName,
		SenderName:    e.SenderName,
		Level:         int(e.Level - LevelGRHeartbeat),
		Properties:    e.Properties,
	}
	if !e.OccurredAt.IsZero() {
		t := e.OccurredAt.UTC()
		out.OccurredAt = &t
	}
	return json.Marshal(out)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	in := eventJSON{Level: int(LevelInfo - LevelGRHeartbeat)}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*e = Event{
		Key:           in.Key,
		EventTypeName: in.EventTypeName,
		SourceName:    in.SourceName,
		SenderName:    in.SenderName,
		Level:         LevelGRHeartbeat + Level(in.Level),
		Properties:    in.Properties,
	}
	if in.OccurredAt != nil {
		e.OccurredAt = in.OccurredAt.UTC()
	}
	return nil
}

// ParseEvent decodes an event from its JSON form
func ParseEvent(data []byte) (*Event, error) {
	e := &Event{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	return e, nil
}
