package answer

import (
	types "github.com/yungbote/askpdf-backend/internal/domain"
	"github.com/yungbote/askpdf-backend/internal/platform/parser"
)

type EventType string

const (
	EventDelta   EventType = "delta"
	EventUsage   EventType = "usage"
	EventMessage EventType = "message"
	EventError   EventType = "error"
)

type Event struct {
	Type    EventType
	Delta   string
	Usage   parser.Usage
	Message *types.ChatMessage
	Error   string
}

// Sink receives stream events. An error from Send means the receiver is gone
// and the answer stops.
type Sink interface {
	Send(ev Event) error
}

type SinkFunc func(ev Event) error

func (f SinkFunc) Send(ev Event) error { return f(ev) }
