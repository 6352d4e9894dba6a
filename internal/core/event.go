package core

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const (
	FrameEvent   = "event"
	FrameSession = "session"
	FrameError   = "error"
	FramePong    = "pong"
)

// Event is one decoded upstream server-sent event. Once handed to the fan-out
// engine it is shared by every session channel and must not be mutated.
type Event struct {
	Topic      string
	Epoch      string
	Sequence   uint64
	ID         string
	Revision   int
	Name       string
	Data       map[string]any
	ReceivedAt time.Time

	frameOnce sync.Once
	frame     []byte
	frameErr  error
}

type eventFrame struct {
	Type     string         `json:"type"`
	Topic    string         `json:"topic"`
	Epoch    string         `json:"epoch"`
	Sequence uint64         `json:"sequence"`
	ID       string         `json:"id,omitempty"`
	Revision int            `json:"revision,omitempty"`
	Event    string         `json:"event"`
	Data     map[string]any `json:"data"`
}

// Frame returns the downstream wire encoding of the event. It is computed
// once and reused by every session the event is delivered to.
func (e *Event) Frame() ([]byte, error) {
	e.frameOnce.Do(func() {
		e.frame, e.frameErr = json.Marshal(&eventFrame{
			Type:     FrameEvent,
			Topic:    e.Topic,
			Epoch:    e.Epoch,
			Sequence: e.Sequence,
			ID:       e.ID,
			Revision: e.Revision,
			Event:    e.Name,
			Data:     e.Data,
		})
	})

	return e.frame, e.frameErr
}

type SessionFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Topic     string `json:"topic"`
	Epoch     string `json:"epoch"`
}

type ErrorFrame struct {
	Type   string `json:"type"`
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func NewErrorFrame(reason CloseReason) *ErrorFrame {
	return &ErrorFrame{
		Type:   FrameError,
		Code:   reason.Code(),
		Reason: reason.String(),
	}
}
