package records

import "encoding/json"

type FrameType string

const (
	FrameAuth        FrameType = "auth"
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FramePing        FrameType = "ping"
	FrameReady       FrameType = "ready"
	FrameSubscribed  FrameType = "subscribed"
	FrameEvent       FrameType = "event"
	FramePong        FrameType = "pong"
	FrameError       FrameType = "error"
)

// Frame is one JSON message on the realtime socket, in either direction.
// Channel names are collection names.
type Frame struct {
	Type    FrameType       `json:"type"`
	Token   string          `json:"token,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Event   EventKind       `json:"event,omitempty"`
	Entity  EntityType      `json:"entity,omitempty"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

// EventFrame wraps a change event for delivery on its collection channel.
func EventFrame(evt ChangeEvent) Frame {
	return Frame{
		Type:    FrameEvent,
		Channel: string(evt.Entity),
		Event:   evt.Event,
		Entity:  evt.Entity,
		ID:      evt.ID,
		Payload: evt.Payload,
	}
}

// ChangeEvent converts an event frame back into a ChangeEvent.
func (f Frame) ChangeEvent() ChangeEvent {
	return ChangeEvent{Event: f.Event, Entity: f.Entity, ID: f.ID, Payload: f.Payload}
}
