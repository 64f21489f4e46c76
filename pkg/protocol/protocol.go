// Package protocol defines the JSON frames exchanged between room participants
// and the hub. Every frame is an Envelope whose Event selects the payload type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	EventJoinRoom   = "join-room"
	EventRoomAction = "room-action"
	EventLeaveRoom  = "leave-room"

	EventRoomState  = "room-state"
	EventUserJoined = "user-joined"
	EventUserLeft   = "user-left"
	EventError      = "error"

	// EventActionAccepted acknowledges a room-action to its sender only.
	EventActionAccepted = "action-accepted"
)

var (
	ErrMalformed    = errors.New("protocol: malformed frame")
	ErrUnknownEvent = errors.New("protocol: unknown event")
)

type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound is a client-to-server message. The set of implementations is closed:
// JoinRoom, RoomAction and LeaveRoom.
type Inbound interface {
	inbound()
	Event() string
}

type JoinRoom struct {
	RoomID   string          `json:"roomId"`
	UserID   string          `json:"userId"`
	UserData json.RawMessage `json:"userData,omitempty"`
}

type RoomAction struct {
	RoomID  string          `json:"roomId"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

func (JoinRoom) inbound()   {}
func (RoomAction) inbound() {}
func (LeaveRoom) inbound()  {}

func (JoinRoom) Event() string   { return EventJoinRoom }
func (RoomAction) Event() string { return EventRoomAction }
func (LeaveRoom) Event() string  { return EventLeaveRoom }

// Outbound is a server-to-client message. The set of implementations is closed:
// RoomState, UserJoined, UserLeft, ActionEvent, ActionAccepted and Error.
type Outbound interface {
	outbound()
	Event() string
}

type Participant struct {
	UserID    string          `json:"userId"`
	UserData  json.RawMessage `json:"userData,omitempty"`
	ChannelID string          `json:"channelId,omitempty"`
}

type RoomState struct {
	RoomID          string                     `json:"roomId"`
	Code            string                     `json:"code,omitempty"`
	Status          string                     `json:"status,omitempty"`
	MaxParticipants int                        `json:"maxParticipants,omitempty"`
	Metadata        map[string]json.RawMessage `json:"metadata,omitempty"`
	Participants    []Participant              `json:"participants"`
	Actions         []ActionEvent              `json:"actions"`
}

type UserJoined struct {
	UserID    string          `json:"userId"`
	UserData  json.RawMessage `json:"userData,omitempty"`
	ChannelID string          `json:"channelId"`
}

type UserLeft struct {
	UserID    string `json:"userId"`
	ChannelID string `json:"channelId"`
}

// ActionEvent is a room action as delivered to participants. Timestamp is
// the server acceptance time in unix milliseconds.
type ActionEvent struct {
	ID        string          `json:"id,omitempty"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SenderID  string          `json:"senderId"`
	Timestamp int64           `json:"timestamp"`
}

// ActionAccepted is the sender's copy of its own action as stamped by the hub.
type ActionAccepted ActionEvent

type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (RoomState) outbound()      {}
func (UserJoined) outbound()     {}
func (UserLeft) outbound()       {}
func (ActionEvent) outbound()    {}
func (ActionAccepted) outbound() {}
func (Error) outbound()          {}

func (RoomState) Event() string      { return EventRoomState }
func (UserJoined) Event() string     { return EventUserJoined }
func (UserLeft) Event() string       { return EventUserLeft }
func (ActionEvent) Event() string    { return EventRoomAction }
func (ActionAccepted) Event() string { return EventActionAccepted }
func (Error) Event() string          { return EventError }

// Encode wraps msg in an Envelope. It accepts both Inbound and Outbound values.
func Encode(msg interface{ Event() string }) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Event(), err)
	}
	return json.Marshal(Envelope{Event: msg.Event(), Payload: payload})
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformed)
	}
	return env, nil
}

func decodePayload(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s: missing payload", ErrMalformed, env.Event)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, env.Event, err)
	}
	return nil
}

// DecodeInbound parses a client frame.
func DecodeInbound(data []byte) (Inbound, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	switch env.Event {
	case EventJoinRoom:
		var m JoinRoom
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	case EventRoomAction:
		var m RoomAction
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	case EventLeaveRoom:
		var m LeaveRoom
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

// DecodeOutbound parses a server frame.
func DecodeOutbound(data []byte) (Outbound, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	switch env.Event {
	case EventRoomState:
		var m RoomState
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	case EventUserJoined:
		var m UserJoined
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	case EventUserLeft:
		var m UserLeft
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	case EventRoomAction:
		var m ActionEvent
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	case EventActionAccepted:
		var m ActionAccepted
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	case EventError:
		var m Error
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

// RemoteError is an error event received from the hub.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

func (e Error) Err() error {
	return &RemoteError{Code: e.Code, Message: e.Message}
}
