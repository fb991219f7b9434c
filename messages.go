/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"fmt"
)

type MessageType string

// Messages coming from clients
const (
	MsgNewUser    MessageType = "NEW_USER"
	MsgPassPotato MessageType = "PASS_POTATO"
)

// Messages sent to clients
const (
	MsgPlayerAssignment MessageType = "PLAYER_ASSIGNMENT"
	MsgGameFull         MessageType = "GAME_FULL"
	MsgGameStart        MessageType = "GAME_START"
	MsgNewPotatoHolder  MessageType = "NEW_POTATO_HOLDER"
	MsgCountdown        MessageType = "COUNTDOWN"
	MsgGameOver         MessageType = "GAME_OVER"
)

// Event is the envelope for everything the server sends.
type Event struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload,omitempty"`
}

type PlayerAssignment struct {
	ClientPlayerIndex int `json:"clientPlayerIndex"`
}

type PotatoHolder struct {
	NewPotatoHolderIndex int `json:"newPotatoHolderIndex"`
}

type Countdown struct {
	ClockValue int `json:"clockValue"`
}

func playerAssignmentEvent(seat int) Event {
	return Event{Type: MsgPlayerAssignment, Payload: PlayerAssignment{ClientPlayerIndex: seat}}
}

func potatoHolderEvent(seat int) Event {
	return Event{Type: MsgNewPotatoHolder, Payload: PotatoHolder{NewPotatoHolderIndex: seat}}
}

func countdownEvent(value int) Event {
	return Event{Type: MsgCountdown, Payload: Countdown{ClockValue: value}}
}

// ClientMessage is the envelope as read off the wire. Payload stays raw
// until the type is known.
type ClientMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type passPayload struct {
	NewPotatoHolderIndex *int `json:"newPotatoHolderIndex"`
}

type CommandKind int

const (
	CmdJoin CommandKind = iota + 1
	CmdPass
)

func (k CommandKind) String() string {
	switch k {
	case CmdJoin:
		return "join"
	case CmdPass:
		return "pass"
	default:
		return "unknown"
	}
}

// Command is a decoded, well-formed client request.
type Command struct {
	Kind      CommandKind
	NewHolder int
}

// decodeCommand turns a raw frame into a Command. Any error means the frame
// should be dropped.
func decodeCommand(data []byte) (Command, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch msg.Type {
	case MsgNewUser:
		return Command{Kind: CmdJoin}, nil
	case MsgPassPotato:
		if len(msg.Payload) == 0 {
			return Command{}, fmt.Errorf("%w: %s without payload", ErrMalformedMessage, msg.Type)
		}

		var p passPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return Command{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if p.NewPotatoHolderIndex == nil {
			return Command{}, fmt.Errorf("%w: missing newPotatoHolderIndex", ErrMalformedMessage)
		}

		return Command{Kind: CmdPass, NewHolder: *p.NewPotatoHolderIndex}, nil
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}
