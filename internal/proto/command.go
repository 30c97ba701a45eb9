package proto

import (
	"encoding/json"
	"fmt"
)

// CommandType is the closed set of inbound client commands.
type CommandType string

const (
	CmdAuth       CommandType = "auth"
	CmdJoinRoom   CommandType = "join_room"
	CmdLeaveRoom  CommandType = "leave_room"
	CmdMessage    CommandType = "message"
	CmdTyping     CommandType = "typing"
	CmdStopTyping CommandType = "stop_typing"
	CmdPresence   CommandType = "presence"

	CmdPing       CommandType = "ping"
	CmdAck        CommandType = "ack"
	CmdReplay     CommandType = "replay"
	CmdCallStart  CommandType = "call_start"
	CmdCallAnswer CommandType = "call_answer"
	CmdCallEnd    CommandType = "call_end"
	CmdCallSignal CommandType = "call_signal"
)

// Command is one inbound frame. Fields are flat; which ones are required
// depends on Type.
type Command struct {
	Type CommandType `json:"type"`
	// Ref is echoed back on error frames so clients can correlate.
	Ref string `json:"ref,omitempty"`

	Token  string `json:"token,omitempty"`
	Room   string `json:"room,omitempty"`
	To     string `json:"to,omitempty"`
	Body   string `json:"body,omitempty"`
	Status string `json:"status,omitempty"`

	NotificationID string `json:"notification_id,omitempty"`
	Since          string `json:"since,omitempty"`

	CallID   string          `json:"call_id,omitempty"`
	Callee   string          `json:"callee,omitempty"`
	Accepted bool            `json:"accepted,omitempty"`
	Signal   json.RawMessage `json:"signal,omitempty"`
}

// Validate checks that the fields required by Type are present.
func (c *Command) Validate() error {
	switch c.Type {
	case CmdAuth:
		if c.Token == "" {
			return fmt.Errorf("auth requires token")
		}
	case CmdJoinRoom, CmdLeaveRoom, CmdTyping, CmdStopTyping:
		if c.Room == "" {
			return fmt.Errorf("%s requires room", c.Type)
		}
		if c.Room == PresenceRoom {
			return fmt.Errorf("room %q is reserved", PresenceRoom)
		}
	case CmdMessage:
		if c.Body == "" {
			return fmt.Errorf("message requires body")
		}
		if (c.Room == "") == (c.To == "") {
			return fmt.Errorf("message requires exactly one of room or to")
		}
	case CmdPresence:
		if c.Status == "" {
			return fmt.Errorf("presence requires status")
		}
	case CmdAck:
		if c.NotificationID == "" {
			return fmt.Errorf("ack requires notification_id")
		}
	case CmdCallStart:
		if c.Callee == "" {
			return fmt.Errorf("call_start requires callee")
		}
	case CmdCallAnswer, CmdCallEnd:
		if c.CallID == "" {
			return fmt.Errorf("%s requires call_id", c.Type)
		}
	case CmdCallSignal:
		if c.CallID == "" || len(c.Signal) == 0 {
			return fmt.Errorf("call_signal requires call_id and signal")
		}
	case CmdPing, CmdReplay:
	default:
		return fmt.Errorf("unknown command type %q", c.Type)
	}
	return nil
}
