package proto

// FrameType names an outbound frame.
type FrameType string

const (
	FrameAuthSuccess    FrameType = "auth_success"
	FrameRoomJoined     FrameType = "room_joined"
	FrameRoomLeft       FrameType = "room_left"
	FrameUserJoined     FrameType = "user_joined"
	FrameUserLeft       FrameType = "user_left"
	FrameMessage        FrameType = "message"
	FrameTyping         FrameType = "typing"
	FrameStopTyping     FrameType = "stop_typing"
	FramePresenceUpdate FrameType = "presence_update"
	FrameNotification   FrameType = "notification"
	FrameLiveUpdate     FrameType = "live_update"
	FrameError          FrameType = "error"
	FramePong           FrameType = "pong"
	FrameReplayDone     FrameType = "replay_done"

	FrameCallInvitation FrameType = "video_call_invitation"
	FrameCallAnswered   FrameType = "video_call_answered"
	FrameCallAccepted   FrameType = "video_call_accepted"
	FrameCallEnded      FrameType = "video_call_ended"
	FrameCallSignal     FrameType = "call_signal"
	FrameCallStarted    FrameType = "call_started"
)

// Frame is one outbound message on the client channel.
type Frame struct {
	Type FrameType      `json:"type"`
	ID   string         `json:"id,omitempty"`
	Room string         `json:"room,omitempty"`
	Data map[string]any `json:"data,omitempty"`
	TS   int64          `json:"ts"`
}

// ErrorFrame builds an error{code,message} frame.
func ErrorFrame(code, message, ref string) Frame {
	data := map[string]any{"code": code, "message": message}
	if ref != "" {
		data["ref"] = ref
	}
	return Frame{Type: FrameError, Data: data, TS: NowMillis()}
}

// FrameTypeFor maps every EventType to its outbound frame type.
func FrameTypeFor(t EventType) (FrameType, bool) {
	switch t {
	case EventNotification:
		return FrameNotification, true
	case EventChatMessage:
		return FrameMessage, true
	case EventTypingStart:
		return FrameTyping, true
	case EventTypingStop:
		return FrameStopTyping, true
	case EventPresenceUpdate:
		return FramePresenceUpdate, true
	case EventLiveUpdate:
		return FrameLiveUpdate, true
	case EventUserJoined:
		return FrameUserJoined, true
	case EventUserLeft:
		return FrameUserLeft, true
	case EventCallInvitation:
		return FrameCallInvitation, true
	case EventCallAnswered:
		return FrameCallAnswered, true
	case EventCallAccepted:
		return FrameCallAccepted, true
	case EventCallEnded:
		return FrameCallEnded, true
	case EventCallSignal:
		return FrameCallSignal, true
	}
	return "", false
}

// FrameFromEvent converts a bus event into the frame a client receives.
func FrameFromEvent(evt Event) (Frame, bool) {
	ft, ok := FrameTypeFor(evt.Type)
	if !ok {
		return Frame{}, false
	}
	f := Frame{Type: ft, ID: evt.ID, Data: evt.Payload, TS: evt.CreatedAt}
	if evt.Target.Kind == TargetRoom && evt.Target.ID != PresenceRoom {
		f.Room = evt.Target.ID
	}
	return f, true
}
