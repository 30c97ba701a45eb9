package proto

import "time"

const (
	// PresenceRoom is the well-known room every authenticated connection
	// joins; presence_update events are published to it.
	PresenceRoom = "presence"

	// WSPath is the gateway endpoint.
	WSPath = "/ws"

	// HookHeader carries the shared secret for server-to-server publish hooks.
	HookHeader = "X-Agora-Hook"
)

func NowMillis() int64 { return time.Now().UnixMilli() }
