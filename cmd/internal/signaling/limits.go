package signaling

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). Media blobs travel
	// base64-encoded inside frames, so this is deliberately generous.
	maxFrameBytes = 512 << 10 // 512 KiB

	// Registration handshake deadline.
	registrationTimeout = 5 * time.Second
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 240
	rateLimitWindow = 10 * time.Second
)
