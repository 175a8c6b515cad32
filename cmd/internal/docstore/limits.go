package docstore

import "time"

// Hard limits for gateway connections and stored documents.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 256 << 10 // 256 KiB

	// Max rows in one history window.
	maxWindow = 500

	// Max session title length (runes).
	maxTitleChars = 200

	// Max concurrent subscriptions per connection.
	maxSubscriptions = 256
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 240
	rateLimitWindow = 10 * time.Second
)
