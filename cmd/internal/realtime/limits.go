package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	minSendQueueSize = 32
	closeGrace       = 1 * time.Second
	maxPingFailures  = 3

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)
