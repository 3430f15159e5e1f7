package network

import "time"

const (
	connTimeout    = 10 * time.Second
	requestTimeout = 3 * time.Second
	maxMsgSize     = 1024 * 1024 // 1MB
	maxSessions    = 128
)
