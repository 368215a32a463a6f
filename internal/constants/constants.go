package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
	KafkaFetchBackoff = time.Second
)

const (
	ShutdownTimeout   = 10 * time.Second
	ReadHeaderTimeout = 5 * time.Second
)

const (
	DefaultDeadLetterLimit = 100
	MaxDeadLetterLimit     = 1000
)

const (
	ServiceName = "pulse"
	RoomIDParam = "room_id"
	TokenParam  = "token"
)

// ReactionsGroup is the consumer group of the cross-domain reactions.
const ReactionsGroup = "reactions"
