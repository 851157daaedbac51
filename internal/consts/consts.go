package consts

const (
	SSEEventPrefix = "event: "
	SSEDataPrefix  = "data: "
	SSEKeepAlive   = ":keepalive\n\n"

	// Redis key prefixes.
	TasksKeyPrefix  = "tasks:"
	SubmitKeyPrefix = "submit:"
)
