package ipc

// Message types (spec §6.1). Wire messages are tagged sum types; unknown
// tags are rejected as protocol errors.
const (
	MsgEnqueue             = "enqueue"
	MsgCancel              = "cancel"
	MsgStatus              = "status"
	MsgShutdown            = "shutdown"
	MsgPlaybackComplete    = "playback_complete"
	MsgPlaybackFailed      = "playback_failed"
	MsgPlaybackInterrupted = "playback_interrupted"

	MsgQueued     = "queued"
	MsgCancelled  = "cancelled"
	MsgStatusResp = "status"
	MsgError      = "error"
	MsgShutdownAck = "shutdown_ack"
	MsgPlayNow    = "play_now"
	MsgAbort      = "abort"
)

// EnqueuePayload is the body of an "enqueue" request.
type EnqueuePayload struct {
	Text        string      `json:"text"`
	Priority    int         `json:"priority"`
	VoiceConfig interface{} `json:"voiceConfig"`
	SessionID   string      `json:"sessionId,omitempty"`
	AgentID     string      `json:"agentId,omitempty"`
	Timeout     int64       `json:"timeout,omitempty"`
}

// WireItem is the item payload forwarded to clients in play_now.
type WireItem struct {
	ID          string      `json:"id"`
	Text        string      `json:"text"`
	Priority    int         `json:"priority"`
	VoiceConfig interface{} `json:"voiceConfig"`
	SessionID   string      `json:"sessionId,omitempty"`
	AgentID     string      `json:"agentId,omitempty"`
}

// StatusPayload mirrors queue.Stats on the wire.
type StatusPayload struct {
	QueueLength    int         `json:"queueLength"`
	CurrentItemID  string      `json:"currentItemId,omitempty"`
	BandCounts     map[int]int `json:"bandCounts"`
	TotalProcessed int64       `json:"totalProcessed"`
	TotalDropped   int64       `json:"totalDropped"`
	MeanWaitMs     float64     `json:"meanWaitMs"`
	IsPlaying      bool        `json:"isPlaying"`
}

// Message is the single envelope used for every wire exchange (spec §6.1),
// modelled as one discriminated-by-Type struct rather than per-type structs
// so a malformed or unknown Type is trivial to reject generically.
type Message struct {
	Type string `json:"type"`

	// Requests.
	Payload    *EnqueuePayload `json:"payload,omitempty"`
	ID         string          `json:"id,omitempty"`
	RequestID  string          `json:"requestId,omitempty"`
	DurationMs int64           `json:"durationMs,omitempty"`
	Error      string          `json:"error,omitempty"`

	// Responses.
	Position int            `json:"position,omitempty"`
	Stats    *StatusPayload `json:"stats,omitempty"`
	Message  string         `json:"message,omitempty"`
	Item     *WireItem      `json:"item,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}
