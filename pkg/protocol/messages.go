package protocol

// Hello greets a feed subscriber.
type Hello struct {
	App     string `json:"app"`
	Role    string `json:"role"`
	Version int    `json:"version"`
}

// Error reports a feed-level problem.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Log is one human-readable line.
type Log struct {
	Line string `json:"line"`
}

// ChunkState is the progress of one chunk.
type ChunkState struct {
	Index   int     `json:"index"`
	Percent float64 `json:"percent"`
	Done    bool    `json:"done"`
}

// Progress is a snapshot of one file in flight.
type Progress struct {
	File      string       `json:"file"`
	Chunks    []ChunkState `json:"chunks"`
	BytesDone int64        `json:"bytes_done"`
	Total     int64        `json:"total"`
	RateBps   float64      `json:"rate_bps"`
	ETAMillis int64        `json:"eta_ms"`
	Done      bool         `json:"done"`
}

// TransferStart announces a file about to move.
type TransferStart struct {
	File    string `json:"file"`
	Size    int64  `json:"size"`
	Chunks  int    `json:"chunks"`
	Binding string `json:"binding"`
	Peer    string `json:"peer,omitempty"`
}

// TransferDone reports a completed file.
type TransferDone struct {
	File       string `json:"file"`
	Size       int64  `json:"size"`
	DurationMS int64  `json:"duration_ms"`
}

// TransferFailed reports a file that could not be moved.
type TransferFailed struct {
	File  string `json:"file"`
	Error string `json:"error"`
}
