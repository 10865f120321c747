package protocol

// Event types carried on the feed.
const (
	TypeHello          = "hello"
	TypeError          = "error"
	TypeLog            = "log"
	TypeProgress       = "progress"
	TypeTransferStart  = "transfer_start"
	TypeTransferDone   = "transfer_done"
	TypeTransferFailed = "transfer_failed"
)
