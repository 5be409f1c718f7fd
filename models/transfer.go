package models

import "time"

// Transfer directions.
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

// Transfer outcomes.
const (
	TransferStatusComplete   = "complete"
	TransferStatusIncomplete = "incomplete"
	TransferStatusFailed     = "failed"
)

// Transfer summarizes one finished sender or receiver flow.
type Transfer struct {
	TransferID       string    `json:"transfer_id"`
	Direction        string    `json:"direction"`
	PeerAddress      string    `json:"peer_address"`
	FileName         string    `json:"file_name"`
	StoredPath       string    `json:"stored_path"`
	FileSize         int64     `json:"file_size"`
	BytesTransferred int64     `json:"bytes_transferred"`
	Status           string    `json:"status"`
	Error            string    `json:"error,omitempty"`
	Digest           string    `json:"digest,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

// Succeeded reports whether the transfer completed and was acknowledged.
func (t Transfer) Succeeded() bool {
	return t.Status == TransferStatusComplete
}
