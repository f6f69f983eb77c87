package repository

import (
	"time"

	"github.com/google/uuid"

	"github.com/NamanBalaji/gridmover/internal/blocklog"
	"github.com/NamanBalaji/gridmover/internal/digest"
)

type Repository interface {
	Save(record *TransferRecord) error
	Find(id uuid.UUID) (*TransferRecord, error)
	FindAll() ([]*TransferRecord, error)
	Delete(id uuid.UUID) error
}

// TransferRecord is the history entry of one finished or failed transfer.
type TransferRecord struct {
	ID        uuid.UUID         `json:"id"`
	Role      string            `json:"role"`
	Mode      string            `json:"mode"`
	File      string            `json:"file"`
	Remotes   []string          `json:"remotes,omitempty"`
	Offset    int64             `json:"offset"`
	Size      int64             `json:"size"`
	Bytes     int64             `json:"bytes"`
	StartTime time.Time         `json:"startTime"`
	Duration  time.Duration     `json:"duration"`
	Status    string            `json:"status"`
	Error     string            `json:"error,omitempty"`
	Checksums []digest.Checksum `json:"checksums,omitempty"`
	Fragments []blocklog.Range  `json:"fragments,omitempty"`
}
