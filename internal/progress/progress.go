package progress

import "time"

type Progress interface {
	GetTotalSize() int64
	GetTransferred() int64
	GetPercentage() float64
	GetSpeedBPS() int64
	GetETA() string
}

// Snapshot is a point-in-time Progress value.
type Snapshot struct {
	TotalSize   int64
	Transferred int64
	SpeedBPS    int64
	Elapsed     time.Duration
}

func (s Snapshot) GetTotalSize() int64   { return s.TotalSize }
func (s Snapshot) GetTransferred() int64 { return s.Transferred }
func (s Snapshot) GetSpeedBPS() int64    { return s.SpeedBPS }

// GetPercentage returns 0 when the total is unknown.
func (s Snapshot) GetPercentage() float64 {
	if s.TotalSize <= 0 {
		return 0
	}
	pct := float64(s.Transferred) / float64(s.TotalSize) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (s Snapshot) GetETA() string {
	if s.SpeedBPS <= 0 || s.TotalSize <= 0 || s.Transferred >= s.TotalSize {
		return "-"
	}
	remaining := s.TotalSize - s.Transferred
	return (time.Duration(remaining/s.SpeedBPS) * time.Second).String()
}
