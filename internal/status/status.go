package status

type Status = int32

const (
	Pending Status = iota
	Connecting
	Active
	WaitingForSpace
	Completed
	Failed
	Cancelled
)

// String returns the display name of s.
func String(s Status) string {
	switch s {
	case Pending:
		return "Pending"
	case Connecting:
		return "Connecting"
	case Active:
		return "Active"
	case WaitingForSpace:
		return "WaitingForSpace"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}
