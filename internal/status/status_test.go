package status_test

import (
	"testing"

	"github.com/NamanBalaji/gridmover/internal/status"
)

func TestString(t *testing.T) {
	tests := map[status.Status]string{
		status.Pending:         "Pending",
		status.Connecting:      "Connecting",
		status.Active:          "Active",
		status.WaitingForSpace: "WaitingForSpace",
		status.Completed:       "Completed",
		status.Failed:          "Failed",
		status.Cancelled:       "Cancelled",
		42:                     "Unknown",
	}
	for s, want := range tests {
		if got := status.String(s); got != want {
			t.Errorf("String(%d) = %q, want %q", s, got, want)
		}
	}
}
