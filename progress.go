//go:build unix

package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/NamanBalaji/gridmover/internal/mover"
)

// progressBar renders percentage as a bar width characters wide.
func progressBar(percentage float64, width int) string {
	completed := int(percentage * float64(width) / 100)
	completed = min(max(completed, 0), width)
	return "[" + strings.Repeat("=", completed) + strings.Repeat(" ", width-completed) + "]"
}

func progressLine(mv *mover.Mover) string {
	p := mv.Progress()
	if p.GetTotalSize() <= 0 {
		return fmt.Sprintf("%s %d bytes %.2f MiB/s",
			mv.StatusString(), p.GetTransferred(), float64(p.GetSpeedBPS())/(1024*1024))
	}
	return fmt.Sprintf("%s %s %.1f%% %.2f MiB/s ETA %s",
		mv.StatusString(),
		progressBar(p.GetPercentage(), 30),
		p.GetPercentage(),
		float64(p.GetSpeedBPS())/(1024*1024),
		p.GetETA())
}

// printProgress redraws the progress of mv on w until stop is closed.
func printProgress(w io.Writer, mv *mover.Mover, stop <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	clearLine := func() {
		fmt.Fprint(w, "\r\033[K")
	}

	for {
		select {
		case <-ticker.C:
			clearLine()
			fmt.Fprint(w, progressLine(mv))
		case <-stop:
			clearLine()
			fmt.Fprintln(w, progressLine(mv))
			return
		}
	}
}
