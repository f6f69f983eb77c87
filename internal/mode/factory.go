//go:build unix

package mode

import (
	"fmt"
	"strings"

	"github.com/NamanBalaji/gridmover/internal/errors"
)

// New returns the mode named by letter: S (stream), E (extended block) or
// X (flow controlled block). A blockSize of 0 selects the mode's default.
func New(letter string, role Role, channel Channel, monitor Monitor, blockSize int) (Mode, error) {
	switch strings.ToUpper(letter) {
	case "S":
		m, err := NewStreamMode(role, channel, monitor, orDefault(blockSize, DefaultStreamBlockSize))
		if err != nil {
			return nil, err
		}
		return m, nil
	case "E":
		m, err := NewEBlockMode(role, channel, monitor, orDefault(blockSize, DefaultEBlockBlockSize))
		if err != nil {
			return nil, err
		}
		return m, nil
	case "X":
		m, err := NewXBlockMode(role, channel, monitor, orDefault(blockSize, DefaultXBlockBlockSize))
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, errors.NewConfigurationError(
			fmt.Errorf("%w: unknown mode %q", errors.ErrInvalidConfiguration, letter), "mode")
	}
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
