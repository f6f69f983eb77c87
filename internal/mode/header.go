package mode

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/NamanBalaji/gridmover/internal/errors"
)

// Descriptor flags of a block header.
const (
	FlagEOR            byte = 0x80
	FlagEOF            byte = 0x40
	FlagSuspectedError byte = 0x20
	FlagRestartMarker  byte = 0x10
	FlagEOD            byte = 0x08
	FlagSenderCloses   byte = 0x04
)

const (
	EBlockHeaderLen = 17
	XBlockHeaderLen = 25

	eblockFlags = FlagEOR | FlagEOF | FlagSuspectedError | FlagRestartMarker | FlagEOD | FlagSenderCloses
	xblockFlags = FlagEOF | FlagEOD | FlagSenderCloses
)

// Header frames one block on a block mode data connection. For a block
// carrying FlagEOF, Offset holds the number of EODs the receiver must expect.
type Header struct {
	Flags    byte
	Count    int64
	Offset   int64
	Reserved int64
}

func (h Header) Has(flag byte) bool {
	return h.Flags&flag != 0
}

func (h Header) String() string {
	var flags []string
	for _, f := range []struct {
		bit  byte
		name string
	}{
		{FlagEOR, "EOR"}, {FlagEOF, "EOF"}, {FlagSuspectedError, "ERR"},
		{FlagRestartMarker, "RESTART"}, {FlagEOD, "EOD"}, {FlagSenderCloses, "SC"},
	} {
		if h.Has(f.bit) {
			flags = append(flags, f.name)
		}
	}
	return fmt.Sprintf("{%s count=%d offset=%d}", strings.Join(flags, "|"), h.Count, h.Offset)
}

// AppendEBlock appends the 17 byte extended block encoding of h.
func (h Header) AppendEBlock(b []byte) []byte {
	b = append(b, h.Flags)
	b = binary.BigEndian.AppendUint64(b, uint64(h.Count))
	b = binary.BigEndian.AppendUint64(b, uint64(h.Offset))
	return b
}

// AppendXBlock appends the 25 byte flow controlled block encoding of h.
func (h Header) AppendXBlock(b []byte) []byte {
	b = h.AppendEBlock(b)
	b = binary.BigEndian.AppendUint64(b, uint64(h.Reserved))
	return b
}

// ParseEBlockHeader decodes a 17 byte extended block header.
func ParseEBlockHeader(b []byte) (Header, error) {
	return parseHeader(b, EBlockHeaderLen, eblockFlags)
}

// ParseXBlockHeader decodes a 25 byte flow controlled block header.
func ParseXBlockHeader(b []byte) (Header, error) {
	h, err := parseHeader(b, XBlockHeaderLen, xblockFlags)
	if err != nil {
		return h, err
	}
	h.Reserved = int64(binary.BigEndian.Uint64(b[17:25]))
	return h, nil
}

func parseHeader(b []byte, size int, known byte) (Header, error) {
	if len(b) < size {
		return Header{}, fmt.Errorf("%w: short header of %d bytes", errors.ErrInvalidArgument, len(b))
	}

	h := Header{
		Flags:  b[0],
		Count:  int64(binary.BigEndian.Uint64(b[1:9])),
		Offset: int64(binary.BigEndian.Uint64(b[9:17])),
	}

	if unknown := h.Flags &^ known; unknown != 0 {
		return h, fmt.Errorf("%w: 0x%02x", errors.ErrUnknownFlags, unknown)
	}
	if h.Count < 0 || h.Offset < 0 {
		return h, fmt.Errorf("%w: negative count or offset in %s", errors.ErrInvalidArgument, h)
	}
	if h.Offset > math.MaxInt64-h.Count {
		return h, fmt.Errorf("%w: block end overflows in %s", errors.ErrInvalidArgument, h)
	}
	return h, nil
}
