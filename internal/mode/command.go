package mode

import (
	"bytes"
	"fmt"

	"github.com/NamanBalaji/gridmover/internal/errors"
)

// Command is a newline terminated control message of flow controlled mode.
type Command string

const (
	CommandReady Command = "READY"
	CommandBye   Command = "BYE"
	CommandClose Command = "CLOSE"
)

const maxCommandLen = 64

func (c Command) bytes() []byte {
	return []byte(string(c) + "\n")
}

// commandReader splits a byte stream into commands.
type commandReader struct {
	buf []byte
}

// feed adds p and returns every command completed by it.
func (cr *commandReader) feed(p []byte) ([]Command, error) {
	cr.buf = append(cr.buf, p...)

	var cmds []Command
	for {
		i := bytes.IndexByte(cr.buf, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(cr.buf[:i], "\r"))
		cr.buf = cr.buf[i+1:]

		switch cmd := Command(line); cmd {
		case CommandReady, CommandBye, CommandClose:
			cmds = append(cmds, cmd)
		default:
			return cmds, fmt.Errorf("%w: %q", errors.ErrUnknownCommand, line)
		}
	}

	if len(cr.buf) > maxCommandLen {
		return cmds, fmt.Errorf("%w: line longer than %d bytes", errors.ErrUnknownCommand, maxCommandLen)
	}
	return cmds, nil
}

// pending reports whether a partial command is buffered.
func (cr *commandReader) pending() bool {
	return len(cr.buf) > 0
}
