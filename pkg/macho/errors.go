package macho

import (
	"errors"
	"fmt"
)

var (
	ErrUnrecognized    = errors.New("unrecognized mach-o magic")
	ErrUnsupportedArch = errors.New("no fat slice for the requested cpu")
)

// FormatError is returned when the data does not have the expected layout.
type FormatError struct {
	Off int64
	Msg string
	Val interface{}
}

func (e *FormatError) Error() string {
	msg := e.Msg
	if e.Val != nil {
		msg += fmt.Sprintf(" '%v'", e.Val)
	}
	msg += fmt.Sprintf(" in record at byte %#x", e.Off)
	return msg
}

func formatError(off uint64, msg string, val interface{}) error {
	return &FormatError{Off: int64(off), Msg: msg, Val: val}
}

// IsMalformed reports whether err was caused by malformed input data.
func IsMalformed(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe) || errors.Is(err, ErrUnrecognized)
}
