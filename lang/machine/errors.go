package machine

import (
	"fmt"
	"strings"
)

// A TraceFrame is one entry of a runtime error's stack trace.
type TraceFrame struct {
	Function string
	Line     int
}

// A RuntimeError is the fatal error produced by a machine fault. It
// carries the stack trace at the point of the fault, newest frame first.
// The machine must not be resumed after a RuntimeError.
type RuntimeError struct {
	Msg   string
	Trace []TraceFrame
}

func (e *RuntimeError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[error]: %s.", e.Msg)
	for _, tf := range e.Trace {
		fmt.Fprintf(&sb, "\n         at [line %d] in %s", tf.Line, tf.Function)
	}
	return sb.String()
}
