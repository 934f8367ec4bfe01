package agent

import "errors"

// ErrToolLoopExhausted marks a turn that hit the tool-loop iteration cap
// with tool calls still pending.
var ErrToolLoopExhausted = errors.New("agent: tool loop exhausted")

// ErrInterrupted marks a turn cancelled by the user. Partial content is
// persisted with an interruption suffix; chat.done is not emitted.
var ErrInterrupted = errors.New("agent: turn interrupted")

// InterruptSuffix is appended to partially persisted assistant content.
const InterruptSuffix = " [Interrupted by user]"
