package thread

import "strings"

// Failure body prefixes. These are the only failure signal in the store; a
// body starting with none of them is a successful reply. Every consumer
// (status deriver, retry engine, display) goes through Classify rather than
// matching the strings itself.
const (
	ErrorPrefix       = "*Error:"
	TimeoutPrefix     = "*Timeout:"
	InterruptedPrefix = "*Interrupted:"
)

// Outcome is the classification of a message body.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeError
	OutcomeTimeout
	OutcomeInterrupted
)

// Classify inspects a message body for a failure prefix.
func Classify(body string) Outcome {
	trimmed := strings.TrimLeft(body, " \t\n")
	switch {
	case strings.HasPrefix(trimmed, TimeoutPrefix):
		return OutcomeTimeout
	case strings.HasPrefix(trimmed, InterruptedPrefix):
		return OutcomeInterrupted
	case strings.HasPrefix(trimmed, ErrorPrefix):
		return OutcomeError
	}
	return OutcomeOK
}

// IsFailure reports whether the body carries any failure prefix.
func IsFailure(body string) bool {
	return Classify(body) != OutcomeOK
}

// FailureBody composes an error-prefixed body: the prefix and a one-line
// description, then a blank line and any captured partial text.
func FailureBody(prefix, description, partial string) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte(' ')
	b.WriteString(strings.TrimSpace(description))
	if partial = strings.TrimSpace(partial); partial != "" {
		b.WriteString("\n\n")
		b.WriteString(partial)
	}
	b.WriteByte('\n')
	return b.String()
}
