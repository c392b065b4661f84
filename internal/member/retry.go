package member

import "strings"

// Classification buckets one finished run for the retry machinery.
type Classification int

const (
	ClassSucceeded Classification = iota
	ClassRetriable
	ClassNonRetriable
	ClassTimedOut
)

func (c Classification) String() string {
	switch c {
	case ClassSucceeded:
		return "succeeded"
	case ClassRetriable:
		return "retriable"
	case ClassNonRetriable:
		return "non_retriable"
	case ClassTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// notFoundMarkers in stderr mean the vendor binary itself is broken or
// absent; running again cannot help.
var notFoundMarkers = []string{
	"command not found",
	"executable file not found",
	"no such file or directory",
}

// versionMarkers mean our invocation shape does not match the installed CLI
// version. Also hopeless without operator action.
var versionMarkers = []string{
	"unknown flag",
	"unknown option",
	"unrecognized argument",
	"unexpected argument",
	"requires a newer version",
}

// Classify is the pure retry classifier: from the observable outcome of one
// run to a retry bucket.
//
// Timeouts are not auto-retriable because the same prompt will likely time
// out again; the user re-runs them explicitly through retry. A clean exit
// with empty output is retriable once since vendor CLIs occasionally swallow
// a reply. Any other non-zero exit is presumed transient.
func Classify(exitCode int, stderrTail, stdout string, timedOut bool) Classification {
	if timedOut {
		return ClassTimedOut
	}

	lower := strings.ToLower(stderrTail)
	for _, marker := range notFoundMarkers {
		if strings.Contains(lower, marker) {
			return ClassNonRetriable
		}
	}
	if exitCode == 127 {
		return ClassNonRetriable
	}
	for _, marker := range versionMarkers {
		if strings.Contains(lower, marker) {
			return ClassNonRetriable
		}
	}

	if exitCode == 0 {
		if strings.TrimSpace(stdout) == "" {
			return ClassRetriable
		}
		return ClassSucceeded
	}
	return ClassRetriable
}

// ShouldAutoRetry reports whether the runner should re-run the agent once on
// its own. Interrupted runs never retry; the operator cancelled on purpose.
func ShouldAutoRetry(resp *Response) bool {
	if resp.Interrupted || resp.TimedOut {
		return false
	}
	if resp.Err == nil {
		return false
	}
	return Classify(resp.ExitCode, resp.StderrTail, string(resp.Stdout), false) == ClassRetriable
}

// ShouldRetry reports whether a user-driven retry may re-run this response.
// Unlike auto-retry this includes timeouts, which surface to the user as
// retriable-by-command.
func ShouldRetry(resp *Response) bool {
	if resp.Err == nil && !resp.TimedOut && !resp.Interrupted {
		return false
	}
	class := Classify(resp.ExitCode, resp.StderrTail, string(resp.Stdout), resp.TimedOut)
	return class != ClassNonRetriable
}
