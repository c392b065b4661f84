// Package backend maps backend-family names to the CLI contract of each
// vendor agent: how to invoke it, how to resume a prior session, how to probe
// for its presence, and how to parse both its final output and its live
// event stream into normalized frames.
//
// Families are plain records in a process-wide table. Adding a vendor is
// adding one record; nothing else in the codebase branches on family names.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"sync"

	"github.com/jbohnslav/kingdom/internal/common/errs"
)

// FrameKind discriminates normalized stream frames.
type FrameKind string

const (
	FrameToken    FrameKind = "token"
	FrameThinking FrameKind = "thinking"
	FrameStatus   FrameKind = "status"
	FrameError    FrameKind = "error"
	FrameSession  FrameKind = "session"
)

// Frame is one normalized event extracted from a vendor stream line.
// Only the field matching Kind is populated.
type Frame struct {
	Kind    FrameKind `json:"kind"`
	Text    string    `json:"text,omitempty"`    // token, thinking
	Phase   string    `json:"phase,omitempty"`   // status
	Message string    `json:"message,omitempty"` // error
	Session string    `json:"session,omitempty"` // session
}

// Response is the canonical reply parsed from an agent's final output.
type Response struct {
	Text         string
	SessionToken string
	IsError      bool
	ErrorMessage string
}

// Family is the CLI contract for one vendor backend.
type Family struct {
	// Name is the registry key used by config.json backend references.
	Name string

	// Command is the vendor binary; also argv[0] of every invocation.
	Command string

	// BaseArgv is the full non-streaming invocation prefix, command included.
	BaseArgv []string

	// StreamingArgv overrides BaseArgv when token-level streaming is wanted.
	// Nil means the family has no separate streaming mode.
	StreamingArgv []string

	// ResumeArgs renders the arguments that continue a prior session.
	// A function rather than a flag string because some vendors resume via a
	// positional sub-verb instead of a flag. Nil means no resume support.
	ResumeArgs func(token string) []string

	// ModelArgs renders the arguments selecting a model. Nil means the
	// family has no model flag.
	ModelArgs func(model string) []string

	// VersionProbe is an argv that prints a version and exits zero.
	VersionProbe []string

	// InstallHint is shown when the binary is missing or the probe fails.
	InstallHint string

	// StreamExt is the stream-file extension: ".jsonl" for NDJSON families,
	// ".json" for single-document families.
	StreamExt string

	// ParseResponse consumes the final captured output of a completed run.
	ParseResponse func(stdout, stderr []byte, exitCode int) Response

	// ExtractStreamFrame consumes one line of the live stream and returns a
	// normalized frame, or false to skip the line. Must never fail on an
	// unknown event shape.
	ExtractStreamFrame func(line []byte) (Frame, bool)
}

// Argv returns the invocation prefix for the requested mode.
func (f *Family) Argv(streaming bool) []string {
	if streaming && len(f.StreamingArgv) > 0 {
		return append([]string(nil), f.StreamingArgv...)
	}
	return append([]string(nil), f.BaseArgv...)
}

// SupportsResume reports whether the family can continue a prior session.
func (f *Family) SupportsResume() bool {
	return f.ResumeArgs != nil
}

var registry = map[string]*Family{
	claudeFamily.Name: claudeFamily,
	codexFamily.Name:  codexFamily,
	cursorFamily.Name: cursorFamily,
}

// Get returns the family registered under name.
func Get(name string) (*Family, error) {
	f, ok := registry[name]
	if !ok {
		return nil, errs.NotFound("backend family", name)
	}
	return f, nil
}

// IsRegistered reports whether name is a known backend family.
func IsRegistered(name string) bool {
	_, ok := registry[name]
	return ok
}

// Families returns the registered family names in sorted order.
func Families() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// probeResult memoizes one family's availability check for the process
// lifetime. Vendor CLIs do not appear or vanish mid-run.
type probeResult struct {
	once sync.Once
	err  error
}

var (
	probeMu sync.Mutex
	probes  = map[string]*probeResult{}
)

// Probe verifies the family's CLI is installed and answers its version
// probe. The result is cached per family for the life of the process.
func Probe(ctx context.Context, f *Family) error {
	probeMu.Lock()
	p, ok := probes[f.Name]
	if !ok {
		p = &probeResult{}
		probes[f.Name] = p
	}
	probeMu.Unlock()

	p.once.Do(func() {
		if _, err := exec.LookPath(f.Command); err != nil {
			p.err = errs.BackendUnavailable(f.Name, f.InstallHint, err)
			return
		}
		if len(f.VersionProbe) == 0 {
			return
		}
		cmd := exec.CommandContext(ctx, f.VersionProbe[0], f.VersionProbe[1:]...)
		if out, err := cmd.CombinedOutput(); err != nil {
			p.err = errs.BackendUnavailable(f.Name, f.InstallHint,
				fmt.Errorf("version probe failed: %w: %s", err, bytes.TrimSpace(out)))
		}
	})
	return p.err
}

// documents splits captured output into JSON documents per the parser
// auto-detection rule: a strict one-shot parse wins; otherwise each line is
// parsed independently and blank or malformed lines are skipped. A single
// NDJSON event therefore parses the same either way.
func documents(data []byte) [][]byte {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	var probe json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err == nil {
		return [][]byte{trimmed}
	}
	var docs [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		docs = append(docs, line)
	}
	return docs
}

// stderrTail returns the last few lines of stderr for error messages.
func stderrTail(stderr []byte) string {
	lines := bytes.Split(bytes.TrimSpace(stderr), []byte("\n"))
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return string(bytes.Join(lines, []byte("\n")))
}
