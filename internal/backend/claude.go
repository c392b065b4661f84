package backend

import (
	"encoding/json"
	"fmt"
	"strings"
)

// claudeFamily speaks the Claude CLI contract: print mode with stream-json
// output, NDJSON events, a final "result" event carrying the canonical reply
// and the session id.
var claudeFamily = &Family{
	Name:    "claude",
	Command: "claude",
	BaseArgv: []string{
		"claude", "-p", "--output-format", "json",
	},
	StreamingArgv: []string{
		"claude", "-p", "--output-format", "stream-json", "--verbose",
		"--include-partial-messages",
	},
	ResumeArgs: func(token string) []string {
		return []string{"--resume", token}
	},
	ModelArgs: func(model string) []string {
		return []string{"--model", model}
	},
	VersionProbe: []string{"claude", "--version"},
	InstallHint:  "install the Claude CLI: npm install -g @anthropic-ai/claude-code",
	StreamExt:    ".jsonl",

	ParseResponse:      parseClaudeResponse,
	ExtractStreamFrame: extractClaudeFrame,
}

// claudeEvent covers every event shape the final parser and the stream
// extractor read. Streaming deltas may arrive flat or nested inside a
// stream_event envelope; both shapes must keep parsing.
type claudeEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Result    string `json:"result,omitempty"`

	Message *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content"`
	} `json:"message,omitempty"`

	Delta *struct {
		Type     string `json:"type"`
		Text     string `json:"text,omitempty"`
		Thinking string `json:"thinking,omitempty"`
	} `json:"delta,omitempty"`

	// Envelope form: {"type":"stream_event","event":{...}}.
	Event json.RawMessage `json:"event,omitempty"`
}

func parseClaudeResponse(stdout, stderr []byte, exitCode int) Response {
	var resp Response
	var assistantText strings.Builder

	for _, doc := range documents(stdout) {
		var ev claudeEvent
		if err := json.Unmarshal(doc, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "result":
			resp.Text = ev.Result
			resp.SessionToken = ev.SessionID
			if ev.IsError {
				resp.IsError = true
				resp.ErrorMessage = ev.Result
				if resp.ErrorMessage == "" {
					resp.ErrorMessage = "agent reported " + ev.Subtype
				}
			}
		case "assistant":
			if ev.SessionID != "" {
				resp.SessionToken = ev.SessionID
			}
			if ev.Message != nil {
				for _, block := range ev.Message.Content {
					if block.Type == "text" {
						assistantText.WriteString(block.Text)
					}
				}
			}
		case "system":
			if ev.SessionID != "" && resp.SessionToken == "" {
				resp.SessionToken = ev.SessionID
			}
		}
	}

	// No result event: fall back to accumulated assistant text.
	if resp.Text == "" {
		resp.Text = assistantText.String()
	}
	if exitCode != 0 && !resp.IsError {
		resp.IsError = true
		resp.ErrorMessage = fmt.Sprintf("claude exited %d: %s", exitCode, stderrTail(stderr))
	}
	return resp
}

func extractClaudeFrame(line []byte) (Frame, bool) {
	var ev claudeEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return Frame{}, false
	}

	// Unwrap the stream_event envelope, then handle the inner event with the
	// same code path as the flat shape.
	if ev.Type == "stream_event" && len(ev.Event) > 0 {
		inner := ev.Event
		ev = claudeEvent{}
		if err := json.Unmarshal(inner, &ev); err != nil {
			return Frame{}, false
		}
	}

	switch ev.Type {
	case "content_block_delta":
		if ev.Delta == nil {
			return Frame{}, false
		}
		switch ev.Delta.Type {
		case "text_delta":
			return Frame{Kind: FrameToken, Text: ev.Delta.Text}, true
		case "thinking_delta":
			return Frame{Kind: FrameThinking, Text: ev.Delta.Thinking}, true
		}
		return Frame{}, false
	case "system":
		if ev.Subtype == "init" {
			if ev.SessionID != "" {
				return Frame{Kind: FrameSession, Session: ev.SessionID}, true
			}
			return Frame{Kind: FrameStatus, Phase: "init"}, true
		}
		return Frame{}, false
	case "assistant":
		// Full-message events duplicate the deltas; skip in streaming mode.
		return Frame{}, false
	case "result":
		if ev.IsError {
			msg := ev.Result
			if msg == "" {
				msg = "agent reported " + ev.Subtype
			}
			return Frame{Kind: FrameError, Message: msg}, true
		}
		return Frame{Kind: FrameStatus, Phase: "done"}, true
	}
	return Frame{}, false
}
