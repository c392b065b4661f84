package backend

import (
	"encoding/json"
	"fmt"
)

// codexFamily speaks the Codex CLI contract: "codex exec --json" emits
// NDJSON thread/turn/item events; the canonical reply is the last completed
// agent_message item. Resume is a positional sub-verb, not a flag.
var codexFamily = &Family{
	Name:    "codex",
	Command: "codex",
	BaseArgv: []string{
		"codex", "exec", "--json",
	},
	ResumeArgs: func(token string) []string {
		return []string{"resume", token}
	},
	ModelArgs: func(model string) []string {
		return []string{"-m", model}
	},
	VersionProbe: []string{"codex", "--version"},
	InstallHint:  "install the Codex CLI: npm install -g @openai/codex",
	StreamExt:    ".jsonl",

	ParseResponse:      parseCodexResponse,
	ExtractStreamFrame: extractCodexFrame,
}

type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id,omitempty"`

	Item *struct {
		Type string `json:"item_type,omitempty"`
		// Newer builds nest the discriminator under "type" instead.
		AltType string `json:"type,omitempty"`
		Text    string `json:"text,omitempty"`
	} `json:"item,omitempty"`

	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`

	Message string `json:"message,omitempty"`
}

func (e *codexEvent) itemType() string {
	if e.Item == nil {
		return ""
	}
	if e.Item.Type != "" {
		return e.Item.Type
	}
	return e.Item.AltType
}

func (e *codexEvent) errorMessage() string {
	if e.Error != nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return e.Message
}

func parseCodexResponse(stdout, stderr []byte, exitCode int) Response {
	var resp Response

	for _, doc := range documents(stdout) {
		var ev codexEvent
		if err := json.Unmarshal(doc, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "thread.started":
			resp.SessionToken = ev.ThreadID
		case "item.completed":
			switch ev.itemType() {
			case "agent_message":
				resp.Text = ev.Item.Text
			case "error":
				resp.IsError = true
				resp.ErrorMessage = ev.Item.Text
			}
		case "turn.failed", "error":
			resp.IsError = true
			if msg := ev.errorMessage(); msg != "" {
				resp.ErrorMessage = msg
			}
		}
	}

	if resp.IsError && resp.ErrorMessage == "" {
		resp.ErrorMessage = "codex turn failed"
	}
	if exitCode != 0 && !resp.IsError {
		resp.IsError = true
		resp.ErrorMessage = fmt.Sprintf("codex exited %d: %s", exitCode, stderrTail(stderr))
	}
	return resp
}

func extractCodexFrame(line []byte) (Frame, bool) {
	var ev codexEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return Frame{}, false
	}

	switch ev.Type {
	case "thread.started":
		if ev.ThreadID != "" {
			return Frame{Kind: FrameSession, Session: ev.ThreadID}, true
		}
		return Frame{}, false
	case "turn.started":
		return Frame{Kind: FrameStatus, Phase: "running"}, true
	case "item.completed":
		switch ev.itemType() {
		case "agent_message":
			return Frame{Kind: FrameToken, Text: ev.Item.Text}, true
		case "reasoning":
			return Frame{Kind: FrameThinking, Text: ev.Item.Text}, true
		case "error":
			return Frame{Kind: FrameError, Message: ev.Item.Text}, true
		}
		return Frame{}, false
	case "turn.completed":
		return Frame{Kind: FrameStatus, Phase: "done"}, true
	case "turn.failed", "error":
		msg := ev.errorMessage()
		if msg == "" {
			msg = "codex turn failed"
		}
		return Frame{Kind: FrameError, Message: msg}, true
	}
	return Frame{}, false
}
