package backend

import (
	"encoding/json"
	"fmt"
)

// cursorFamily speaks the Cursor agent CLI contract. Its event shapes track
// the Claude family today but drift independently, so the parser is its own
// copy rather than a shared one.
var cursorFamily = &Family{
	Name:    "cursor",
	Command: "cursor-agent",
	BaseArgv: []string{
		"cursor-agent", "-p", "--output-format", "json",
	},
	StreamingArgv: []string{
		"cursor-agent", "-p", "--output-format", "stream-json",
	},
	ResumeArgs: func(token string) []string {
		return []string{"--resume", token}
	},
	ModelArgs: func(model string) []string {
		return []string{"--model", model}
	},
	VersionProbe: []string{"cursor-agent", "--version"},
	InstallHint:  "install the Cursor agent CLI: curl https://cursor.com/install -fsS | bash",
	StreamExt:    ".jsonl",

	ParseResponse:      parseCursorResponse,
	ExtractStreamFrame: extractCursorFrame,
}

type cursorEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Result    string `json:"result,omitempty"`

	Message *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content"`
	} `json:"message,omitempty"`
}

func (e *cursorEvent) session() string {
	if e.ChatID != "" {
		return e.ChatID
	}
	return e.SessionID
}

func parseCursorResponse(stdout, stderr []byte, exitCode int) Response {
	var resp Response

	for _, doc := range documents(stdout) {
		var ev cursorEvent
		if err := json.Unmarshal(doc, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "result":
			resp.Text = ev.Result
			resp.SessionToken = ev.session()
			if ev.IsError {
				resp.IsError = true
				resp.ErrorMessage = ev.Result
				if resp.ErrorMessage == "" {
					resp.ErrorMessage = "agent reported " + ev.Subtype
				}
			}
		case "assistant":
			if resp.Text == "" && ev.Message != nil {
				for _, block := range ev.Message.Content {
					if block.Type == "text" {
						resp.Text += block.Text
					}
				}
			}
			if s := ev.session(); s != "" {
				resp.SessionToken = s
			}
		}
	}

	if exitCode != 0 && !resp.IsError {
		resp.IsError = true
		resp.ErrorMessage = fmt.Sprintf("cursor-agent exited %d: %s", exitCode, stderrTail(stderr))
	}
	return resp
}

func extractCursorFrame(line []byte) (Frame, bool) {
	var ev cursorEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return Frame{}, false
	}

	switch ev.Type {
	case "system":
		if s := ev.session(); s != "" {
			return Frame{Kind: FrameSession, Session: s}, true
		}
		return Frame{Kind: FrameStatus, Phase: "init"}, true
	case "assistant":
		if ev.Message != nil {
			var text string
			for _, block := range ev.Message.Content {
				if block.Type == "text" {
					text += block.Text
				}
			}
			if text != "" {
				return Frame{Kind: FrameToken, Text: text}, true
			}
		}
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
