package thread

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jbohnslav/kingdom/internal/frontmatter"
)

// Well-known header keys. Unknown keys pass through untouched.
const (
	HeaderFrom      = "from"
	HeaderTo        = "to"
	HeaderTimestamp = "timestamp"
	HeaderRefs      = "refs"
)

// RecipientAll is the sentinel addressing every declared member.
const RecipientAll = "all"

// SenderKing is the human operator's sender name. The first message of
// every thread carries it.
const SenderKing = "king"

// Message is one parsed turn file.
type Message struct {
	Seq    int
	Sender string // from the file name
	Path   string

	From      string
	To        string
	Timestamp time.Time
	Refs      []string
	Extra     []frontmatter.Field // unrecognized header fields, order kept
	Body      string
}

// Recipients expands the To header into a list of names. The "all" sentinel
// expands against the declared member list.
func (m *Message) Recipients(declared []string) []string {
	to := strings.TrimSpace(m.To)
	if to == "" || to == RecipientAll {
		return append([]string(nil), declared...)
	}
	parts := strings.Split(to, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsHuman reports whether the message was written by the king.
func (m *Message) IsHuman() bool {
	return m.Sender == SenderKing
}

// messageFileRe matches "NNNN-<sender>.md" with at least four digits.
var messageFileRe = regexp.MustCompile(`^(\d{4,})-(.+)\.md$`)

// parseMessageName extracts (seq, sender) from a message file name.
func parseMessageName(name string) (int, string, bool) {
	m := messageFileRe.FindStringSubmatch(name)
	if m == nil {
		return 0, "", false
	}
	seq, err := strconv.Atoi(m[1])
	if err != nil || seq < 1 {
		return 0, "", false
	}
	return seq, m[2], true
}

// messageFileName renders the canonical "NNNN-<sender>.md" name.
func messageFileName(seq int, sender string) string {
	return fmt.Sprintf("%0*d-%s.md", seqPad, seq, sanitizeSender(sender))
}

// sanitizeSender makes a sender name path-safe.
func sanitizeSender(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

// decodeMessage builds a Message from a parsed document plus file identity.
func decodeMessage(seq int, sender, path string, doc *frontmatter.Document) *Message {
	msg := &Message{Seq: seq, Sender: sender, Path: path, Body: doc.Body}
	for _, f := range doc.Fields {
		switch f.Key {
		case HeaderFrom:
			msg.From = f.Value
		case HeaderTo:
			msg.To = f.Value
		case HeaderTimestamp:
			if ts, err := time.Parse(time.RFC3339, f.Value); err == nil {
				msg.Timestamp = ts
			}
		case HeaderRefs:
			for _, ref := range strings.Split(f.Value, ",") {
				if ref = strings.TrimSpace(ref); ref != "" {
					msg.Refs = append(msg.Refs, ref)
				}
			}
		default:
			msg.Extra = append(msg.Extra, f)
		}
	}
	if msg.From == "" {
		msg.From = sender
	}
	return msg
}

// encodeMessage renders header fields plus body to the on-disk form.
func encodeMessage(fields []frontmatter.Field, body string) ([]byte, error) {
	doc := &frontmatter.Document{Fields: fields, Body: body}
	return frontmatter.Render(doc)
}
