// Package thread implements the append-only on-disk conversation store.
//
// A thread is a directory of numbered message files. The sequence invariant
// (dense, 1-indexed, no duplicates) is enforced with exclusive-create file
// semantics rather than locks, so concurrent writers in separate processes
// stay safe.
package thread

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jbohnslav/kingdom/internal/common/errs"
	"github.com/jbohnslav/kingdom/internal/frontmatter"
)

const (
	// seqPad is the zero-pad width of sequence numbers in file names.
	seqPad = 4

	// addRetries bounds the exclusive-create retry loop in AddMessage.
	addRetries = 10

	// addBackoff is the sleep between exclusive-create collisions.
	addBackoff = 2 * time.Millisecond

	// slugRetries bounds thread-id allocation retries.
	slugRetries = 5

	metaFileName = "thread.json"
	archiveDir   = "archive"
	threadsDir   = "threads"
)

// Meta is the non-authoritative thread metadata file. It is a performance
// hint; everything in it can be regenerated from the message files.
type Meta struct {
	Members   []string  `json:"members"`
	Phase     string    `json:"phase,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store manages the threads of one branch directory.
type Store struct {
	branchDir string
}

// NewStore returns a store rooted at a branch directory
// (<state>/branches/<branch>).
func NewStore(branchDir string) *Store {
	return &Store{branchDir: branchDir}
}

// Thread is a handle to one conversation directory.
type Thread struct {
	ID  string
	dir string
}

// Root exposes the thread directory so the watch loop can tail it.
func (t *Thread) Root() string {
	return t.dir
}

// newSlug returns a short random thread id.
func newSlug() string {
	return uuid.NewString()[:8]
}

// CreateThread allocates a fresh thread directory and writes its metadata.
// Slug collisions retry with a new slug.
func (s *Store) CreateThread(members []string, phase string) (*Thread, error) {
	base := filepath.Join(s.branchDir, threadsDir)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, errs.Internal("create threads directory", err)
	}

	for attempt := 0; attempt < slugRetries; attempt++ {
		id := newSlug()
		dir := filepath.Join(base, id)
		if err := os.Mkdir(dir, 0o755); err != nil {
			if os.IsExist(err) {
				continue
			}
			return nil, errs.Internal("create thread directory", err)
		}

		t := &Thread{ID: id, dir: dir}
		if err := t.writeMeta(&Meta{
			Members:   append([]string(nil), members...),
			Phase:     phase,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, errs.Internal("thread id allocation kept colliding", nil)
}

// Open returns a handle to an existing thread.
func (s *Store) Open(id string) (*Thread, error) {
	dir := filepath.Join(s.branchDir, threadsDir, id)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, errs.NotFound("thread", id)
	}
	return &Thread{ID: id, dir: dir}, nil
}

// Summary is one row of a thread listing.
type Summary struct {
	ID           string
	Meta         Meta
	MessageCount int
	LastActivity time.Time
}

// List returns summaries of every thread on the branch, newest first.
func (s *Store) List() ([]Summary, error) {
	base := filepath.Join(s.branchDir, threadsDir)
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Internal("list threads", err)
	}

	var out []Summary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t := &Thread{ID: e.Name(), dir: filepath.Join(base, e.Name())}
		sum := Summary{ID: t.ID}
		if meta, err := t.Meta(); err == nil {
			sum.Meta = *meta
		}
		msgs, err := t.ListMessages()
		if err == nil {
			sum.MessageCount = len(msgs)
			if n := len(msgs); n > 0 {
				sum.LastActivity = msgs[n-1].Timestamp
			}
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}

// Archive moves the whole thread directory under the branch archive. The
// thread id is preserved; archived threads no longer show in List.
func (s *Store) Archive(id string) error {
	t, err := s.Open(id)
	if err != nil {
		return err
	}
	dest := filepath.Join(s.branchDir, archiveDir)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return errs.Internal("create archive directory", err)
	}
	if err := os.Rename(t.dir, filepath.Join(dest, id)); err != nil {
		return errs.Internal("archive thread", err)
	}
	return nil
}

// Meta reads thread.json. Missing or corrupt metadata is regenerated from
// the message files rather than treated as an error.
func (t *Thread) Meta() (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(t.dir, metaFileName))
	if err == nil {
		var meta Meta
		if jsonErr := json.Unmarshal(data, &meta); jsonErr == nil {
			return &meta, nil
		}
	}
	return t.regenerateMeta()
}

// regenerateMeta rebuilds metadata from the messages: declared members are
// the recipients of the first human message plus every agent sender seen.
func (t *Thread) regenerateMeta() (*Meta, error) {
	msgs, err := t.ListMessages()
	if err != nil {
		return nil, err
	}
	meta := &Meta{CreatedAt: time.Now().UTC()}
	seen := map[string]bool{}
	for _, m := range msgs {
		if m.IsHuman() {
			if !m.Timestamp.IsZero() && m.Timestamp.Before(meta.CreatedAt) {
				meta.CreatedAt = m.Timestamp
			}
			continue
		}
		if !seen[m.Sender] {
			seen[m.Sender] = true
			meta.Members = append(meta.Members, m.Sender)
		}
	}
	if len(msgs) > 0 && msgs[0].IsHuman() && msgs[0].To != "" && msgs[0].To != RecipientAll {
		meta.Members = msgs[0].Recipients(nil)
	}
	sort.Strings(meta.Members)
	if writeErr := t.writeMeta(meta); writeErr != nil {
		return meta, nil // best effort; the hint file is not authoritative
	}
	return meta, nil
}

func (t *Thread) writeMeta(meta *Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errs.Internal("encode thread metadata", err)
	}
	tmp := filepath.Join(t.dir, metaFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.Internal("write thread metadata", err)
	}
	if err := os.Rename(tmp, filepath.Join(t.dir, metaFileName)); err != nil {
		return errs.Internal("commit thread metadata", err)
	}
	return nil
}

// nextSeq scans the directory for the highest sequence number.
func (t *Thread) nextSeq() (int, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return 0, errs.Internal("list thread directory", err)
	}
	max := 0
	for _, e := range entries {
		if seq, _, ok := parseMessageName(e.Name()); ok && seq > max {
			max = seq
		}
	}
	return max + 1, nil
}

// AddMessage appends a message with the next dense sequence number. The
// file is created with O_EXCL so two concurrent writers can never share a
// number; a loser of the race recomputes and retries up to addRetries times.
func (t *Thread) AddMessage(fields []frontmatter.Field, body string) (int, error) {
	doc := &frontmatter.Document{Fields: fields}
	if _, ok := doc.Get(HeaderTimestamp); !ok {
		doc.Set(HeaderTimestamp, time.Now().UTC().Format(time.RFC3339))
	}
	sender, _ := doc.Get(HeaderFrom)
	if sender == "" {
		return 0, errs.Validation(HeaderFrom, "message header must name a sender")
	}
	data, err := encodeMessage(doc.Fields, body)
	if err != nil {
		return 0, errs.Internal("render message", err)
	}

	for attempt := 0; attempt < addRetries; attempt++ {
		seq, err := t.nextSeq()
		if err != nil {
			return 0, err
		}
		path := filepath.Join(t.dir, messageFileName(seq, sender))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			if os.IsExist(err) {
				time.Sleep(addBackoff)
				continue
			}
			return 0, errs.Internal("create message file", err)
		}
		_, werr := f.Write(data)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			return 0, errs.Internal("write message file", errors.Join(werr, cerr))
		}
		return seq, nil
	}
	return 0, errs.ThreadCollision(t.ID, addRetries)
}

// ListMessages returns every message sorted strictly by sequence number.
func (t *Thread) ListMessages() ([]*Message, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, errs.Internal("list thread directory", err)
	}

	var msgs []*Message
	for _, e := range entries {
		seq, sender, ok := parseMessageName(e.Name())
		if !ok {
			continue
		}
		path := filepath.Join(t.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.Internal(fmt.Sprintf("read message %s", e.Name()), err)
		}
		doc, err := frontmatter.Parse(data)
		if err != nil {
			return nil, errs.Wrap(err, fmt.Sprintf("message %s", e.Name()))
		}
		msgs = append(msgs, decodeMessage(seq, sender, path, doc))
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
	return msgs, nil
}

// StreamPath returns the transient stream file path for one member.
func (t *Thread) StreamPath(member, ext string) string {
	return filepath.Join(t.dir, ".stream-"+sanitizeSender(member)+ext)
}

// RemoveStream deletes a member's stream file. Used after the final message
// lands and before a retry re-launches the member.
func (t *Thread) RemoveStream(member, ext string) error {
	err := os.Remove(t.StreamPath(member, ext))
	if err != nil && !os.IsNotExist(err) {
		return errs.Internal("remove stream file", err)
	}
	return nil
}

// StreamFiles lists the stream files currently present in the thread.
func (t *Thread) StreamFiles() ([]string, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, errs.Internal("list thread directory", err)
	}
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".stream-") {
			out = append(out, filepath.Join(t.dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
