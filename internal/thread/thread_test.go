package thread

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbohnslav/kingdom/internal/frontmatter"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func header(from, to string) []frontmatter.Field {
	return []frontmatter.Field{
		{Key: HeaderFrom, Value: from},
		{Key: HeaderTo, Value: to},
	}
}

func TestCreateThreadWritesMeta(t *testing.T) {
	s := newTestStore(t)
	th, err := s.CreateThread([]string{"alpha", "beta"}, "council")
	require.NoError(t, err)
	require.NotEmpty(t, th.ID)

	meta, err := th.Meta()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, meta.Members)
	assert.Equal(t, "council", meta.Phase)
	assert.False(t, meta.CreatedAt.IsZero())
}

func TestAddAndListMessages(t *testing.T) {
	s := newTestStore(t)
	th, err := s.CreateThread([]string{"alpha"}, "council")
	require.NoError(t, err)

	seq, err := th.AddMessage(header(SenderKing, "all"), "hello\n")
	require.NoError(t, err)
	assert.Equal(t, 1, seq)

	seq, err = th.AddMessage(header("alpha", SenderKing), "hi back\n")
	require.NoError(t, err)
	assert.Equal(t, 2, seq)

	msgs, err := th.ListMessages()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, SenderKing, msgs[0].Sender)
	assert.Equal(t, "hello\n", msgs[0].Body)
	assert.Equal(t, "alpha", msgs[1].Sender)
	assert.False(t, msgs[0].Timestamp.IsZero())

	// File names carry the zero-padded sequence and sender.
	assert.Equal(t, "0001-king.md", filepath.Base(msgs[0].Path))
	assert.Equal(t, "0002-alpha.md", filepath.Base(msgs[1].Path))
}

func TestAddMessageRequiresSender(t *testing.T) {
	s := newTestStore(t)
	th, err := s.CreateThread(nil, "")
	require.NoError(t, err)

	_, err = th.AddMessage(nil, "body")
	require.Error(t, err)
}

func TestMessageRoundTripPreservesHeaderAndBody(t *testing.T) {
	s := newTestStore(t)
	th, err := s.CreateThread(nil, "")
	require.NoError(t, err)

	fields := []frontmatter.Field{
		{Key: HeaderFrom, Value: SenderKing},
		{Key: HeaderTo, Value: "alpha,beta"},
		{Key: HeaderRefs, Value: "docs/plan.md, notes.md"},
		{Key: "x-future", Value: "kept verbatim"},
	}
	body := "first line\n\nthird line\n"
	_, err = th.AddMessage(fields, body)
	require.NoError(t, err)

	msgs, err := th.ListMessages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	m := msgs[0]
	assert.Equal(t, body, m.Body)
	assert.Equal(t, []string{"docs/plan.md", "notes.md"}, m.Refs)
	assert.Equal(t, []string{"alpha", "beta"}, m.Recipients(nil))
	require.Len(t, m.Extra, 1)
	assert.Equal(t, "x-future", m.Extra[0].Key)
	assert.Equal(t, "kept verbatim", m.Extra[0].Value)
}

// Sixteen concurrent writers must produce a dense 1..16 sequence with one
// file per body and no collisions.
func TestConcurrentAppendStress(t *testing.T) {
	s := newTestStore(t)
	th, err := s.CreateThread(nil, "")
	require.NoError(t, err)

	const writers = 16
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := th.AddMessage(header("x", SenderKing), fmt.Sprintf("%d", i))
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	msgs, err := th.ListMessages()
	require.NoError(t, err)
	require.Len(t, msgs, writers)

	bodies := map[string]bool{}
	for i, m := range msgs {
		assert.Equal(t, i+1, m.Seq)
		assert.False(t, bodies[m.Body], "duplicate body %q", m.Body)
		bodies[m.Body] = true
	}
}

func TestOpenUnknownThread(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Open("no-such-id")
	require.Error(t, err)
}

func TestListAndArchive(t *testing.T) {
	s := newTestStore(t)
	th1, err := s.CreateThread([]string{"alpha"}, "council")
	require.NoError(t, err)
	_, err = th1.AddMessage(header(SenderKing, "all"), "q1")
	require.NoError(t, err)

	th2, err := s.CreateThread([]string{"alpha"}, "design")
	require.NoError(t, err)

	sums, err := s.List()
	require.NoError(t, err)
	require.Len(t, sums, 2)

	require.NoError(t, s.Archive(th2.ID))
	sums, err = s.List()
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, th1.ID, sums[0].ID)

	_, err = s.Open(th2.ID)
	assert.Error(t, err)
}

func TestMetaRegeneratedWhenCorrupt(t *testing.T) {
	s := newTestStore(t)
	th, err := s.CreateThread([]string{"alpha", "beta"}, "council")
	require.NoError(t, err)
	_, err = th.AddMessage(header(SenderKing, "alpha,beta"), "q")
	require.NoError(t, err)
	_, err = th.AddMessage(header("alpha", SenderKing), "a")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(th.Root(), "thread.json"), []byte("{broken"), 0o644))

	meta, err := th.Meta()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, meta.Members)
}

func TestStreamPaths(t *testing.T) {
	s := newTestStore(t)
	th, err := s.CreateThread(nil, "")
	require.NoError(t, err)

	p := th.StreamPath("alpha", ".jsonl")
	assert.Equal(t, filepath.Join(th.Root(), ".stream-alpha.jsonl"), p)

	require.NoError(t, os.WriteFile(p, []byte("{}\n"), 0o644))
	files, err := th.StreamFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{p}, files)

	require.NoError(t, th.RemoveStream("alpha", ".jsonl"))
	require.NoError(t, th.RemoveStream("alpha", ".jsonl")) // idempotent
	files, err = th.StreamFiles()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, OutcomeOK, Classify("a normal reply"))
	assert.Equal(t, OutcomeError, Classify("*Error: it broke\n\npartial"))
	assert.Equal(t, OutcomeTimeout, Classify("*Timeout: agent exceeded 2s"))
	assert.Equal(t, OutcomeInterrupted, Classify("*Interrupted: cancelled"))
	// Leading whitespace does not hide the prefix.
	assert.Equal(t, OutcomeError, Classify("\n*Error: x"))
	// The prefix only counts at the start of the body.
	assert.Equal(t, OutcomeOK, Classify("see the *Error: convention"))
}

func TestFailureBody(t *testing.T) {
	body := FailureBody(TimeoutPrefix, "agent exceeded 2s", "partial output")
	assert.Equal(t, "*Timeout: agent exceeded 2s\n\npartial output\n", body)
	assert.Equal(t, OutcomeTimeout, Classify(body))

	body = FailureBody(ErrorPrefix, "exit 1", "")
	assert.Equal(t, "*Error: exit 1\n", body)
}

func addTurn(t *testing.T, th *Thread, from, to, body string) {
	t.Helper()
	_, err := th.AddMessage(header(from, to), body)
	require.NoError(t, err)
}

func TestStatusOfMixedOutcomes(t *testing.T) {
	s := newTestStore(t)
	th, err := s.CreateThread([]string{"a", "b", "c"}, "council")
	require.NoError(t, err)

	addTurn(t, th, SenderKing, "all", "question")
	addTurn(t, th, "a", SenderKing, "fine answer")
	addTurn(t, th, "b", SenderKing, FailureBody(ErrorPrefix, "exit 1", ""))
	addTurn(t, th, "c", SenderKing, FailureBody(TimeoutPrefix, "exceeded 2s", "part"))

	msgs, err := th.ListMessages()
	require.NoError(t, err)

	status := StatusOf(msgs, []string{"a", "b", "c"}, nil)
	assert.Equal(t, map[string]State{
		"a": StateResponded,
		"b": StateErrored,
		"c": StateTimedOut,
	}, status)

	assert.Equal(t, []string{"b", "c"}, FailedMembers(msgs, []string{"a", "b", "c"}, nil))
}

func TestStatusOfPendingWithoutProbe(t *testing.T) {
	s := newTestStore(t)
	th, err := s.CreateThread([]string{"a", "b"}, "council")
	require.NoError(t, err)
	addTurn(t, th, SenderKing, "all", "question")
	addTurn(t, th, "a", SenderKing, "answer")

	msgs, err := th.ListMessages()
	require.NoError(t, err)

	status := StatusOf(msgs, []string{"a", "b"}, nil)
	assert.Equal(t, StateResponded, status["a"])
	assert.Equal(t, StatePending, status["b"])
}

func TestStatusIsPure(t *testing.T) {
	s := newTestStore(t)
	th, err := s.CreateThread([]string{"a"}, "council")
	require.NoError(t, err)
	addTurn(t, th, SenderKing, "all", "q")

	msgs, err := th.ListMessages()
	require.NoError(t, err)

	first := StatusOf(msgs, []string{"a"}, nil)
	second := StatusOf(msgs, []string{"a"}, nil)
	assert.Equal(t, first, second)
}

func TestStatusLatestTurnOnly(t *testing.T) {
	s := newTestStore(t)
	th, err := s.CreateThread([]string{"a"}, "council")
	require.NoError(t, err)

	// Turn one: a errored. Turn two: a responded.
	addTurn(t, th, SenderKing, "all", "q1")
	addTurn(t, th, "a", SenderKing, FailureBody(ErrorPrefix, "boom", ""))
	addTurn(t, th, SenderKing, "all", "q2")
	addTurn(t, th, "a", SenderKing, "better now")

	msgs, err := th.ListMessages()
	require.NoError(t, err)

	status := StatusOf(msgs, []string{"a"}, nil)
	assert.Equal(t, StateResponded, status["a"])
	assert.Empty(t, FailedMembers(msgs, []string{"a"}, nil))
}

func TestStatusRetrySuccessOverridesError(t *testing.T) {
	s := newTestStore(t)
	th, err := s.CreateThread([]string{"a"}, "council")
	require.NoError(t, err)

	addTurn(t, th, SenderKing, "all", "q")
	addTurn(t, th, "a", SenderKing, FailureBody(ErrorPrefix, "first try failed", ""))
	addTurn(t, th, "a", SenderKing, "retry succeeded")

	msgs, err := th.ListMessages()
	require.NoError(t, err)
	status := StatusOf(msgs, []string{"a"}, nil)
	assert.Equal(t, StateResponded, status["a"])
}

type fakeInfo struct {
	os.FileInfo
	mod time.Time
}

func (f fakeInfo) ModTime() time.Time { return f.mod }

func TestStatusRunningAndStalledFromProbe(t *testing.T) {
	s := newTestStore(t)
	th, err := s.CreateThread([]string{"a", "b"}, "council")
	require.NoError(t, err)
	addTurn(t, th, SenderKing, "all", "q")

	msgs, err := th.ListMessages()
	require.NoError(t, err)

	now := time.Now()
	probe := &Probe{
		StreamStat: func(member string) os.FileInfo {
			switch member {
			case "a":
				return fakeInfo{mod: now.Add(-1 * time.Second)}
			case "b":
				return fakeInfo{mod: now.Add(-10 * time.Minute)}
			}
			return nil
		},
		StalledAfter: 5 * time.Minute,
		Now:          func() time.Time { return now },
	}

	status := StatusOf(msgs, []string{"a", "b"}, probe)
	assert.Equal(t, StateRunning, status["a"])
	assert.Equal(t, StateStalled, status["b"])
	assert.Equal(t, []string{"b"}, FailedMembers(msgs, []string{"a", "b"}, probe))
}

func TestRecipientsExpansion(t *testing.T) {
	m := &Message{To: "all"}
	assert.Equal(t, []string{"a", "b"}, m.Recipients([]string{"a", "b"}))

	m = &Message{To: "a, c"}
	assert.Equal(t, []string{"a", "c"}, m.Recipients([]string{"a", "b"}))

	m = &Message{To: ""}
	assert.Equal(t, []string{"a"}, m.Recipients([]string{"a"}))
}

func TestSanitizeSender(t *testing.T) {
	assert.Equal(t, "a_b", sanitizeSender("a/b"))
	assert.Equal(t, "unknown", sanitizeSender(""))
	assert.Equal(t, "gpt-5.2_codex", sanitizeSender("gpt-5.2 codex"))
}
