package watch

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbohnslav/kingdom/internal/backend"
	"github.com/jbohnslav/kingdom/internal/common/errs"
	"github.com/jbohnslav/kingdom/internal/frontmatter"
	"github.com/jbohnslav/kingdom/internal/thread"
)

// tokenPerLine treats every non-blank line as one token frame.
func tokenPerLine(line []byte) (backend.Frame, bool) {
	return backend.Frame{Kind: backend.FrameToken, Text: string(line)}, true
}

type collector struct {
	mu     sync.Mutex
	frames []StreamFrame
	msgs   []MessageAppended
}

func (c *collector) add(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch e := ev.(type) {
	case StreamFrame:
		c.frames = append(c.frames, e)
	case MessageAppended:
		c.msgs = append(c.msgs, e)
	}
}

func (c *collector) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func newWatchThread(t *testing.T) *thread.Thread {
	t.Helper()
	store := thread.NewStore(t.TempDir())
	th, err := store.CreateThread([]string{"a"}, "council")
	require.NoError(t, err)
	_, err = th.AddMessage([]frontmatter.Field{
		{Key: thread.HeaderFrom, Value: thread.SenderKing},
		{Key: thread.HeaderTo, Value: thread.RecipientAll},
	}, "question")
	require.NoError(t, err)
	return th
}

func writeLines(t *testing.T, path, format string, start, n int) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for i := start; i < start+n; i++ {
		_, err := fmt.Fprintf(f, format+"\n", i)
		require.NoError(t, err)
	}
}

// A stream truncated to zero mid-watch loses nothing that comes after it.
func TestTruncationMidWatch(t *testing.T) {
	th := newWatchThread(t)
	streamPath := th.StreamPath("a", ".jsonl")
	col := &collector{}

	done := make(chan error, 1)
	go func() {
		done <- Watch(Params{
			Thread:   th,
			Expected: []string{"a"},
			Streams:  map[string]Source{"a": {Path: streamPath, Extract: tokenPerLine}},
			OnEvent:  col.add,
			Timeout:  10 * time.Second,
			Poll:     20 * time.Millisecond,
		})
	}()

	// The first batch's lines are long enough that the truncated file can
	// never grow past the old offset before a poll notices the shrink.
	writeLines(t, streamPath, "first-batch-padded-line-%d", 0, 50)
	require.Eventually(t, func() bool { return col.frameCount() >= 50 },
		5*time.Second, 10*time.Millisecond)

	// A retry resets the stream file.
	require.NoError(t, os.Truncate(streamPath, 0))
	writeLines(t, streamPath, "ln-%d", 50, 50)
	require.Eventually(t, func() bool { return col.frameCount() >= 100 },
		5*time.Second, 10*time.Millisecond)

	// The member's reply ends the watch.
	_, err := th.AddMessage([]frontmatter.Field{
		{Key: thread.HeaderFrom, Value: "a"},
		{Key: thread.HeaderTo, Value: thread.SenderKing},
	}, "answer")
	require.NoError(t, err)

	require.NoError(t, <-done)
	assert.Equal(t, 100, col.frameCount())
}

func TestWatchEmitsMessages(t *testing.T) {
	th := newWatchThread(t)
	col := &collector{}

	done := make(chan error, 1)
	go func() {
		done <- Watch(Params{
			Thread:   th,
			Expected: []string{"a"},
			OnEvent:  col.add,
			Timeout:  5 * time.Second,
			Poll:     20 * time.Millisecond,
		})
	}()

	_, err := th.AddMessage([]frontmatter.Field{
		{Key: thread.HeaderFrom, Value: "a"},
		{Key: thread.HeaderTo, Value: thread.SenderKing},
	}, "the reply")
	require.NoError(t, err)

	require.NoError(t, <-done)

	col.mu.Lock()
	defer col.mu.Unlock()
	// Human question replayed, then the reply.
	require.Len(t, col.msgs, 2)
	assert.Equal(t, thread.SenderKing, col.msgs[0].Message.Sender)
	assert.Equal(t, "a", col.msgs[1].Message.Sender)
}

func TestWatchFromSeqSkipsReplay(t *testing.T) {
	th := newWatchThread(t)
	col := &collector{}

	done := make(chan error, 1)
	go func() {
		done <- Watch(Params{
			Thread:   th,
			Expected: []string{"a"},
			OnEvent:  col.add,
			Timeout:  5 * time.Second,
			Poll:     20 * time.Millisecond,
			FromSeq:  1,
		})
	}()

	_, err := th.AddMessage([]frontmatter.Field{
		{Key: thread.HeaderFrom, Value: "a"},
		{Key: thread.HeaderTo, Value: thread.SenderKing},
	}, "reply")
	require.NoError(t, err)
	require.NoError(t, <-done)

	col.mu.Lock()
	defer col.mu.Unlock()
	require.Len(t, col.msgs, 1)
	assert.Equal(t, "a", col.msgs[0].Message.Sender)
}

// A turn addressed to a subset of the roster ends when that subset has
// replied; members the human never asked are not waited for.
func TestWatchSubsetAddressedTurn(t *testing.T) {
	store := thread.NewStore(t.TempDir())
	th, err := store.CreateThread([]string{"a", "b"}, "council")
	require.NoError(t, err)
	_, err = th.AddMessage([]frontmatter.Field{
		{Key: thread.HeaderFrom, Value: thread.SenderKing},
		{Key: thread.HeaderTo, Value: "a"},
	}, "question for a alone")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- Watch(Params{
			Thread:   th,
			Expected: []string{"a", "b"},
			Timeout:  5 * time.Second,
			Poll:     20 * time.Millisecond,
		})
	}()

	_, err = th.AddMessage([]frontmatter.Field{
		{Key: thread.HeaderFrom, Value: "a"},
		{Key: thread.HeaderTo, Value: thread.SenderKing},
	}, "answer")
	require.NoError(t, err)

	// b never replies; the watch must still end cleanly.
	require.NoError(t, <-done)
}

func TestWatchTimeout(t *testing.T) {
	th := newWatchThread(t)

	err := Watch(Params{
		Thread:   th,
		Expected: []string{"a"}, // never replies
		Timeout:  300 * time.Millisecond,
		Poll:     20 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, errs.IsTimeout(err))
}

func TestWatchCancel(t *testing.T) {
	th := newWatchThread(t)
	cancel := make(chan struct{})
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(cancel)
	}()

	err := Watch(Params{
		Thread:   th,
		Expected: []string{"a"},
		Timeout:  10 * time.Second,
		Poll:     20 * time.Millisecond,
		Cancel:   cancel,
	})
	require.Error(t, err)
	assert.True(t, errs.IsInterrupted(err))
}

// The tailer never advances across an incomplete trailing line.
func TestDrainStreamPartialLine(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/.stream-a.jsonl"
	require.NoError(t, os.WriteFile(path, []byte("complete\npart"), 0o644))

	var frames []StreamFrame
	emit := func(ev Event) { frames = append(frames, ev.(StreamFrame)) }
	state := &tailState{}
	src := Source{Path: path, Extract: tokenPerLine}

	drainStream("a", src, state, emit)
	require.Len(t, frames, 1)
	assert.Equal(t, "complete", frames[0].Frame.Text)

	// The rest of the line arrives.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("ial\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	drainStream("a", src, state, emit)
	require.Len(t, frames, 2)
	assert.Equal(t, "partial", frames[1].Frame.Text)
}

func TestDrainStreamVanishedFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/.stream-a.jsonl"
	require.NoError(t, os.WriteFile(path, []byte("one\n"), 0o644))

	state := &tailState{}
	src := Source{Path: path, Extract: tokenPerLine}
	var frames []StreamFrame
	emit := func(ev Event) { frames = append(frames, ev.(StreamFrame)) }

	drainStream("a", src, state, emit)
	require.Len(t, frames, 1)

	require.NoError(t, os.Remove(path))
	drainStream("a", src, state, emit)
	assert.Zero(t, state.offset)

	// Recreated file is read from the top.
	require.NoError(t, os.WriteFile(path, []byte("fresh\n"), 0o644))
	drainStream("a", src, state, emit)
	require.Len(t, frames, 2)
	assert.Equal(t, "fresh", frames[1].Frame.Text)
}
