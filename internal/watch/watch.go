// Package watch tails a thread directory and its per-member stream files,
// turning raw vendor lines into normalized frames and new message files into
// events. It is an observer only; nothing here mutates the thread.
//
// The loop combines fsnotify wakeups with a bounded polling interval, so a
// missed notification costs at most one poll period. Stream files may be
// truncated or deleted at any moment by a retry; the tailer detects
// shrinkage and restarts from offset zero.
package watch

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jbohnslav/kingdom/internal/backend"
	"github.com/jbohnslav/kingdom/internal/common/errs"
	"github.com/jbohnslav/kingdom/internal/common/logger"
	"github.com/jbohnslav/kingdom/internal/thread"
)

// maxPoll caps the polling interval regardless of configuration.
const maxPoll = 500 * time.Millisecond

// MessageAppended reports a new message file in the thread.
type MessageAppended struct {
	Message *thread.Message
}

// StreamFrame reports one normalized frame from a member's live stream.
type StreamFrame struct {
	Member string
	Frame  backend.Frame
}

// Event is either a MessageAppended or a StreamFrame.
type Event any

// Source describes one member's stream file and its line extractor.
type Source struct {
	Path    string
	Extract func(line []byte) (backend.Frame, bool)
}

// Params configures one watch session.
type Params struct {
	Thread   *thread.Thread
	Expected []string // members whose replies end the watch
	Streams  map[string]Source
	OnEvent  func(Event)
	Timeout  time.Duration
	Poll     time.Duration // clamped to maxPoll; zero means maxPoll/2
	Cancel   <-chan struct{}

	// FromSeq suppresses MessageAppended for messages at or below it.
	// Zero replays the whole thread.
	FromSeq int
}

// tailState is the per-stream read position.
type tailState struct {
	offset int64
}

// Watch runs until every expected member has a reply in the latest turn, the
// timeout elapses, or the cancel channel fires. Events are delivered on the
// caller's goroutine in the order observed.
func Watch(params Params) error {
	log := logger.Default().WithThread(params.Thread.ID)

	poll := params.Poll
	if poll <= 0 || poll > maxPoll {
		poll = maxPoll / 2
	}

	tails := map[string]*tailState{}
	lastSeq := params.FromSeq

	notify, err := fsnotify.NewWatcher()
	if err == nil {
		defer notify.Close()
		if addErr := notify.Add(params.Thread.Root()); addErr != nil {
			log.WithError(addErr).Debug("fsnotify unavailable, falling back to pure polling")
		}
	} else {
		log.WithError(err).Debug("fsnotify unavailable, falling back to pure polling")
		notify = nil
	}

	var deadline <-chan time.Time
	if params.Timeout > 0 {
		timer := time.NewTimer(params.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var fsEvents chan fsnotify.Event
	var fsErrors chan error
	if notify != nil {
		fsEvents = make(chan fsnotify.Event)
		fsErrors = make(chan error)
		go func() {
			for {
				select {
				case ev, ok := <-notify.Events:
					if !ok {
						return
					}
					select {
					case fsEvents <- ev:
					default: // the poll will catch up
					}
				case err, ok := <-notify.Errors:
					if !ok {
						return
					}
					select {
					case fsErrors <- err:
					default:
					}
				}
			}
		}()
	}

	for {
		done, seq, err := pollOnce(params, tails, lastSeq)
		if err != nil {
			return err
		}
		lastSeq = seq
		if done {
			return nil
		}

		select {
		case <-ticker.C:
		case <-fsEvents:
		case err := <-fsErrors:
			log.WithError(err).Debug("fsnotify error, continuing on polls")
		case <-deadline:
			return errs.Timeout("watch", int(params.Timeout.Seconds()))
		case <-params.Cancel:
			return errs.Interrupted("watch")
		}
	}
}

// pollOnce drains every stream tail, emits new messages, and reports whether
// all expected members have replied in the latest turn.
func pollOnce(params Params, tails map[string]*tailState, lastSeq int) (bool, int, error) {
	for member, src := range params.Streams {
		state, ok := tails[member]
		if !ok {
			state = &tailState{}
			tails[member] = state
		}
		drainStream(member, src, state, params.OnEvent)
	}

	msgs, err := params.Thread.ListMessages()
	if err != nil {
		return false, lastSeq, err
	}
	for _, m := range msgs {
		if m.Seq > lastSeq {
			lastSeq = m.Seq
			if params.OnEvent != nil {
				params.OnEvent(MessageAppended{Message: m})
			}
		}
	}

	if len(params.Expected) == 0 {
		return false, lastSeq, nil
	}
	// The responders that end the watch are the latest human message's
	// recipients, which may be a strict subset of the declared roster. The
	// deriver keys its map by exactly that set.
	status := thread.StatusOf(msgs, params.Expected, nil)
	if len(status) == 0 {
		return false, lastSeq, nil
	}
	for _, st := range status {
		if !st.Terminal() {
			return false, lastSeq, nil
		}
	}
	return true, lastSeq, nil
}

// drainStream reads complete lines past the remembered offset. Shrunk files
// restart at zero; vanished files drop their state since the final message
// is imminent. The offset never advances past an incomplete trailing line.
func drainStream(member string, src Source, state *tailState, emit func(Event)) {
	info, err := os.Stat(src.Path)
	if err != nil {
		state.offset = 0
		return
	}
	if info.Size() < state.offset {
		state.offset = 0
	}
	if info.Size() == state.offset {
		return
	}

	f, err := os.Open(src.Path)
	if err != nil {
		return
	}
	defer f.Close()

	if _, err := f.Seek(state.offset, io.SeekStart); err != nil {
		return
	}
	data, err := io.ReadAll(f)
	if err != nil && len(data) == 0 {
		return
	}

	// Leave trailing bytes without a newline for the next pass.
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return
	}
	chunk := data[:end+1]
	state.offset += int64(len(chunk))

	if src.Extract == nil || emit == nil {
		return
	}
	for _, line := range bytes.Split(chunk, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if frame, ok := src.Extract(line); ok {
			emit(StreamFrame{Member: member, Frame: frame})
		}
	}
}
