package thread

import (
	"os"
	"time"
)

// State is the derived per-member status within the latest turn.
type State string

const (
	StatePending     State = "pending"
	StateRunning     State = "running"
	StateResponded   State = "responded"
	StateErrored     State = "errored"
	StateTimedOut    State = "timed_out"
	StateInterrupted State = "interrupted"

	// StateStalled is a derived promotion of running: the stream file
	// stopped growing long enough that the worker is presumed dead.
	StateStalled State = "stalled"
)

// Terminal reports whether the state needs no further waiting.
func (s State) Terminal() bool {
	switch s {
	case StateResponded, StateErrored, StateTimedOut, StateInterrupted, StateStalled:
		return true
	}
	return false
}

// Failed reports whether the retry engine should re-run the member.
func (s State) Failed() bool {
	switch s {
	case StateErrored, StateTimedOut, StateInterrupted, StateStalled:
		return true
	}
	return false
}

// Probe supplies the optional liveness signals the deriver may consult for
// members without a reply. All fields may be nil; the derivation then uses
// file contents alone and is a pure function of the message list.
type Probe struct {
	// Alive reports whether the member's recorded pid is a live process.
	Alive func(member string) bool

	// StreamStat stats the member's stream file, nil when absent.
	StreamStat func(member string) os.FileInfo

	// StalledAfter promotes running members whose stream file has not grown
	// for longer than this to stalled. Zero disables the promotion.
	StalledAfter time.Duration

	// Now is the clock for stalled detection; nil means time.Now.
	Now func() time.Time
}

// LatestTurn splits the message list at the last human message: the human
// message that opened the current turn, and the replies after it. Returns a
// nil human message when the thread has none.
func LatestTurn(msgs []*Message) (*Message, []*Message) {
	last := -1
	for i, m := range msgs {
		if m.IsHuman() {
			last = i
		}
	}
	if last == -1 {
		return nil, nil
	}
	return msgs[last], msgs[last+1:]
}

// StatusOf derives the per-member state of the latest turn. Expected
// responders come from the human message's to header, with "all" expanding
// against the declared member list.
func StatusOf(msgs []*Message, declared []string, probe *Probe) map[string]State {
	out := map[string]State{}
	human, replies := LatestTurn(msgs)
	if human == nil {
		return out
	}

	byMember := map[string]*Message{}
	for _, m := range replies {
		if !m.IsHuman() {
			// Later replies win so a successful retry overrides the error.
			byMember[m.Sender] = m
		}
	}

	for _, member := range human.Recipients(declared) {
		if m, ok := byMember[member]; ok {
			switch Classify(m.Body) {
			case OutcomeError:
				out[member] = StateErrored
			case OutcomeTimeout:
				out[member] = StateTimedOut
			case OutcomeInterrupted:
				out[member] = StateInterrupted
			default:
				out[member] = StateResponded
			}
			continue
		}
		out[member] = pendingOrRunning(member, probe)
	}
	return out
}

// pendingOrRunning resolves a member with no reply yet using the liveness
// probe when one was supplied.
func pendingOrRunning(member string, probe *Probe) State {
	if probe == nil {
		return StatePending
	}
	if probe.Alive != nil && probe.Alive(member) {
		return StateRunning
	}
	if probe.StreamStat != nil {
		if info := probe.StreamStat(member); info != nil {
			if probe.StalledAfter > 0 {
				now := time.Now
				if probe.Now != nil {
					now = probe.Now
				}
				if now().Sub(info.ModTime()) > probe.StalledAfter {
					return StateStalled
				}
			}
			return StateRunning
		}
	}
	return StatePending
}

// FailedMembers returns the members of the latest turn the retry engine
// should re-run, in declared order.
func FailedMembers(msgs []*Message, declared []string, probe *Probe) []string {
	status := StatusOf(msgs, declared, probe)
	human, _ := LatestTurn(msgs)
	if human == nil {
		return nil
	}
	var out []string
	for _, member := range human.Recipients(declared) {
		if status[member].Failed() {
			out = append(out, member)
		}
	}
	return out
}
