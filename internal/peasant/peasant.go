// Package peasant loops a single agent over a ticket until it declares an
// outcome or runs out of iterations. Each iteration re-feeds the ticket plus
// the accumulated worklog, so the agent always sees what its prior selves
// did. The worklog is an ordinary thread; every response, including errors
// and timeouts, becomes a worklog entry.
package peasant

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jbohnslav/kingdom/internal/common/errs"
	"github.com/jbohnslav/kingdom/internal/common/logger"
	"github.com/jbohnslav/kingdom/internal/config"
	"github.com/jbohnslav/kingdom/internal/council"
	"github.com/jbohnslav/kingdom/internal/frontmatter"
	"github.com/jbohnslav/kingdom/internal/member"
	"github.com/jbohnslav/kingdom/internal/session"
	"github.com/jbohnslav/kingdom/internal/thread"
)

// Stop sentinels the agent emits in its response to end the loop.
const (
	SentinelDone    = "KINGDOM_DONE"
	SentinelBlocked = "KINGDOM_BLOCKED:"
	SentinelFailed  = "KINGDOM_FAILED"
)

// Outcome is the terminal state of one harness execution.
type Outcome string

const (
	OutcomeDone      Outcome = "done"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeFailed    Outcome = "failed"
	OutcomeExhausted Outcome = "exhausted" // max iterations without a sentinel
	OutcomeTimedOut  Outcome = "timed_out"
)

// Result reports how the loop ended.
type Result struct {
	Outcome    Outcome
	Reason     string // blocked reason when the agent gave one
	Iterations int
}

// Harness drives one configured peasant agent.
type Harness struct {
	cfg      *config.Config
	sessions *session.Store

	// WorkDir is the isolated worktree the surrounding CLI prepared.
	WorkDir string

	// Cancel interrupts the in-flight iteration; the partial response still
	// lands in the worklog.
	Cancel <-chan struct{}
}

// New returns a harness bound to a validated config and session store.
func New(cfg *config.Config, sessions *session.Store) (*Harness, error) {
	if cfg.Peasant.Agent == "" {
		return nil, errs.Config("peasant.agent", "no peasant agent configured")
	}
	return &Harness{cfg: cfg, sessions: sessions}, nil
}

// Execute loops the peasant over the ticket until a sentinel, a terminal
// failure, or max_iterations. The thread is the ticket's worklog.
func (h *Harness) Execute(th *thread.Thread, ticketBody string) (*Result, error) {
	name := h.cfg.Peasant.Agent
	def := h.cfg.Agents[name]
	agent, err := member.Resolve(name, def)
	if err != nil {
		return nil, err
	}

	log := logger.Default().WithMember(name).WithThread(th.ID)
	timeout := time.Duration(h.cfg.Peasant.Timeout) * time.Second
	maxIter := h.cfg.Peasant.MaxIterations

	for iter := 1; iter <= maxIter; iter++ {
		worklog, err := h.worklog(th)
		if err != nil {
			return nil, err
		}
		prompt := h.composePrompt(name, ticketBody, worklog)

		resumeToken := ""
		if rec, recErr := h.sessions.GetAgent(name); recErr == nil {
			resumeToken = rec.ResumeToken
		}

		log.Info("peasant iteration", zap.Int("iteration", iter), zap.Int("max", maxIter))
		resp := member.RunWithRetry(agent, member.Request{
			Prompt:      prompt,
			ResumeToken: resumeToken,
			Timeout:     timeout,
			StreamPath:  th.StreamPath(name, agent.Family.StreamExt),
			Streaming:   true,
			WorkDir:     h.WorkDir,
			Cancel:      h.Cancel,
		})

		if resp.SessionToken != "" {
			h.sessions.UpdateAgent(name, session.Patch{
				ResumeToken:    session.String(resp.SessionToken),
				LastActivityAt: session.Time(time.Now().UTC()),
			})
		}

		if err := h.appendWorklog(th, name, resp); err != nil {
			return nil, err
		}
		th.RemoveStream(name, agent.Family.StreamExt)

		switch {
		case resp.Interrupted:
			return &Result{Outcome: OutcomeFailed, Reason: "interrupted", Iterations: iter}, nil
		case resp.TimedOut:
			// A timeout is terminal; the same ticket will time out again.
			return &Result{Outcome: OutcomeTimedOut, Iterations: iter}, nil
		}

		if outcome, reason, stopped := detectSentinel(resp.Text); stopped {
			return &Result{Outcome: outcome, Reason: reason, Iterations: iter}, nil
		}
	}
	return &Result{Outcome: OutcomeExhausted, Iterations: maxIter}, nil
}

// composePrompt assembles one iteration's prompt: ticket, worklog so far,
// and the peasant phase instruction, through the council composition rules.
func (h *Harness) composePrompt(agentName, ticketBody string, worklog []string) string {
	var b strings.Builder
	b.WriteString("# Ticket\n\n")
	b.WriteString(strings.TrimSpace(ticketBody))
	b.WriteString("\n")
	if len(worklog) > 0 {
		b.WriteString("\n# Worklog so far\n")
		for i, entry := range worklog {
			fmt.Fprintf(&b, "\n## Entry %d\n\n%s\n", i+1, strings.TrimSpace(entry))
		}
	}
	b.WriteString("\n# Instruction\n\n")
	b.WriteString("Continue working the ticket. When it is complete, end your reply with " +
		SentinelDone + ". If you cannot proceed, end with " + SentinelBlocked +
		" <reason>. If the ticket is impossible, end with " + SentinelFailed + ".")

	return council.PromptFor(h.cfg, agentName, config.PhasePeasant, b.String())
}

// worklog collects the bodies of the agent's prior entries.
func (h *Harness) worklog(th *thread.Thread) ([]string, error) {
	msgs, err := th.ListMessages()
	if err != nil {
		return nil, err
	}
	var entries []string
	for _, m := range msgs {
		if !m.IsHuman() {
			entries = append(entries, m.Body)
		}
	}
	return entries, nil
}

// appendWorklog lands one response verbatim, failures included.
func (h *Harness) appendWorklog(th *thread.Thread, name string, resp *member.Response) error {
	body := resp.Text
	switch {
	case resp.Interrupted:
		body = thread.FailureBody(thread.InterruptedPrefix, "iteration cancelled", resp.Text)
	case resp.TimedOut:
		body = thread.FailureBody(thread.TimeoutPrefix, "iteration exceeded its timeout", resp.Text)
	case resp.Err != nil:
		body = thread.FailureBody(thread.ErrorPrefix, resp.Err.Error(), resp.Text)
	}
	_, err := th.AddMessage([]frontmatter.Field{
		{Key: thread.HeaderFrom, Value: name},
		{Key: thread.HeaderTo, Value: thread.SenderKing},
	}, body)
	return err
}

// detectSentinel scans a response for a stop signal. Only the last
// non-blank line counts, so an agent quoting the instructions does not stop
// the loop by accident.
func detectSentinel(text string) (Outcome, string, bool) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		switch {
		case strings.Contains(line, SentinelBlocked):
			idx := strings.Index(line, SentinelBlocked)
			reason := strings.TrimSpace(line[idx+len(SentinelBlocked):])
			return OutcomeBlocked, reason, true
		case strings.Contains(line, SentinelFailed):
			return OutcomeFailed, "", true
		case strings.Contains(line, SentinelDone):
			return OutcomeDone, "", true
		}
		return "", "", false
	}
	return "", "", false
}
