// Package council dispatches one prompt to several agents in parallel and
// lands each outcome, success or failure, as a thread message. It also
// houses the retry engine that re-asks only the members of the latest turn
// that failed.
package council

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jbohnslav/kingdom/internal/common/errs"
	"github.com/jbohnslav/kingdom/internal/common/logger"
	"github.com/jbohnslav/kingdom/internal/config"
	"github.com/jbohnslav/kingdom/internal/frontmatter"
	"github.com/jbohnslav/kingdom/internal/member"
	"github.com/jbohnslav/kingdom/internal/session"
	"github.com/jbohnslav/kingdom/internal/thread"
)

// Orchestrator runs council turns against one branch's stores.
type Orchestrator struct {
	cfg      *config.Config
	sessions *session.Store

	// MaxParallel caps concurrent member runs. Zero means one goroutine per
	// member.
	MaxParallel int

	// Streaming requests token-level streaming argv from each family.
	Streaming bool

	// WorkDir is where member subprocesses run. Empty means inherit.
	WorkDir string
}

// New returns an orchestrator bound to a validated config and a branch
// session store.
func New(cfg *config.Config, sessions *session.Store) *Orchestrator {
	return &Orchestrator{cfg: cfg, sessions: sessions, Streaming: true}
}

// RunParams describes one orchestration launch.
type RunParams struct {
	Thread  *thread.Thread
	Members []string // already validated against config
	Prompt  string   // the user's prompt, uncomposed
	Phase   config.Phase
	Timeout time.Duration
	Cancel  <-chan struct{}

	// OnResponse, when set, is invoked synchronously with each response
	// before its message is written, so observers see completion order.
	OnResponse func(*member.Response)
}

// Run launches every member concurrently, writes one message per completed
// run, and returns the responses in completion order. Per-member failures
// are responses, not errors; only config and thread-store faults surface.
func (o *Orchestrator) Run(params RunParams) ([]*member.Response, error) {
	if params.Timeout <= 0 {
		params.Timeout = time.Duration(o.cfg.Council.Timeout) * time.Second
	}
	log := logger.Default().WithThread(params.Thread.ID)

	// Cancellation that fired before any child started is a clean no-op.
	if params.Cancel != nil {
		select {
		case <-params.Cancel:
			return nil, nil
		default:
		}
	}

	agents := make([]*member.AgentConfig, 0, len(params.Members))
	for _, name := range params.Members {
		def, ok := o.cfg.Agents[name]
		if !ok {
			return nil, errs.Config("council.members", "unknown agent "+name)
		}
		agent, err := member.Resolve(name, def)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}

	var (
		mu        sync.Mutex
		responses []*member.Response
	)

	g := new(errgroup.Group)
	limit := o.MaxParallel
	if limit <= 0 {
		limit = len(agents)
	}
	if limit > 0 {
		g.SetLimit(limit)
	}

	for _, agent := range agents {
		agent := agent
		g.Go(func() error {
			resp := o.runOne(agent, params)

			// Serialize the callback and the thread write so observers see
			// results strictly in completion order.
			mu.Lock()
			defer mu.Unlock()
			if params.OnResponse != nil {
				params.OnResponse(resp)
			}
			if err := o.writeResponse(params.Thread, agent, resp); err != nil {
				return err
			}
			responses = append(responses, resp)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return responses, err
	}
	log.Debug("council turn complete", zap.Int("members", len(agents)))
	return responses, nil
}

// runOne executes a single member with session bookkeeping around the run.
func (o *Orchestrator) runOne(agent *member.AgentConfig, params RunParams) *member.Response {
	name := agent.Name
	prompt := PromptFor(o.cfg, name, params.Phase, params.Prompt)

	resumeToken := ""
	if rec, err := o.sessions.GetAgent(name); err == nil {
		resumeToken = rec.ResumeToken
	}

	streamPath := params.Thread.StreamPath(name, agent.Family.StreamExt)
	now := time.Now().UTC()
	o.sessions.UpdateAgent(name, session.Patch{
		Status:         session.String(session.StatusRunning),
		StartedAt:      session.Time(now),
		LastActivityAt: session.Time(now),
	})

	resp := member.RunWithRetry(agent, member.Request{
		Prompt:      prompt,
		ResumeToken: resumeToken,
		Timeout:     params.Timeout,
		StreamPath:  streamPath,
		Streaming:   o.Streaming,
		WorkDir:     o.WorkDir,
		Cancel:      params.Cancel,
		OnStart: func(pid int) {
			o.sessions.UpdateAgent(name, session.Patch{PID: session.Int(pid)})
		},
	})

	patch := session.Patch{
		PID:            session.Int(0),
		LastActivityAt: session.Time(time.Now().UTC()),
	}
	if resp.Failed() {
		patch.Status = session.String(session.StatusFailed)
	} else {
		patch.Status = session.String(session.StatusDone)
	}
	if resp.SessionToken != "" {
		patch.ResumeToken = session.String(resp.SessionToken)
	}
	o.sessions.UpdateAgent(name, patch)

	return resp
}

// writeResponse lands one response as a thread message and drops the stream
// file whose content the message now captures.
func (o *Orchestrator) writeResponse(th *thread.Thread, agent *member.AgentConfig, resp *member.Response) error {
	fields := []frontmatter.Field{
		{Key: thread.HeaderFrom, Value: resp.Name},
		{Key: thread.HeaderTo, Value: thread.SenderKing},
	}
	if _, err := th.AddMessage(fields, responseBody(resp)); err != nil {
		return err
	}
	return th.RemoveStream(resp.Name, agent.Family.StreamExt)
}

// responseBody renders the message body for one response. Failures carry
// their prefix plus any partial text so the human can inspect what arrived
// before the fault.
func responseBody(resp *member.Response) string {
	switch {
	case resp.Interrupted:
		return thread.FailureBody(thread.InterruptedPrefix, "run cancelled", resp.Text)
	case resp.TimedOut:
		return thread.FailureBody(thread.TimeoutPrefix,
			"agent exceeded its timeout after "+resp.Elapsed.Round(time.Second).String(), resp.Text)
	case resp.Err != nil:
		return thread.FailureBody(thread.ErrorPrefix, resp.Err.Error(), resp.Text)
	}
	return resp.Text
}
