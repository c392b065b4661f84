// Package kingdom is the facade the CLI layer drives: one handle per state
// directory and branch, exposing ask, watch, status, retry, show, list,
// session reset and archive over the underlying stores and engines.
package kingdom

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jbohnslav/kingdom/internal/backend"
	ambient "github.com/jbohnslav/kingdom/internal/common/config"
	"github.com/jbohnslav/kingdom/internal/common/errs"
	"github.com/jbohnslav/kingdom/internal/common/logger"
	"github.com/jbohnslav/kingdom/internal/config"
	"github.com/jbohnslav/kingdom/internal/council"
	"github.com/jbohnslav/kingdom/internal/frontmatter"
	"github.com/jbohnslav/kingdom/internal/member"
	"github.com/jbohnslav/kingdom/internal/session"
	"github.com/jbohnslav/kingdom/internal/thread"
	"github.com/jbohnslav/kingdom/internal/watch"
	"github.com/jbohnslav/kingdom/internal/worker"
)

// DefaultBranch is used when the caller does not name one.
const DefaultBranch = "main"

// Kingdom binds one branch's configuration and stores.
type Kingdom struct {
	StateDir string
	Branch   string

	Config   *config.Config
	Ambient  *ambient.Config
	Threads  *thread.Store
	Sessions *session.Store

	orch *council.Orchestrator
}

// Open loads both configuration layers and wires the branch stores. A
// missing config.json yields the empty-but-valid default; an invalid one is
// a ConfigError the CLI renders as a single line.
func Open(stateDir, branch string) (*Kingdom, error) {
	amb, err := ambient.Load()
	if err != nil {
		return nil, errs.ConfigWrap(err, "ambient configuration")
	}
	if stateDir == "" {
		stateDir = amb.State.Dir
	}
	if branch == "" {
		branch = DefaultBranch
	}
	if lg, lerr := logger.NewLogger(logger.LoggingConfig{
		Level:      amb.Logging.Level,
		Format:     amb.Logging.Format,
		OutputPath: amb.Logging.OutputPath,
	}); lerr == nil {
		logger.SetDefault(lg.WithBranch(branch))
	}

	cfg, err := config.Load(filepath.Join(stateDir, "config.json"))
	if err != nil {
		return nil, err
	}

	branchDir := filepath.Join(stateDir, "branches", branch)
	k := &Kingdom{
		StateDir: stateDir,
		Branch:   branch,
		Config:   cfg,
		Ambient:  amb,
		Threads:  thread.NewStore(branchDir),
		Sessions: session.NewStore(branchDir),
	}
	k.orch = council.New(cfg, k.Sessions)
	k.orch.MaxParallel = amb.Council.MaxParallel
	return k, nil
}

// Role reports how this process self-identifies in status output: the king
// when the vendor marks the terminal as agent-hosted, otherwise the hand.
// Display only; nothing in the orchestrator consults it.
func Role() string {
	if os.Getenv("CLAUDECODE") != "" {
		return "king"
	}
	return "hand"
}

// AskParams describes one ask invocation.
type AskParams struct {
	Prompt     string
	Members    []string // empty means the configured council
	ThreadID   string   // empty creates a fresh thread
	Phase      config.Phase
	Timeout    time.Duration
	Background bool
	Cancel     <-chan struct{}
	OnResponse func(*member.Response)
}

// AskResult reports where the turn landed.
type AskResult struct {
	ThreadID  string
	WorkerPID int // non-zero when the run detached
	Responses []*member.Response
}

// Ask writes the human message and runs the council, either inline or as a
// detached worker. The human message is always on disk before any agent
// starts, so agent replies can never precede their question.
func (k *Kingdom) Ask(params AskParams) (*AskResult, error) {
	if strings.TrimSpace(params.Prompt) == "" {
		return nil, errs.Validation("prompt", "must not be empty")
	}
	if params.Phase == "" {
		params.Phase = config.PhaseCouncil
	}

	members := params.Members
	if len(members) == 0 {
		members = k.Config.Council.Members
	}
	if len(members) == 0 {
		return nil, errs.Config("council.members", "no council members configured")
	}
	for _, name := range members {
		def, ok := k.Config.Agents[name]
		if !ok {
			return nil, errs.Config("agents", "unknown agent "+name)
		}
		fam, err := backend.Get(def.Backend)
		if err != nil {
			return nil, err
		}
		if err := backend.Probe(context.Background(), fam); err != nil {
			return nil, err
		}
	}

	var th *thread.Thread
	var err error
	if params.ThreadID != "" {
		th, err = k.Threads.Open(params.ThreadID)
	} else {
		th, err = k.Threads.CreateThread(members, string(params.Phase))
	}
	if err != nil {
		return nil, err
	}

	if _, err := th.AddMessage(k.humanHeader(th, members), params.Prompt); err != nil {
		return nil, err
	}

	if params.Background {
		pid, err := worker.Spawn(worker.Options{
			StateDir: k.StateDir,
			Branch:   k.Branch,
			ThreadID: th.ID,
			Members:  members,
			Phase:    string(params.Phase),
			Timeout:  params.Timeout,
			Prompt:   params.Prompt,
		})
		if err != nil {
			return nil, err
		}
		logger.Default().WithThread(th.ID).Info("council detached", zap.Int("pid", pid))
		return &AskResult{ThreadID: th.ID, WorkerPID: pid}, nil
	}

	resps, err := k.orch.Run(council.RunParams{
		Thread:     th,
		Members:    members,
		Prompt:     params.Prompt,
		Phase:      params.Phase,
		Timeout:    params.Timeout,
		Cancel:     params.Cancel,
		OnResponse: params.OnResponse,
	})
	if err != nil {
		return nil, err
	}
	return &AskResult{ThreadID: th.ID, Responses: resps}, nil
}

// humanHeader addresses the message to "all" when it targets the thread's
// full declared roster, else to the explicit comma list.
func (k *Kingdom) humanHeader(th *thread.Thread, members []string) []frontmatter.Field {
	to := strings.Join(members, ",")
	if meta, err := th.Meta(); err == nil && sameSet(meta.Members, members) {
		to = thread.RecipientAll
	}
	return []frontmatter.Field{
		{Key: thread.HeaderFrom, Value: thread.SenderKing},
		{Key: thread.HeaderTo, Value: to},
	}
}

// RunDetachedWorker is the entry the hidden worker subcommand calls inside
// the spawned child.
func RunDetachedWorker(opts *worker.Options) error {
	k, err := Open(opts.StateDir, opts.Branch)
	if err != nil {
		return err
	}
	th, err := k.Threads.Open(opts.ThreadID)
	if err != nil {
		return err
	}
	phase := config.PhaseCouncil
	if config.ValidPhase(opts.Phase) {
		phase = config.Phase(opts.Phase)
	}
	_, err = k.orch.Run(council.RunParams{
		Thread:  th,
		Members: opts.Members,
		Prompt:  opts.Prompt,
		Phase:   phase,
		Timeout: opts.Timeout,
	})
	return err
}

// Watch tails a thread until its expected responders have replied.
func (k *Kingdom) Watch(threadID string, timeout time.Duration, onEvent func(watch.Event), cancel <-chan struct{}) error {
	th, err := k.Threads.Open(threadID)
	if err != nil {
		return err
	}
	declared := k.declaredMembers(th)

	streams := map[string]watch.Source{}
	for _, name := range declared {
		def, ok := k.Config.Agents[name]
		if !ok {
			continue
		}
		agent, err := member.Resolve(name, def)
		if err != nil {
			continue
		}
		streams[name] = watch.Source{
			Path:    th.StreamPath(name, agent.Family.StreamExt),
			Extract: agent.Family.ExtractStreamFrame,
		}
	}

	return watch.Watch(watch.Params{
		Thread:   th,
		Expected: declared,
		Streams:  streams,
		OnEvent:  onEvent,
		Timeout:  timeout,
		Poll:     k.Ambient.Watch.PollInterval(),
		Cancel:   cancel,
	})
}

// Status derives the per-member state of one thread's latest turn.
func (k *Kingdom) Status(threadID string) (map[string]thread.State, error) {
	th, err := k.Threads.Open(threadID)
	if err != nil {
		return nil, err
	}
	msgs, err := th.ListMessages()
	if err != nil {
		return nil, err
	}
	return thread.StatusOf(msgs, k.declaredMembers(th), k.statusProbe(th)), nil
}

// StatusAll derives statuses for every thread on the branch.
func (k *Kingdom) StatusAll() (map[string]map[string]thread.State, error) {
	sums, err := k.Threads.List()
	if err != nil {
		return nil, err
	}
	out := map[string]map[string]thread.State{}
	for _, sum := range sums {
		status, err := k.Status(sum.ID)
		if err != nil {
			return nil, err
		}
		out[sum.ID] = status
	}
	return out, nil
}

// statusProbe wires session liveness and stream growth into the deriver.
// Stalled promotion follows the ambient flag and the council timeout.
func (k *Kingdom) statusProbe(th *thread.Thread) *thread.Probe {
	probe := &thread.Probe{
		Alive: func(name string) bool {
			rec, err := k.Sessions.GetAgent(name)
			return err == nil && rec.Alive()
		},
		StreamStat: func(name string) os.FileInfo {
			def, ok := k.Config.Agents[name]
			if !ok {
				return nil
			}
			agent, err := member.Resolve(name, def)
			if err != nil {
				return nil
			}
			info, err := os.Stat(th.StreamPath(name, agent.Family.StreamExt))
			if err != nil {
				return nil
			}
			return info
		},
	}
	if k.Ambient.Watch.StalledDetection {
		probe.StalledAfter = time.Duration(k.Config.Council.Timeout) * time.Second
	}
	return probe
}

// Retry re-runs only the failed members of the latest turn.
func (k *Kingdom) Retry(threadID string, timeout time.Duration, onResponse func(*member.Response)) ([]*member.Response, error) {
	th, err := k.Threads.Open(threadID)
	if err != nil {
		return nil, err
	}
	return k.orch.Retry(th, council.RetryParams{Timeout: timeout, OnResponse: onResponse})
}

// Show returns a thread's messages, optionally sliced to [from, to]
// sequence numbers inclusive. Zero bounds mean unbounded.
func (k *Kingdom) Show(threadID string, from, to int) ([]*thread.Message, error) {
	th, err := k.Threads.Open(threadID)
	if err != nil {
		return nil, err
	}
	msgs, err := th.ListMessages()
	if err != nil {
		return nil, err
	}
	if from <= 0 && to <= 0 {
		return msgs, nil
	}
	var out []*thread.Message
	for _, m := range msgs {
		if from > 0 && m.Seq < from {
			continue
		}
		if to > 0 && m.Seq > to {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// List summarizes the branch's threads, newest first.
func (k *Kingdom) List() ([]thread.Summary, error) {
	return k.Threads.List()
}

// ResetSession clears one agent's resume token so its next run starts a
// fresh vendor session.
func (k *Kingdom) ResetSession(agent string) error {
	if _, ok := k.Config.Agents[agent]; !ok {
		return errs.NotFound("agent", agent)
	}
	return k.Sessions.Reset(agent)
}

// Archive moves a thread out of the active listing.
func (k *Kingdom) Archive(threadID string) error {
	return k.Threads.Archive(threadID)
}

// declaredMembers prefers thread metadata, falling back to the configured
// council roster.
func (k *Kingdom) declaredMembers(th *thread.Thread) []string {
	if meta, err := th.Meta(); err == nil && len(meta.Members) > 0 {
		return meta.Members
	}
	return k.Config.Council.Members
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}
