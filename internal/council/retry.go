package council

import (
	"time"

	"github.com/jbohnslav/kingdom/internal/common/errs"
	"github.com/jbohnslav/kingdom/internal/common/logger"
	"github.com/jbohnslav/kingdom/internal/config"
	"github.com/jbohnslav/kingdom/internal/member"
	"github.com/jbohnslav/kingdom/internal/thread"
)

// RetryParams tunes one retry launch.
type RetryParams struct {
	Timeout time.Duration
	Cancel  <-chan struct{}

	OnResponse func(*member.Response)
}

// Retry re-asks only the members of the latest turn that failed, with the
// exact prompt of the turn's human message. Succeeded members are left
// alone; a turn where everyone succeeded is a no-op. Session tokens are
// preserved so a resumed vendor session continues where it broke.
func (o *Orchestrator) Retry(th *thread.Thread, params RetryParams) ([]*member.Response, error) {
	msgs, err := th.ListMessages()
	if err != nil {
		return nil, err
	}
	human, _ := thread.LatestTurn(msgs)
	if human == nil {
		return nil, errs.NotFound("human message in thread", th.ID)
	}

	declared := o.declaredMembers(th)
	failed := thread.FailedMembers(msgs, declared, nil)
	if len(failed) == 0 {
		logger.Default().WithThread(th.ID).Debug("retry is a no-op, all members responded")
		return nil, nil
	}

	// Reset stream files up front so watcher offsets from the failed turn
	// cannot point into the new one.
	for _, name := range failed {
		if def, ok := o.cfg.Agents[name]; ok {
			if agent, resolveErr := member.Resolve(name, def); resolveErr == nil {
				if err := th.RemoveStream(name, agent.Family.StreamExt); err != nil {
					return nil, err
				}
			}
		}
	}

	phase := config.PhaseCouncil
	if meta, metaErr := th.Meta(); metaErr == nil && meta.Phase != "" && config.ValidPhase(meta.Phase) {
		phase = config.Phase(meta.Phase)
	}

	return o.Run(RunParams{
		Thread:     th,
		Members:    failed,
		Prompt:     human.Body,
		Phase:      phase,
		Timeout:    params.Timeout,
		Cancel:     params.Cancel,
		OnResponse: params.OnResponse,
	})
}

// declaredMembers resolves the member universe for "to: all" expansion: the
// thread metadata when present, else the configured council roster.
func (o *Orchestrator) declaredMembers(th *thread.Thread) []string {
	if meta, err := th.Meta(); err == nil && len(meta.Members) > 0 {
		return meta.Members
	}
	return o.cfg.Council.Members
}
