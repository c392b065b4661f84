// Package member runs one agent subprocess for one turn: builds the vendor
// argv, tees the live stream to disk, enforces the timeout, and parses the
// final output into a response that never needs an exception path.
package member

import (
	"github.com/jbohnslav/kingdom/internal/backend"
	"github.com/jbohnslav/kingdom/internal/common/errs"
	"github.com/jbohnslav/kingdom/internal/config"
)

// AgentConfig is the runtime form of an agent: the backend family record
// joined with the user's definition. Rebuilt from those two sources on every
// invocation; never partial.
type AgentConfig struct {
	Name         string
	Family       *backend.Family
	Model        string
	Persona      string
	PhasePrompts map[config.Phase]string
	ExtraArgs    []string
}

// Resolve joins a config-layer agent definition with its backend family.
func Resolve(name string, def config.AgentDef) (*AgentConfig, error) {
	fam, err := backend.Get(def.Backend)
	if err != nil {
		return nil, errs.Wrap(err, "resolve agent "+name)
	}
	return &AgentConfig{
		Name:         name,
		Family:       fam,
		Model:        def.Model,
		Persona:      def.Prompt,
		PhasePrompts: def.Prompts,
		ExtraArgs:    append([]string(nil), def.ExtraArgs...),
	}, nil
}

// buildArgv assembles the full child argv for one run: the family base (or
// streaming) argv, resume arguments, model selection, agent extra args, and
// the prompt as the final positional.
func buildArgv(agent *AgentConfig, prompt, resumeToken string, streaming bool) []string {
	argv := agent.Family.Argv(streaming)
	if resumeToken != "" && agent.Family.SupportsResume() {
		argv = append(argv, agent.Family.ResumeArgs(resumeToken)...)
	}
	if agent.Model != "" && agent.Family.ModelArgs != nil {
		argv = append(argv, agent.Family.ModelArgs(agent.Model)...)
	}
	argv = append(argv, agent.ExtraArgs...)
	argv = append(argv, prompt)
	return argv
}
