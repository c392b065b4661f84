package council

import (
	"strings"

	"github.com/jbohnslav/kingdom/internal/config"
)

// SafetyPreamble is owned by code and prepended to every composed prompt.
// Config cannot override it.
const SafetyPreamble = "You are one voice in a council of independent agents. " +
	"Answer the question yourself; do not claim consensus, do not speak for " +
	"other members, and do not take destructive actions outside your workspace."

// Compose concatenates the four prompt spans in their fixed order: safety
// preamble, effective phase prompt, persona, user prompt. Empty spans keep
// their separator so each input owns exactly one span of the output.
func Compose(safety, phasePrompt, persona, user string) string {
	return strings.Join([]string{safety, phasePrompt, persona, user}, "\n")
}

// PromptFor composes the final prompt for one agent: the agent's phase
// override wins over the global phase prompt, the persona comes from the
// agent definition.
func PromptFor(cfg *config.Config, agent string, phase config.Phase, user string) string {
	persona := ""
	if def, ok := cfg.Agents[agent]; ok {
		persona = def.Prompt
	}
	return Compose(SafetyPreamble, cfg.EffectivePhasePrompt(agent, phase), persona, user)
}
