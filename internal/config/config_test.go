package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbohnslav/kingdom/internal/common/errs"
)

const validConfig = `{
  "agents": {
    "alpha": {"backend": "claude", "model": "opus", "prompt": "you are alpha"},
    "beta": {"backend": "codex", "prompts": {"council": "beta council"}, "extra_args": ["--sandbox", "read-only"]}
  },
  "prompts": {"council": "global council prompt"},
  "council": {"members": ["alpha", "beta"], "timeout": 300},
  "peasant": {"agent": "alpha", "timeout": 1800, "max_iterations": 5}
}`

func TestParseValid(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)

	assert.Len(t, cfg.Agents, 2)
	assert.Equal(t, "claude", cfg.Agents["alpha"].Backend)
	assert.Equal(t, "opus", cfg.Agents["alpha"].Model)
	assert.Equal(t, []string{"--sandbox", "read-only"}, cfg.Agents["beta"].ExtraArgs)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.Council.Members)
	assert.Equal(t, 300, cfg.Council.Timeout)
	assert.Equal(t, "alpha", cfg.Peasant.Agent)
	assert.Equal(t, 5, cfg.Peasant.MaxIterations)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)

	assert.Empty(t, cfg.Agents)
	assert.Equal(t, DefaultCouncilTimeout, cfg.Council.Timeout)
	assert.Equal(t, DefaultPeasantTimeout, cfg.Peasant.Timeout)
	assert.Equal(t, DefaultPeasantMaxIterations, cfg.Peasant.MaxIterations)
}

func TestLoadValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(validConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 300, cfg.Council.Timeout)
}

func TestUnknownTopLevelKey(t *testing.T) {
	_, err := Parse([]byte(`{"agnets": {}}`))
	require.Error(t, err)
	assert.True(t, errs.IsConfig(err))
	assert.Contains(t, err.Error(), "unknown key agnets")
}

func TestUnknownNestedKeyNamesDottedPath(t *testing.T) {
	_, err := Parse([]byte(`{"council": {"timout": 600}}`))
	require.Error(t, err)
	assert.True(t, errs.IsConfig(err))
	assert.Contains(t, err.Error(), "council.timout")
}

func TestUnknownAgentKeyNamesDottedPath(t *testing.T) {
	_, err := Parse([]byte(`{"agents": {"alpha": {"backend": "claude", "modle": "opus"}}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agents.alpha.modle")
}

func TestUnknownPhaseRejected(t *testing.T) {
	_, err := Parse([]byte(`{"prompts": {"standup": "x"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompts.standup")

	_, err = Parse([]byte(`{"agents": {"a": {"backend": "claude", "prompts": {"standup": "x"}}}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agents.a.prompts.standup")
}

func TestMissingBackendRequired(t *testing.T) {
	_, err := Parse([]byte(`{"agents": {"alpha": {"model": "opus"}}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agents.alpha.backend is required")
}

func TestUnknownBackendFamily(t *testing.T) {
	_, err := Parse([]byte(`{"agents": {"alpha": {"backend": "gemini"}}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown backend family "gemini"`)
}

func TestCouncilMemberMustBeDefinedAgent(t *testing.T) {
	_, err := Parse([]byte(`{
	  "agents": {"alpha": {"backend": "claude"}},
	  "council": {"members": ["alpha", "ghost"]}
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"ghost" is not a defined agent`)
}

func TestPeasantAgentMustBeDefined(t *testing.T) {
	_, err := Parse([]byte(`{"peasant": {"agent": "ghost"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"ghost" is not a defined agent`)
}

func TestNonPositiveNumericsRejected(t *testing.T) {
	_, err := Parse([]byte(`{"council": {"timeout": 0}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "council.timeout must be a positive integer")

	_, err = Parse([]byte(`{"peasant": {"max_iterations": -1}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "peasant.max_iterations must be a positive integer")
}

func TestTypeErrorsNamePath(t *testing.T) {
	_, err := Parse([]byte(`{"council": {"members": "alpha"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "council.members: expected a list of strings, got a string")

	_, err = Parse([]byte(`{"agents": {"a": {"backend": 7}}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agents.a.backend: expected a string, got a number")
}

func TestMultipleProblemsReportedTogether(t *testing.T) {
	_, err := Parse([]byte(`{"council": {"timout": 1, "members": 3}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "council.timout")
	assert.Contains(t, err.Error(), "council.members")
}

func TestNotAnObject(t *testing.T) {
	_, err := Parse([]byte(`[1,2,3]`))
	require.Error(t, err)
	assert.True(t, errs.IsConfig(err))
}

func TestEffectivePhasePrompt(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)

	// beta overrides the council prompt, alpha inherits the global one.
	assert.Equal(t, "beta council", cfg.EffectivePhasePrompt("beta", PhaseCouncil))
	assert.Equal(t, "global council prompt", cfg.EffectivePhasePrompt("alpha", PhaseCouncil))
	assert.Equal(t, "", cfg.EffectivePhasePrompt("alpha", PhaseDesign))
	assert.Equal(t, "global council prompt", cfg.EffectivePhasePrompt("unknown", PhaseCouncil))
}

func TestValidPhase(t *testing.T) {
	for _, p := range Phases {
		assert.True(t, ValidPhase(string(p)))
	}
	assert.False(t, ValidPhase("standup"))
	assert.False(t, ValidPhase(""))
}
