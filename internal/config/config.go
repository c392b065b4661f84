// Package config loads and validates the project-level Kingdom configuration
// (config.json inside the state directory): named agents, the council roster,
// the peasant assignment, and per-phase prompts.
//
// Validation is strict: unknown keys at any depth are fatal and are reported
// with their full dotted path, so a typo like "timout" surfaces as
// "council.timout" instead of being silently ignored.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jbohnslav/kingdom/internal/backend"
	"github.com/jbohnslav/kingdom/internal/common/errs"
)

// Phase identifies one of the closed set of workflow phases.
type Phase string

// The closed phase set. Any other phase name is a config error.
const (
	PhaseCouncil Phase = "council"
	PhaseDesign  Phase = "design"
	PhaseReview  Phase = "review"
	PhasePeasant Phase = "peasant"
)

// Phases lists the valid phases in display order.
var Phases = []Phase{PhaseCouncil, PhaseDesign, PhaseReview, PhasePeasant}

// ValidPhase reports whether name is a member of the closed phase set.
func ValidPhase(name string) bool {
	switch Phase(name) {
	case PhaseCouncil, PhaseDesign, PhaseReview, PhasePeasant:
		return true
	}
	return false
}

// Default numeric settings applied when config.json is absent or silent.
const (
	DefaultCouncilTimeout       = 600
	DefaultPeasantTimeout       = 3600
	DefaultPeasantMaxIterations = 10
)

// AgentDef is the config-layer definition of one named agent.
type AgentDef struct {
	Backend   string           `json:"backend"`
	Model     string           `json:"model,omitempty"`
	Prompt    string           `json:"prompt,omitempty"`
	Prompts   map[Phase]string `json:"prompts,omitempty"`
	ExtraArgs []string         `json:"extra_args,omitempty"`
}

// CouncilConfig names the default council roster and per-member timeout.
type CouncilConfig struct {
	Members []string `json:"members,omitempty"`
	Timeout int      `json:"timeout,omitempty"` // seconds
}

// PeasantConfig names the worker agent and its loop limits.
type PeasantConfig struct {
	Agent         string `json:"agent,omitempty"`
	Timeout       int    `json:"timeout,omitempty"` // seconds
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// Config is the validated project configuration.
type Config struct {
	Agents  map[string]AgentDef `json:"agents,omitempty"`
	Prompts map[Phase]string    `json:"prompts,omitempty"`
	Council CouncilConfig       `json:"council"`
	Peasant PeasantConfig       `json:"peasant"`
}

// Default returns the empty-but-valid configuration used when config.json
// does not exist: no named agents, default timeouts, empty phase prompts.
func Default() *Config {
	return &Config{
		Agents:  map[string]AgentDef{},
		Prompts: map[Phase]string{},
		Council: CouncilConfig{Timeout: DefaultCouncilTimeout},
		Peasant: PeasantConfig{
			Timeout:       DefaultPeasantTimeout,
			MaxIterations: DefaultPeasantMaxIterations,
		},
	}
}

// Load reads and validates config.json at path. A missing file is not an
// error; it yields Default(). Any validation failure is returned as a single
// errs.Config error naming every offending dotted path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, errs.ConfigWrap(err, fmt.Sprintf("cannot read %s", path))
	}
	return Parse(data)
}

// Parse validates a raw config.json document.
func Parse(data []byte) (*Config, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, errs.ConfigWrap(err, "config.json is not a JSON object")
	}

	v := &validator{}
	cfg := Default()

	v.checkKeys("", root, "agents", "prompts", "council", "peasant")

	if raw, ok := root["agents"]; ok {
		cfg.Agents = v.parseAgents(raw)
	}
	if raw, ok := root["prompts"]; ok {
		cfg.Prompts = v.parsePhasePrompts("prompts", raw)
	}
	if raw, ok := root["council"]; ok {
		v.parseCouncil(raw, &cfg.Council)
	}
	if raw, ok := root["peasant"]; ok {
		v.parsePeasant(raw, &cfg.Peasant)
	}

	// Cross-references only make sense once the structure parsed cleanly.
	if len(v.problems) == 0 {
		v.crossCheck(cfg)
	}

	if len(v.problems) > 0 {
		return nil, errs.Config("", strings.Join(v.problems, "; "))
	}
	return cfg, nil
}

// validator accumulates every problem found so users see them all at once.
type validator struct {
	problems []string
}

func (v *validator) addf(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

// checkKeys flags every key of obj outside the known set, naming the full
// dotted path.
func (v *validator) checkKeys(prefix string, obj map[string]json.RawMessage, known ...string) {
	allowed := make(map[string]bool, len(known))
	for _, k := range known {
		allowed[k] = true
	}
	var unknown []string
	for k := range obj {
		if !allowed[k] {
			unknown = append(unknown, joinPath(prefix, k))
		}
	}
	sort.Strings(unknown)
	for _, path := range unknown {
		v.addf("unknown key %s", path)
	}
}

func (v *validator) parseAgents(raw json.RawMessage) map[string]AgentDef {
	var agents map[string]json.RawMessage
	if err := json.Unmarshal(raw, &agents); err != nil {
		v.addf("agents: expected an object, got %s", jsonKind(raw))
		return map[string]AgentDef{}
	}

	out := make(map[string]AgentDef, len(agents))
	names := sortedKeys(agents)
	for _, name := range names {
		path := "agents." + name
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(agents[name], &obj); err != nil {
			v.addf("%s: expected an object, got %s", path, jsonKind(agents[name]))
			continue
		}
		v.checkKeys(path, obj, "backend", "model", "prompt", "prompts", "extra_args")

		def := AgentDef{}
		if raw, ok := obj["backend"]; ok {
			def.Backend = v.parseString(path+".backend", raw)
		} else {
			v.addf("%s.backend is required", path)
		}
		if raw, ok := obj["model"]; ok {
			def.Model = v.parseString(path+".model", raw)
		}
		if raw, ok := obj["prompt"]; ok {
			def.Prompt = v.parseString(path+".prompt", raw)
		}
		if raw, ok := obj["prompts"]; ok {
			def.Prompts = v.parsePhasePrompts(path+".prompts", raw)
		}
		if raw, ok := obj["extra_args"]; ok {
			def.ExtraArgs = v.parseStringList(path+".extra_args", raw)
		}
		out[name] = def
	}
	return out
}

func (v *validator) parsePhasePrompts(path string, raw json.RawMessage) map[Phase]string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		v.addf("%s: expected an object, got %s", path, jsonKind(raw))
		return map[Phase]string{}
	}

	out := make(map[Phase]string, len(obj))
	for _, name := range sortedKeys(obj) {
		if !ValidPhase(name) {
			v.addf("unknown key %s", joinPath(path, name))
			continue
		}
		out[Phase(name)] = v.parseString(joinPath(path, name), obj[name])
	}
	return out
}

func (v *validator) parseCouncil(raw json.RawMessage, out *CouncilConfig) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		v.addf("council: expected an object, got %s", jsonKind(raw))
		return
	}
	v.checkKeys("council", obj, "members", "timeout")

	if raw, ok := obj["members"]; ok {
		out.Members = v.parseStringList("council.members", raw)
	}
	if raw, ok := obj["timeout"]; ok {
		out.Timeout = v.parsePositiveInt("council.timeout", raw)
	}
}

func (v *validator) parsePeasant(raw json.RawMessage, out *PeasantConfig) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		v.addf("peasant: expected an object, got %s", jsonKind(raw))
		return
	}
	v.checkKeys("peasant", obj, "agent", "timeout", "max_iterations")

	if raw, ok := obj["agent"]; ok {
		out.Agent = v.parseString("peasant.agent", raw)
	}
	if raw, ok := obj["timeout"]; ok {
		out.Timeout = v.parsePositiveInt("peasant.timeout", raw)
	}
	if raw, ok := obj["max_iterations"]; ok {
		out.MaxIterations = v.parsePositiveInt("peasant.max_iterations", raw)
	}
}

func (v *validator) parseString(path string, raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		v.addf("%s: expected a string, got %s", path, jsonKind(raw))
		return ""
	}
	return s
}

func (v *validator) parseStringList(path string, raw json.RawMessage) []string {
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		v.addf("%s: expected a list of strings, got %s", path, jsonKind(raw))
		return nil
	}
	return list
}

func (v *validator) parsePositiveInt(path string, raw json.RawMessage) int {
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		v.addf("%s: expected an integer, got %s", path, jsonKind(raw))
		return 0
	}
	if n <= 0 {
		v.addf("%s must be a positive integer", path)
		return 0
	}
	return n
}

// crossCheck validates references between sections and against the backend
// registry. Runs only after the structure itself validated.
func (v *validator) crossCheck(cfg *Config) {
	for _, name := range sortedKeys(cfg.Agents) {
		def := cfg.Agents[name]
		if def.Backend != "" && !backend.IsRegistered(def.Backend) {
			v.addf("agents.%s.backend: unknown backend family %q (known: %s)",
				name, def.Backend, strings.Join(backend.Families(), ", "))
		}
	}
	for _, member := range cfg.Council.Members {
		if _, ok := cfg.Agents[member]; !ok {
			v.addf("council.members: %q is not a defined agent", member)
		}
	}
	if cfg.Peasant.Agent != "" {
		if _, ok := cfg.Agents[cfg.Peasant.Agent]; !ok {
			v.addf("peasant.agent: %q is not a defined agent", cfg.Peasant.Agent)
		}
	}
}

// EffectivePhasePrompt resolves the prompt for (agent, phase): the agent's
// own override when set, else the global phase prompt, else empty.
func (c *Config) EffectivePhasePrompt(agent string, phase Phase) string {
	if def, ok := c.Agents[agent]; ok {
		if p, ok := def.Prompts[phase]; ok {
			return p
		}
	}
	return c.Prompts[phase]
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func jsonKind(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "nothing"
	}
	switch trimmed[0] {
	case '{':
		return "an object"
	case '[':
		return "a list"
	case '"':
		return "a string"
	case 't', 'f':
		return "a boolean"
	case 'n':
		return "null"
	default:
		return "a number"
	}
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
