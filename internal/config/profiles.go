package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/p-blackswan/leadgen-agent/internal/generation"
	"github.com/p-blackswan/leadgen-agent/internal/task"
)

// AgentProfile overrides request defaults and progress estimation for one
// agent type.
type AgentProfile struct {
	Framework            string        `yaml:"framework"`
	StylePreference      string        `yaml:"style_preference"`
	MaxIterations        int           `yaml:"max_iterations"`
	EnableSelfReflection *bool         `yaml:"enable_self_reflection"`
	EnableSelfCorrection *bool         `yaml:"enable_self_correction"`
	ExpectedDuration     time.Duration `yaml:"expected_duration"`
	Phases               []task.Phase  `yaml:"phases"`
}

// Profiles is the top-level agent profile file.
type Profiles struct {
	Agents map[task.AgentType]AgentProfile `yaml:"agents"`
}

// LoadProfiles reads and parses a YAML profile file, expanding env vars.
func LoadProfiles(path string) (*Profiles, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profiles: read %s: %w", path, err)
	}
	p, err := ParseProfiles(raw)
	if err != nil {
		return nil, fmt.Errorf("profiles: %s: %w", path, err)
	}
	return p, nil
}

// ParseProfiles parses YAML profile bytes.
func ParseProfiles(data []byte) (*Profiles, error) {
	var p Profiles
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &p); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	for agent, prof := range p.Agents {
		if !agent.Valid() {
			return nil, fmt.Errorf("unknown agent type %q", agent)
		}
		if prof.MaxIterations < 0 || prof.MaxIterations > 10 {
			return nil, fmt.Errorf("%s: max_iterations must be within 0..10", agent)
		}
		if prof.ExpectedDuration < 0 {
			return nil, fmt.Errorf("%s: expected_duration must not be negative", agent)
		}
		for _, ph := range prof.Phases {
			if ph.From < 0 || ph.From > 100 {
				return nil, fmt.Errorf("%s: phase %q starts outside 0..100", agent, ph.Label)
			}
		}
		sort.SliceStable(prof.Phases, func(i, j int) bool { return prof.Phases[i].From < prof.Phases[j].From })
		p.Agents[agent] = prof
	}
	return &p, nil
}

// Defaults returns the generation request defaults for agent.
func (p *Profiles) Defaults(agent task.AgentType) generation.Defaults {
	prof := p.Agents[agent]
	return generation.Defaults{
		Framework:            prof.Framework,
		StylePreference:      prof.StylePreference,
		MaxIterations:        prof.MaxIterations,
		EnableSelfReflection: prof.EnableSelfReflection,
		EnableSelfCorrection: prof.EnableSelfCorrection,
	}
}

// ApplyDurations overrides base with the profile estimates that are set.
func (p *Profiles) ApplyDurations(base map[task.AgentType]time.Duration) map[task.AgentType]time.Duration {
	out := make(map[task.AgentType]time.Duration, len(base))
	for k, v := range base {
		out[k] = v
	}
	for agent, prof := range p.Agents {
		if prof.ExpectedDuration > 0 {
			out[agent] = prof.ExpectedDuration
		}
	}
	return out
}

// Phases returns the configured phase tables.
func (p *Profiles) Phases() map[task.AgentType][]task.Phase {
	out := make(map[task.AgentType][]task.Phase)
	for agent, prof := range p.Agents {
		if len(prof.Phases) > 0 {
			out[agent] = prof.Phases
		}
	}
	return out
}

// envVarPattern matches ${VAR_NAME} and $VAR_NAME.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
