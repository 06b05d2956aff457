package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Declarations are the validated startup inputs the engine consumes once at
// initialization and re-reads on explicit reload: which capabilities exist,
// which models serve them, and which agents offer them.
type Declarations struct {
	Capabilities []CapabilityDecl `mapstructure:"capabilities"`
	Bindings     []BindingDecl    `mapstructure:"bindings"`
	Agents       []AgentDecl      `mapstructure:"agents"`
}

// CapabilityDecl declares one capability.
type CapabilityDecl struct {
	ID         string            `mapstructure:"id"`
	Type       string            `mapstructure:"type"`
	Parameters map[string]string `mapstructure:"parameters"`
}

// BindingDecl declares a model binding with its initial ranking score.
type BindingDecl struct {
	CapabilityID string  `mapstructure:"capability_id"`
	ModelID      string  `mapstructure:"model_id"`
	InitialScore float64 `mapstructure:"initial_score"`
}

// AgentDecl declares an agent and its capability set.
type AgentDecl struct {
	ID            string   `mapstructure:"id"`
	Capabilities  []string `mapstructure:"capabilities"`
	Weight        float64  `mapstructure:"weight"`
	MaxConcurrent int      `mapstructure:"max_concurrent"`
	AutoStart     bool     `mapstructure:"auto_start"`
}

// LoadDeclarations reads agent/capability declarations from a file.
func LoadDeclarations(path string) (Declarations, error) {
	v := viper.New()
	v.SetEnvPrefix("TASKMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Declarations{}, fmt.Errorf("read declarations %s: %w", path, err)
	}

	var d Declarations
	if err := v.Unmarshal(&d); err != nil {
		return Declarations{}, fmt.Errorf("unmarshal declarations: %w", err)
	}
	if err := d.Validate(); err != nil {
		return Declarations{}, err
	}
	return d, nil
}

// Validate checks internal consistency: unique ids, bindings referencing
// declared capabilities, agents referencing declared capability types.
func (d Declarations) Validate() error {
	capTypes := map[string]string{}
	for _, c := range d.Capabilities {
		if c.ID == "" || c.Type == "" {
			return fmt.Errorf("capability declaration requires id and type")
		}
		if prev, ok := capTypes[c.ID]; ok && prev != c.Type {
			return fmt.Errorf("capability %q declared twice with types %q and %q", c.ID, prev, c.Type)
		}
		capTypes[c.ID] = c.Type
	}

	declaredTypes := map[string]bool{}
	for _, t := range capTypes {
		declaredTypes[t] = true
	}

	for _, b := range d.Bindings {
		if _, ok := capTypes[b.CapabilityID]; !ok {
			return fmt.Errorf("binding %s/%s references undeclared capability", b.CapabilityID, b.ModelID)
		}
		if b.ModelID == "" {
			return fmt.Errorf("binding for %s requires a model id", b.CapabilityID)
		}
	}

	agentIDs := map[string]bool{}
	for _, a := range d.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent declaration requires an id")
		}
		if agentIDs[a.ID] {
			return fmt.Errorf("agent %q declared twice", a.ID)
		}
		agentIDs[a.ID] = true
		if len(a.Capabilities) == 0 {
			return fmt.Errorf("agent %q declares no capabilities", a.ID)
		}
		for _, t := range a.Capabilities {
			if !declaredTypes[t] {
				return fmt.Errorf("agent %q declares unknown capability type %q", a.ID, t)
			}
		}
	}
	return nil
}
