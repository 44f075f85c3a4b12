package settings

import (
	"github.com/google/uuid"
)

// Branch initialisation templates for new trees.
const (
	BranchInitOneBranch   = "one_branch"
	BranchInitMultiBranch = "multi_branch"
	BranchInitEmpty       = "empty"
)

// Config is a named bundle of settings plus the prompt-shaping fields
// a tree inherits. Each user has at most one default Config.
type Config struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Settings             *Settings `json:"settings"`
	Style                string    `json:"style"`
	AgentDescription     string    `json:"agent_description"`
	EndGoal              string    `json:"end_goal"`
	BranchInitialisation string    `json:"branch_initialisation"`
}

// NewDefaultConfig builds the config a user starts with: env-hydrated
// settings and the single-branch tree template.
func NewDefaultConfig(cipher *Cipher) (*Config, error) {
	s := NewSettings(cipher)
	if err := s.SmartSetup(); err != nil {
		return nil, err
	}
	return &Config{
		ID:                   uuid.NewString(),
		Name:                 "default",
		Settings:             s,
		Style:                "Concise and factual.",
		AgentDescription:     "An assistant that searches and aggregates the user's collections to answer questions.",
		EndGoal:              "Answer the user's question using the retrieved data.",
		BranchInitialisation: BranchInitOneBranch,
	}, nil
}

// Clone deep-copies the config under a new identity when newID is set.
func (c *Config) Clone(newID bool) *Config {
	out := &Config{
		ID:                   c.ID,
		Name:                 c.Name,
		Settings:             c.Settings.Clone(),
		Style:                c.Style,
		AgentDescription:     c.AgentDescription,
		EndGoal:              c.EndGoal,
		BranchInitialisation: c.BranchInitialisation,
	}
	if newID {
		out.ID = uuid.NewString()
	}
	return out
}

// ToJSON serializes the config; settings secrets remain encrypted.
func (c *Config) ToJSON() map[string]any {
	return map[string]any{
		"id":                    c.ID,
		"name":                  c.Name,
		"settings":              c.Settings.ToJSON(),
		"style":                 c.Style,
		"agent_description":     c.AgentDescription,
		"end_goal":              c.EndGoal,
		"branch_initialisation": c.BranchInitialisation,
	}
}

// ConfigFromJSON restores a config serialized by ToJSON.
func ConfigFromJSON(data map[string]any, cipher *Cipher) *Config {
	str := func(key string) string {
		if v, ok := data[key].(string); ok {
			return v
		}
		return ""
	}
	s := NewSettings(cipher)
	if raw, ok := data["settings"].(map[string]any); ok {
		s.FromJSON(raw)
	}
	c := &Config{
		ID:                   str("id"),
		Name:                 str("name"),
		Settings:             s,
		Style:                str("style"),
		AgentDescription:     str("agent_description"),
		EndGoal:              str("end_goal"),
		BranchInitialisation: str("branch_initialisation"),
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.BranchInitialisation == "" {
		c.BranchInitialisation = BranchInitOneBranch
	}
	return c
}
