package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FederationProfile describes the cooperating stations sharing one permit
// namespace. The first bootstrap entry designates the primary authority
// node; every other node signs with its own key.
type FederationProfile struct {
	Name             string   `yaml:"name" json:"name"`
	NodeID           string   `yaml:"node_id" json:"node_id"`
	Bootstrap        []string `yaml:"bootstrap" json:"bootstrap"`
	Relays           []string `yaml:"relays,omitempty" json:"relays,omitempty"`
	AuthorityKeyPath string   `yaml:"authority_key" json:"authority_key"`
	NodeKeyPath      string   `yaml:"node_key" json:"node_key"`
}

// LoadProfile reads and validates a federation profile YAML.
func LoadProfile(path string) (*FederationProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profile: %w", err)
	}

	var profile FederationProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}

	if profile.NodeID == "" {
		return nil, fmt.Errorf("config: profile %s: node_id is required", path)
	}
	if len(profile.Bootstrap) == 0 {
		return nil, fmt.Errorf("config: profile %s: bootstrap list is empty", path)
	}

	return &profile, nil
}
