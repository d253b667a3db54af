package filterctl

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
)

// Rule is one persisted firewall entry (spec.md §6: "may optionally be
// serialized as a list of {ip, port, enabled} entries"), grounded on
// oryx-tui/src/section/firewall.rs's FirewallRule shape. Port is omitted
// (zero value) for a block-all-ports rule.
type Rule struct {
	Name    string     `json:"name"`
	Enabled bool       `json:"enabled"`
	IP      netip.Addr `json:"ip"`
	Port    uint16     `json:"port,omitempty"`
	AllPort bool       `json:"all_ports,omitempty"`
}

// rulesFile is the default persistence path under the user's home
// directory (spec.md §6's "~/oryx/" convention).
func rulesFile() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("filterctl: resolve home directory: %w", err)
	}
	return filepath.Join(home, "oryx", "firewall_rules.json"), nil
}

// SaveRules writes rules as JSON to path, creating parent directories as
// needed.
func SaveRules(path string, rules []Rule) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("filterctl: create rules directory: %w", err)
	}
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return fmt.Errorf("filterctl: marshal rules: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("filterctl: write %s: %w", path, err)
	}
	return nil
}

// LoadRules reads a previously saved rule set. A missing file is not an
// error: it yields an empty rule set, matching a fresh install with no
// prior firewall configuration.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("filterctl: read %s: %w", path, err)
	}
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("filterctl: unmarshal %s: %w", path, err)
	}
	return rules, nil
}

// DefaultRulesPath returns the conventional persistence location,
// resolving the caller's home directory.
func DefaultRulesPath() (string, error) {
	return rulesFile()
}
