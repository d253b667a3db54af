package filterctl

import (
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadRulesRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "firewall_rules.json")
	rules := []Rule{
		{Name: "block-ssh", Enabled: true, IP: netip.MustParseAddr("10.0.0.5"), Port: 22},
		{Name: "block-all", Enabled: true, IP: netip.MustParseAddr("10.0.0.6"), AllPort: true},
	}

	require.NoError(t, SaveRules(path, rules))

	loaded, err := LoadRules(path)
	require.NoError(t, err)
	require.Equal(t, rules, loaded)
}

func TestLoadRulesMissingFileReturnsEmpty(t *testing.T) {
	loaded, err := LoadRules(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	require.Empty(t, loaded)
}
