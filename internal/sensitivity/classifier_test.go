package sensitivity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifier_Tiers(t *testing.T) {
	t.Parallel()

	c := NewClassifier()
	cases := []struct {
		name  string
		lines []string
		want  Level
	}{
		{"empty", nil, Low},
		{"description only", []string{"interface gigabitethernet0/1", "description Uplink"}, Low},
		{"hostname", []string{"hostname core-sw-01"}, Low},
		{"vlan creation", []string{"vlan 100", "name Engineering"}, Medium},
		{"switchport", []string{"interface gigabitethernet0/2", "switchport mode access", "switchport access vlan 100"}, Medium},
		{"qos", []string{"qos trust dscp"}, Medium},
		{"bgp", []string{"router bgp 65001", "neighbor 10.0.0.1 remote-as 65002"}, High},
		{"static route", []string{"ip route 0.0.0.0 0.0.0.0 10.0.0.1"}, High},
		{"acl", []string{"access-list 101 permit tcp any any"}, High},
		{"snmp community", []string{"snmp-server community private rw"}, High},
		{"case insensitive", []string{"ROUTER OSPF 1"}, High},
		{"highest wins", []string{"description x", "vlan 10", "crypto key generate rsa"}, High},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, c.Classify(tc.lines))
		})
	}
}

func TestClassifier_DetailedReportsPatterns(t *testing.T) {
	t.Parallel()

	c := NewClassifier()
	d := c.ClassifyDetailed([]string{"router bgp 65001"})
	require.Equal(t, High, d.Level)
	require.NotEmpty(t, d.Matched)
	require.NotEmpty(t, d.Reasoning)

	d = c.ClassifyDetailed([]string{"description uplink"})
	require.Equal(t, Low, d.Level)
	require.Empty(t, d.Matched)
}

func TestClassifier_CustomPatterns(t *testing.T) {
	t.Parallel()

	c := NewClassifier()
	require.Equal(t, Low, c.Classify([]string{"ntp server 10.0.0.1"}))

	require.NoError(t, c.AddPattern(High, `ntp\s+server`))
	require.Equal(t, High, c.Classify([]string{"NTP SERVER 10.0.0.1"}))

	require.Error(t, c.AddPattern(Medium, `([`))
	require.Error(t, c.AddPattern(Level("EXTREME"), `x`))
}
