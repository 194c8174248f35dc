// Package discovery implements the per-subnet discovery pipeline: ARP
// sweep, ICMP reachability, best-effort SNMP enrichment, merge by MAC, and
// delta detection against the previous cycle.
package discovery

import "time"

// ARPResult is one responder from the ARP sweep.
type ARPResult struct {
	IP        string
	MAC       string
	Timestamp time.Time
}

// ICMPResult is a reachable address with its round-trip time.
type ICMPResult struct {
	IP    string
	RTTms float64
}

// SNMPResult carries best-effort enrichment for an address.
type SNMPResult struct {
	IP            string
	Hostname      string
	Vendor        string
	Model         string
	UptimeSeconds int64
}

// MergedDevice is one device after the three scans are joined by MAC.
type MergedDevice struct {
	IP            string         `json:"ip"`
	MAC           string         `json:"mac"`
	Reachable     bool           `json:"reachable"`
	RTTms         float64        `json:"rtt_ms,omitempty"`
	Hostname      string         `json:"hostname,omitempty"`
	Vendor        string         `json:"vendor,omitempty"`
	Model         string         `json:"model,omitempty"`
	UptimeSeconds int64          `json:"uptime_seconds,omitempty"`
	LastSeen      time.Time      `json:"last_seen"`
}

// Delta is the change set of one cycle relative to the previous one.
// Unchanged devices are counted but never shipped in reports.
type Delta struct {
	New       []MergedDevice `json:"new_devices"`
	Updated   []MergedDevice `json:"updated_devices"`
	Inactive  []MergedDevice `json:"inactive_devices"`
	Unchanged int            `json:"unchanged_count"`
}

// Empty reports whether the delta carries no reportable change.
func (d *Delta) Empty() bool {
	return len(d.New) == 0 && len(d.Updated) == 0 && len(d.Inactive) == 0
}

// CycleSummary describes one completed discovery cycle.
type CycleSummary struct {
	Subnet       string        `json:"subnet"`
	DevicesFound int           `json:"devices_found"`
	Delta        Delta         `json:"delta"`
	Duration     time.Duration `json:"duration"`
	StartedAt    time.Time     `json:"started_at"`
}
