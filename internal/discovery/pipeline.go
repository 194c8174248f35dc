package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/pdsno/pdsno/internal/nib"
)

// ErrCycleInProgress is returned when a cycle starts while another is
// still running; cycles for the same subnet never overlap.
var ErrCycleInProgress = errors.New("discovery cycle already in progress")

// DeviceWriter is the NIB surface the pipeline writes to.
type DeviceWriter interface {
	GetDeviceByMAC(ctx context.Context, mac string) (*nib.Device, error)
	UpsertDevice(ctx context.Context, d *nib.Device) (nib.UpsertResult, error)
}

// Reporter ships the delta report of a cycle (MQTT topic or unicast bus;
// the payload is identical either way).
type Reporter interface {
	ReportDiscovery(ctx context.Context, delta *Delta) error
}

// Config configures a Pipeline.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	ARP  ARPScanner
	ICMP ICMPScanner
	SNMP SNMPScanner

	Store    DeviceWriter
	Reporter Reporter

	Subnet       string
	Region       string
	ControllerID string

	// MaxInFlight caps concurrent ICMP/SNMP probes per cycle.
	MaxInFlight int
	// MissBudget is how many consecutive cycles a MAC may be absent
	// before it is marked inactive in the NIB.
	MissBudget int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ARP == nil {
		return errors.New("arp scanner is required")
	}
	if cfg.ICMP == nil {
		return errors.New("icmp scanner is required")
	}
	if cfg.Store == nil {
		return errors.New("device store is required")
	}
	if cfg.Subnet == "" {
		return errors.New("subnet is required")
	}
	if cfg.ControllerID == "" {
		return errors.New("controller id is required")
	}
	return nil
}

type cacheEntry struct {
	device MergedDevice
	misses int
}

// Pipeline owns the per-subnet discovery cycle. The previous cycle's
// merged view is cached in memory for delta detection; the NIB holds the
// durable record.
type Pipeline struct {
	log   *slog.Logger
	cfg   Config
	clock clockwork.Clock

	running atomic.Bool

	mu   sync.Mutex
	seen map[string]*cacheEntry
}

func NewPipeline(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 64
	}
	if cfg.MissBudget <= 0 {
		cfg.MissBudget = 3
	}
	return &Pipeline{
		log:   cfg.Logger.With("subnet", cfg.Subnet, "lc_id", cfg.ControllerID),
		cfg:   cfg,
		clock: cfg.Clock,
		seen:  make(map[string]*cacheEntry),
	}, nil
}

// RunCycle executes one full discovery cycle: ARP sweep, ICMP + SNMP
// fan-out over the responders, merge by MAC, delta detection, NIB writes,
// and delta report. A cycle that begins while another is in progress is
// dropped with ErrCycleInProgress.
func (p *Pipeline) RunCycle(ctx context.Context) (*CycleSummary, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer p.running.Store(false)

	start := p.clock.Now().UTC()
	p.log.Info("starting discovery cycle")

	arpResults, err := p.cfg.ARP.Scan(ctx, p.cfg.Subnet)
	if err != nil {
		return nil, fmt.Errorf("arp scan of %s: %w", p.cfg.Subnet, err)
	}
	p.log.Info("arp scan complete", "responders", len(arpResults))

	icmp, snmp := p.probe(ctx, arpResults)
	merged := p.merge(arpResults, icmp, snmp)
	delta, expired := p.detectDelta(merged)
	p.writeNIB(ctx, merged, expired)

	if p.cfg.Reporter != nil && !delta.Empty() {
		if err := p.cfg.Reporter.ReportDiscovery(ctx, delta); err != nil {
			p.log.Error("discovery report failed", "error", err)
		}
	}

	summary := &CycleSummary{
		Subnet:       p.cfg.Subnet,
		DevicesFound: len(merged),
		Delta:        *delta,
		Duration:     p.clock.Now().UTC().Sub(start),
		StartedAt:    start,
	}
	p.log.Info("discovery cycle complete",
		"devices", summary.DevicesFound,
		"new", len(delta.New), "updated", len(delta.Updated),
		"inactive", len(delta.Inactive), "unchanged", delta.Unchanged,
		"duration", summary.Duration)
	return summary, nil
}

// probe fans ICMP and SNMP out over the ARP responders with a bounded
// worker pool. SNMP is best-effort: failures are logged at debug and the
// cycle continues.
func (p *Pipeline) probe(ctx context.Context, arp []ARPResult) (map[string]*ICMPResult, map[string]*SNMPResult) {
	icmp := make(map[string]*ICMPResult, len(arp))
	snmp := make(map[string]*SNMPResult, len(arp))
	var mu sync.Mutex

	pool := pond.NewPool(p.cfg.MaxInFlight)
	for _, r := range arp {
		ip := r.IP
		pool.Submit(func() {
			if res, err := p.cfg.ICMP.Ping(ctx, ip); err != nil {
				p.log.Debug("icmp probe failed", "ip", ip, "error", err)
			} else if res != nil {
				mu.Lock()
				icmp[ip] = res
				mu.Unlock()
			}
		})
		if p.cfg.SNMP != nil {
			pool.Submit(func() {
				if res, err := p.cfg.SNMP.Query(ctx, ip); err != nil {
					p.log.Debug("snmp probe failed", "ip", ip, "error", err)
				} else if res != nil {
					mu.Lock()
					snmp[ip] = res
					mu.Unlock()
				}
			})
		}
	}
	pool.StopAndWait()
	return icmp, snmp
}

// merge joins the scans into one record per MAC, keyed by the ARP sweep's
// IP observations.
func (p *Pipeline) merge(arp []ARPResult, icmp map[string]*ICMPResult, snmp map[string]*SNMPResult) []MergedDevice {
	out := make([]MergedDevice, 0, len(arp))
	for _, a := range arp {
		d := MergedDevice{
			IP:       a.IP,
			MAC:      a.MAC,
			LastSeen: a.Timestamp,
		}
		if r, ok := icmp[a.IP]; ok {
			d.Reachable = true
			d.RTTms = r.RTTms
		}
		if r, ok := snmp[a.IP]; ok {
			d.Hostname = r.Hostname
			d.Vendor = r.Vendor
			d.Model = r.Model
			d.UptimeSeconds = r.UptimeSeconds
		}
		out = append(out, d)
	}
	return out
}

// detectDelta classifies the current view against the previous cycle's
// cache: new, updated (salient field changed), inactive (absent this
// cycle), unchanged. The second return value lists MACs absent for more
// than the miss budget; those are dropped from the cache and the caller
// flips their NIB status.
func (p *Pipeline) detectDelta(current []MergedDevice) (*Delta, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delta := &Delta{}
	currentByMAC := make(map[string]MergedDevice, len(current))
	for _, d := range current {
		currentByMAC[d.MAC] = d
	}

	for mac, d := range currentByMAC {
		prev, ok := p.seen[mac]
		switch {
		case !ok:
			delta.New = append(delta.New, d)
		case salientChanged(prev.device, d):
			delta.Updated = append(delta.Updated, d)
		default:
			delta.Unchanged++
		}
		p.seen[mac] = &cacheEntry{device: d}
	}

	var expired []string
	for mac, entry := range p.seen {
		if _, present := currentByMAC[mac]; present {
			continue
		}
		entry.misses++
		if entry.misses == 1 {
			// Report the disappearance on the first missed cycle; the NIB
			// status flips only after the miss budget runs out.
			delta.Inactive = append(delta.Inactive, entry.device)
		}
		if entry.misses > p.cfg.MissBudget {
			expired = append(expired, mac)
			delete(p.seen, mac)
		}
	}
	return delta, expired
}

func salientChanged(prev, cur MergedDevice) bool {
	return prev.IP != cur.IP ||
		prev.Hostname != cur.Hostname ||
		prev.Vendor != cur.Vendor ||
		prev.Reachable != cur.Reachable
}

// writeNIB upserts every current device and flips devices past the miss
// budget to inactive. Per-device failures are logged and never abort the
// cycle; a CAS conflict is retried once with a fresh read.
func (p *Pipeline) writeNIB(ctx context.Context, merged []MergedDevice, expired []string) {
	for _, d := range merged {
		if err := p.upsertMerged(ctx, d); err != nil {
			p.log.Warn("device write failed", "mac", d.MAC, "error", err)
		}
	}
	for _, mac := range expired {
		if err := p.markInactive(ctx, mac); err != nil {
			p.log.Warn("marking device inactive failed", "mac", mac, "error", err)
		}
	}
}

func (p *Pipeline) upsertMerged(ctx context.Context, d MergedDevice) error {
	status := nib.DeviceQuarantined
	if d.Reachable {
		status = nib.DeviceActive
	}
	record := &nib.Device{
		IPAddress:  d.IP,
		MACAddress: d.MAC,
		Hostname:   d.Hostname,
		Vendor:     d.Vendor,
		DeviceType: d.Model,
		Status:     status,
		LastSeen:   d.LastSeen,
		ManagedBy:  p.cfg.ControllerID,
		Region:     p.cfg.Region,
		Metadata: map[string]any{
			"rtt_ms":         d.RTTms,
			"uptime_seconds": d.UptimeSeconds,
		},
	}
	existing, err := p.cfg.Store.GetDeviceByMAC(ctx, d.MAC)
	if err == nil {
		record.DeviceID = existing.DeviceID
		record.Version = existing.Version
	} else if !errors.Is(err, nib.ErrNotFound) {
		return err
	}

	_, err = p.cfg.Store.UpsertDevice(ctx, record)
	if errors.Is(err, nib.ErrConflict) {
		// Another writer advanced the version between read and write;
		// re-read once and retry.
		fresh, rerr := p.cfg.Store.GetDeviceByMAC(ctx, d.MAC)
		if rerr != nil {
			return rerr
		}
		record.DeviceID = fresh.DeviceID
		record.Version = fresh.Version
		_, err = p.cfg.Store.UpsertDevice(ctx, record)
	}
	return err
}

func (p *Pipeline) markInactive(ctx context.Context, mac string) error {
	d, err := p.cfg.Store.GetDeviceByMAC(ctx, mac)
	if errors.Is(err, nib.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	d.Status = nib.DeviceInactive
	_, err = p.cfg.Store.UpsertDevice(ctx, d)
	return err
}
