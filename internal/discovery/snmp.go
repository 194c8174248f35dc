package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
)

// SNMPScanner enriches a device best-effort; failures never fail a cycle.
type SNMPScanner interface {
	Query(ctx context.Context, ip string) (*SNMPResult, error)
}

// Standard MIB-2 system OIDs.
const (
	oidSysDescr  = "1.3.6.1.2.1.1.1.0"
	oidSysUpTime = "1.3.6.1.2.1.1.3.0"
	oidSysName   = "1.3.6.1.2.1.1.5.0"
)

var knownVendors = []string{"Cisco", "Juniper", "Arista", "HP", "Huawei", "MikroTik"}

// GoSNMPScanner queries sysName/sysDescr/sysUpTime over SNMPv2c.
type GoSNMPScanner struct {
	log       *slog.Logger
	community string
	timeout   time.Duration
}

func NewGoSNMPScanner(log *slog.Logger, community string, timeout time.Duration) (*GoSNMPScanner, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if community == "" {
		community = "public"
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &GoSNMPScanner{log: log, community: community, timeout: timeout}, nil
}

func (s *GoSNMPScanner) Query(ctx context.Context, ip string) (*SNMPResult, error) {
	client := &gosnmp.GoSNMP{
		Target:    ip,
		Port:      161,
		Community: s.community,
		Version:   gosnmp.Version2c,
		Timeout:   s.timeout,
		Retries:   1,
		Context:   ctx,
	}
	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("snmp connect %s: %w", ip, err)
	}
	defer client.Conn.Close()

	pkt, err := client.Get([]string{oidSysDescr, oidSysUpTime, oidSysName})
	if err != nil {
		return nil, fmt.Errorf("snmp get %s: %w", ip, err)
	}

	res := &SNMPResult{IP: ip}
	for _, v := range pkt.Variables {
		switch v.Name {
		case "." + oidSysName:
			res.Hostname = pduString(v)
		case "." + oidSysDescr:
			descr := pduString(v)
			res.Model = descr
			res.Vendor = vendorFromDescription(descr)
		case "." + oidSysUpTime:
			// sysUpTime is hundredths of a second.
			if ticks, ok := v.Value.(uint32); ok {
				res.UptimeSeconds = int64(ticks / 100)
			}
		}
	}
	return res, nil
}

func pduString(v gosnmp.SnmpPDU) string {
	switch val := v.Value.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return ""
	}
}

func vendorFromDescription(descr string) string {
	lower := strings.ToLower(descr)
	for _, v := range knownVendors {
		if strings.Contains(lower, strings.ToLower(v)) {
			return v
		}
	}
	return ""
}
