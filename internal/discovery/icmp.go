package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// ICMPScanner verifies reachability of a single address.
type ICMPScanner interface {
	Ping(ctx context.Context, ip string) (*ICMPResult, error)
}

const (
	defaultPingCount   = 1
	defaultPingTimeout = 2 * time.Second
	minPingInterval    = 100 * time.Millisecond
)

// ProBingScanner pings with ICMP echo requests. A nil result with nil
// error means the address did not answer.
type ProBingScanner struct {
	log        *slog.Logger
	count      int
	timeout    time.Duration
	privileged bool
}

func NewProBingScanner(log *slog.Logger, count int, timeout time.Duration, privileged bool) (*ProBingScanner, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if count <= 0 {
		count = defaultPingCount
	}
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	return &ProBingScanner{log: log, count: count, timeout: timeout, privileged: privileged}, nil
}

func (s *ProBingScanner) Ping(ctx context.Context, ip string) (*ICMPResult, error) {
	p, err := probing.NewPinger(ip)
	if err != nil {
		return nil, fmt.Errorf("create pinger for %s: %w", ip, err)
	}
	defer p.Stop()
	p.SetPrivileged(s.privileged)
	p.Count = s.count
	p.Timeout = s.timeout
	p.Interval = minPingInterval
	if deadline, ok := ctx.Deadline(); ok {
		if rem := time.Until(deadline); rem > 0 && rem < p.Timeout {
			p.Timeout = rem
		}
	}

	done := make(chan struct{})
	go func() { _ = p.Run(); close(done) }()
	select {
	case <-ctx.Done():
		p.Stop()
		<-done
	case <-done:
	}

	stats := p.Statistics()
	if stats.PacketsRecv == 0 {
		return nil, nil
	}
	return &ICMPResult{
		IP:    ip,
		RTTms: float64(stats.AvgRtt) / float64(time.Millisecond),
	}, nil
}
