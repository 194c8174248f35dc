// Package adapter declares the device-driver interface the core consumes.
// Vendor implementations (Cisco, Juniper, Arista, NETCONF) live outside
// this repository; the Fake here backs tests and dry-run mode.
package adapter

import (
	"context"
	"errors"
	"sync"
)

// DeviceInfo identifies a device to connect to.
type DeviceInfo struct {
	DeviceID string
	Address  string
	Vendor   string
	Username string
	Password string
	Protocol string
}

// ApplyResult is the outcome of pushing commands to a device.
type ApplyResult struct {
	Success bool
	Output  string
	Error   string
}

// Adapter is the contract vendor drivers implement.
type Adapter interface {
	Connect(ctx context.Context, info DeviceInfo) error
	Disconnect() error
	TranslateIntent(intent map[string]any) ([]string, error)
	ApplyConfig(ctx context.Context, commands []string) (*ApplyResult, error)
	RunningConfig(ctx context.Context) (string, error)
	VerifyConfig(ctx context.Context, intent map[string]any) (bool, error)
	IsConnected() bool
}

var ErrNotConnected = errors.New("adapter not connected")

// Fake is an in-memory Adapter for tests and dry runs. Applied command
// batches are recorded; each successful apply replaces the running config
// with that batch.
type Fake struct {
	mu        sync.Mutex
	connected bool
	running   []string
	applied   [][]string

	// FailApply forces the next ApplyConfig to report failure.
	FailApply bool
}

func (f *Fake) Connect(_ context.Context, _ DeviceInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *Fake) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *Fake) TranslateIntent(intent map[string]any) ([]string, error) {
	lines, _ := intent["lines"].([]string)
	return lines, nil
}

func (f *Fake) ApplyConfig(_ context.Context, commands []string) (*ApplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, ErrNotConnected
	}
	if f.FailApply {
		f.FailApply = false
		return &ApplyResult{Success: false, Error: "apply failed"}, nil
	}
	batch := append([]string(nil), commands...)
	f.applied = append(f.applied, batch)
	f.running = batch
	return &ApplyResult{Success: true, Output: "applied"}, nil
}

func (f *Fake) RunningConfig(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return "", ErrNotConnected
	}
	out := ""
	for i, l := range f.running {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out, nil
}

func (f *Fake) VerifyConfig(_ context.Context, _ map[string]any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected, nil
}

func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Running returns the current running-config lines.
func (f *Fake) Running() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.running...)
}

// SetRunning seeds the running config (test setup).
func (f *Fake) SetRunning(lines []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = append([]string(nil), lines...)
}

// Applied returns all applied batches.
func (f *Fake) Applied() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.applied))
	copy(out, f.applied)
	return out
}
