// Package sensitivity classifies configuration command lines into the
// LOW/MEDIUM/HIGH tiers that drive approval authority.
package sensitivity

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Level is a sensitivity tier.
type Level string

const (
	Low    Level = "LOW"
	Medium Level = "MEDIUM"
	High   Level = "HIGH"
)

// HIGH: routing, ACLs, security, and service-affecting commands.
var highPatterns = []string{
	`router\s+(bgp|ospf|eigrp)`,
	`ip\s+route`,
	`access-list\s+\d+`,
	`firewall`,
	`crypto`,
	`spanning-tree`,
	`interface\s+loopback`,
	`no\s+ip\s+routing`,
	`shutdown.*interface\s+(gigabitethernet|tengigabitethernet)`,
	`delete\s+vlan`,
	`aaa\s+`,
	`snmp-server\s+community`,
}

// MEDIUM: VLAN, switchport, and QoS changes.
var mediumPatterns = []string{
	`vlan\s+\d+`,
	`interface\s+vlan`,
	`switchport\s+mode`,
	`switchport\s+access\s+vlan`,
	`qos`,
	`bandwidth`,
	`storm-control`,
	`port-security`,
	`interface\s+(fastethernet|ethernet)`,
}

// Classifier evaluates HIGH patterns first, then MEDIUM; anything else is
// LOW. Custom patterns may be registered at runtime per tier.
type Classifier struct {
	mu     sync.RWMutex
	high   []*regexp.Regexp
	medium []*regexp.Regexp
}

func NewClassifier() *Classifier {
	c := &Classifier{}
	for _, p := range highPatterns {
		c.high = append(c.high, regexp.MustCompile(`(?i)` + p))
	}
	for _, p := range mediumPatterns {
		c.medium = append(c.medium, regexp.MustCompile(`(?i)` + p))
	}
	return c
}

// Classify returns the highest tier matched by any line.
func (c *Classifier) Classify(lines []string) Level {
	d := c.ClassifyDetailed(lines)
	return d.Level
}

// Detail carries the matched patterns alongside the decision.
type Detail struct {
	Level     Level
	Matched   []string
	Reasoning string
}

// ClassifyDetailed evaluates strictly HIGH then MEDIUM and reports which
// patterns fired.
func (c *Classifier) ClassifyDetailed(lines []string) Detail {
	if len(lines) == 0 {
		return Detail{Level: Low, Reasoning: "no commands"}
	}
	text := strings.Join(lines, "\n")

	c.mu.RLock()
	defer c.mu.RUnlock()

	var matched []string
	for _, re := range c.high {
		if re.MatchString(text) {
			matched = append(matched, re.String())
		}
	}
	if len(matched) > 0 {
		return Detail{
			Level:     High,
			Matched:   matched,
			Reasoning: "contains high-impact commands affecting routing, security, or critical services",
		}
	}
	for _, re := range c.medium {
		if re.MatchString(text) {
			matched = append(matched, re.String())
		}
	}
	if len(matched) > 0 {
		return Detail{
			Level:     Medium,
			Matched:   matched,
			Reasoning: "contains moderate-impact commands affecting VLANs, interfaces, or QoS",
		}
	}
	return Detail{
		Level:     Low,
		Reasoning: "contains only low-impact commands",
	}
}

// AddPattern registers a custom case-insensitive pattern under a tier. LOW
// patterns are accepted for symmetry but never change the outcome, since
// LOW is the default.
func (c *Classifier) AddPattern(level Level, expr string) error {
	re, err := regexp.Compile(`(?i)` + expr)
	if err != nil {
		return fmt.Errorf("compile pattern %q: %w", expr, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch level {
	case High:
		c.high = append(c.high, re)
	case Medium:
		c.medium = append(c.medium, re)
	case Low:
		// LOW is the default tier; nothing to register.
	default:
		return fmt.Errorf("unknown sensitivity level %q", level)
	}
	return nil
}
