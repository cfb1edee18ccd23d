// Package featureflags evaluates runtime switches from FEATURE_FLAGS.
package featureflags

import (
	"hash/fnv"
	"strconv"
	"strings"
)

// Flags consulted by the service.
const (
	// LazyExpiry hides and removes over-age posts when they are read,
	// ahead of the next retention sweep.
	LazyExpiry = "lazy_expiry"
	// CallSignaling enables the shared call record endpoints.
	CallSignaling = "call_signaling"
)

// Manager evaluates feature flags defined in a simple key=value list.
// Example: "lazy_expiry=on,call_signaling=50%"
type Manager struct {
	flags map[string]string
}

// NewManager creates a feature-flag manager from a comma-separated config string.
func NewManager(raw string) *Manager {
	out := make(map[string]string)

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := normalize(parts[0])
		value := normalize(parts[1])
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}

	return &Manager{flags: out}
}

// Enabled returns whether a flag is enabled for a given participant.
// Supported values:
// - on/true/1
// - off/false/0
// - N% (deterministic participant rollout, e.g. 25%)
func (m *Manager) Enabled(name, participantID string) bool {
	if m == nil {
		return false
	}

	value, ok := m.flags[normalize(name)]
	if !ok {
		return false
	}

	switch value {
	case "on", "true", "1":
		return true
	case "off", "false", "0":
		return false
	}

	pctRaw, isPct := strings.CutSuffix(value, "%")
	if !isPct {
		return false
	}
	pct, err := strconv.Atoi(pctRaw)
	if err != nil || pct <= 0 {
		return false
	}
	if pct >= 100 {
		return true
	}
	if participantID == "" {
		return false
	}
	return rolloutBucket(name, participantID) < pct
}

// Snapshot returns evaluated flag status for one participant.
func (m *Manager) Snapshot(participantID string) map[string]bool {
	if m == nil {
		return map[string]bool{}
	}
	out := make(map[string]bool, len(m.flags))
	for name := range m.flags {
		out[name] = m.Enabled(name, participantID)
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func rolloutBucket(name, participantID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(normalize(name) + ":" + participantID))
	return int(h.Sum32() % 100)
}
