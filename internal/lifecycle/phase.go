package lifecycle

import (
	"fmt"
	"strings"
)

// Phase is a monotonically advancing startup milestone of the host.
// The zero value means no phase has been reached yet.
type Phase int

const (
	// Starting: the host is creating its core services.
	Starting Phase = iota + 1
	// Ready: core services exist; restoring user state begins.
	Ready
	// Restored: previous state (views, sessions, ...) has been restored.
	Restored
	// Eventually: some time after Restored, when the host has settled.
	Eventually
)

// Phases lists every phase in increasing order.
func Phases() []Phase { return []Phase{Starting, Ready, Restored, Eventually} }

func (p Phase) Valid() bool { return p >= Starting && p <= Eventually }

func (p Phase) String() string {
	switch p {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Restored:
		return "restored"
	case Eventually:
		return "eventually"
	case 0:
		return "none"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ParsePhase accepts the names produced by String (case-insensitive).
func ParsePhase(s string) (Phase, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "starting":
		return Starting, nil
	case "ready":
		return Ready, nil
	case "restored":
		return Restored, nil
	case "eventually":
		return Eventually, nil
	default:
		return 0, fmt.Errorf("unknown lifecycle phase %q", s)
	}
}
