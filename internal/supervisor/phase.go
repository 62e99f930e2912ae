package supervisor

import "github.com/loykin/sidecar/internal/metrics"

// Mode selects whether the supervisor owns a backend process.
type Mode string

const (
	// ModeRelease spawns the bundled backend on a free port.
	ModeRelease Mode = "release"
	// ModeDev assumes a developer-run backend on the dev port.
	ModeDev Mode = "dev"
)

// ParseMode maps a config string to a Mode; anything but "dev" is release.
func ParseMode(s string) Mode {
	if s == string(ModeDev) {
		return ModeDev
	}
	return ModeRelease
}

// Phase is the supervisor's view of the backend lifecycle.
type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseSpawning
	PhaseRunning
	PhaseReady
	PhaseExitedBeforeReady
	PhaseTerminated
)

var phaseNames = []string{
	PhaseNotStarted:        "not_started",
	PhaseSpawning:          "spawning",
	PhaseRunning:           "running",
	PhaseReady:             "ready",
	PhaseExitedBeforeReady: "exited_before_ready",
	PhaseTerminated:        "terminated",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// settled reports whether p only admits a move to PhaseTerminated.
func (p Phase) settled() bool {
	return p == PhaseExitedBeforeReady || p == PhaseTerminated
}

func publishPhase(p Phase) { metrics.SetPhase(p.String(), phaseNames) }
