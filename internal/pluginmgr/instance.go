package pluginmgr

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/launchkitd/launchkitd/internal/pluginapi"
)

// State is a PluginInstance's lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDraining State = "draining"
	StateCrashed  State = "crashed"
	StateDisabled State = "disabled"
)

// restartWindow and restartBudgetSize define the default token-bucket
// restart policy: N restarts per window.
const (
	restartWindow     = 60 * time.Second
	restartBudgetSize = 5
)

// RestartBudget is a token-bucket limiter gating respawn attempts,
// refilled continuously rather than reset on a fixed window boundary.
type RestartBudget struct {
	limiter *rate.Limiter
}

// NewRestartBudget constructs a budget allowing burst respawns up to size,
// refilling at size/window tokens per second.
func NewRestartBudget(size int, window time.Duration) *RestartBudget {
	if size <= 0 {
		size = restartBudgetSize
	}
	if window <= 0 {
		window = restartWindow
	}
	return &RestartBudget{
		limiter: rate.NewLimiter(rate.Limit(float64(size)/window.Seconds()), size),
	}
}

// TakeToken consumes one restart token, reporting whether one was
// available. A false result means the instance should move to Disabled
// rather than respawn.
func (b *RestartBudget) TakeToken() bool {
	return b.limiter.Allow()
}

// PluginInstance is the runtime state for one plugin.
type PluginInstance struct {
	Manifest *pluginapi.Manifest
	Dir      string

	State         State
	RestartBudget *RestartBudget
	LastError     error
	RestartCount  int

	// Registered is true once the instance's process has called register
	// with role Plugin over its transport. Dispatch does not consult it:
	// a stdio LongLived instance receives requests as soon as it is
	// spawned.
	Registered bool

	transport transportHandle
}

// newInstance constructs a PluginInstance in the Starting state.
func newInstance(m *pluginapi.Manifest, dir string) *PluginInstance {
	return &PluginInstance{
		Manifest:      m,
		Dir:           dir,
		State:         StateStarting,
		RestartBudget: NewRestartBudget(restartBudgetSize, restartWindow),
	}
}
