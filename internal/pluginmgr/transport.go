package pluginmgr

import (
	"context"

	"github.com/launchkitd/launchkitd/internal/pluginapi"
)

// transportHandle is satisfied by both shortLivedHandle (spawn-per-request)
// and the long-lived handles (persistent child), giving the manager a
// single dispatch surface regardless of manifest.Transport.
type transportHandle interface {
	Dispatch(ctx context.Context, req pluginapi.Request) (*pluginapi.Response, error)
	Close() error
}

// streamingHandle is the long-lived extension of transportHandle.
// DispatchStream invokes onPartial, in arrival order, for every
// plugin_results notification bearing this request's id, then returns the
// terminal response. A batch whose id has no registered waiter (late
// after cancellation, or unsolicited) falls through to the handle's
// notification callback instead.
type streamingHandle interface {
	DispatchStream(ctx context.Context, req pluginapi.Request, onPartial func([]pluginapi.Item)) (*pluginapi.Response, error)
}
