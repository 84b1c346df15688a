// Package ambient forwards plugin-pushed status and ambient-item updates
// to the active UI independently of query state. There is always at most
// one subscriber: whichever UI session is currently active.
package ambient

import (
	"reflect"

	"github.com/launchkitd/launchkitd/internal/logger"
	"github.com/launchkitd/launchkitd/internal/pluginapi"
)

// Snapshot is one plugin's latest pushed status: badges, chips,
// description, FAB, and ambient items.
type Snapshot struct {
	PluginID string
	Status   pluginapi.AmbientStatus
}

// Update is what Channel hands to its subscriber: the plugin whose
// snapshot changed, the full new snapshot, and whether the change
// affected the Ambient field specifically (which gates ambient_update).
type Update struct {
	Snapshot     Snapshot
	AmbientDirty bool
}

// Subscriber receives status/ambient updates for the currently active UI.
// The core wires session.Registry's active-UI transitions to
// Channel.SetSubscriber so updates always go to whichever session is
// presently active.
type Subscriber func(Update)

// Channel holds the latest snapshot per plugin and forwards every change
// to the current subscriber.
// Like session.Registry, all mutation happens on its own goroutine so
// readers of ReplayAll never race a concurrent PluginStatus call.
type Channel struct {
	ops  chan func(*channelState)
	done chan struct{}
}

type channelState struct {
	snapshots  map[string]Snapshot
	subscriber Subscriber
}

// NewChannel starts a Channel's owner goroutine.
func NewChannel() *Channel {
	c := &Channel{
		ops:  make(chan func(*channelState), 64),
		done: make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Channel) run() {
	state := &channelState{snapshots: make(map[string]Snapshot)}
	for {
		select {
		case op := <-c.ops:
			op(state)
		case <-c.done:
			return
		}
	}
}

func (c *Channel) submit(fn func(*channelState)) {
	done := make(chan struct{})
	c.ops <- func(s *channelState) {
		fn(s)
		close(done)
	}
	<-done
}

// Close stops the owner goroutine.
func (c *Channel) Close() { close(c.done) }

// SetSubscriber installs the callback that receives every future update,
// replacing whatever was previously set. A nil subscriber silences
// forwarding, matching "no active consumer" when no UI is connected.
func (c *Channel) SetSubscriber(sub Subscriber) {
	c.submit(func(s *channelState) { s.subscriber = sub })
}

// ReplayAll immediately replays every plugin's last known snapshot to sub,
// so a newly promoted UI does not show a blank ambient area until the next
// push.
func (c *Channel) ReplayAll(sub Subscriber) {
	if sub == nil {
		return
	}
	c.submit(func(s *channelState) {
		for _, snap := range s.snapshots {
			sub(Update{Snapshot: snap, AmbientDirty: len(snap.Status.Ambient) > 0})
		}
	})
}

// PluginStatus applies a plugin_status push: the new snapshot
// unconditionally replaces the prior one. An empty ambient array is a
// clear signal, not a no-op, and still overwrites.
func (c *Channel) PluginStatus(pluginID string, status pluginapi.AmbientStatus) {
	c.submit(func(s *channelState) {
		prev, hadPrev := s.snapshots[pluginID]
		next := Snapshot{PluginID: pluginID, Status: status}
		s.snapshots[pluginID] = next

		ambientDirty := !hadPrev || !reflect.DeepEqual(prev.Status.Ambient, status.Ambient)

		if s.subscriber == nil {
			logger.Ambient().Debug().Str("plugin", pluginID).Msg("status pushed with no active UI; snapshot retained for replay")
			return
		}
		s.subscriber(Update{Snapshot: next, AmbientDirty: ambientDirty})
	})
}

// Clear drops a plugin's snapshot entirely, used when a plugin exits so a
// crashed or disabled plugin does not leave a stale indicator behind.
func (c *Channel) Clear(pluginID string) {
	c.submit(func(s *channelState) {
		if _, ok := s.snapshots[pluginID]; !ok {
			return
		}
		delete(s.snapshots, pluginID)
		if s.subscriber != nil {
			s.subscriber(Update{
				Snapshot:     Snapshot{PluginID: pluginID, Status: pluginapi.AmbientStatus{Ambient: []pluginapi.Item{}}},
				AmbientDirty: true,
			})
		}
	})
}
