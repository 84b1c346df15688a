// Package bus bridges launchkitd's ambient and plugin-status updates onto
// an optional external NATS subject tree, for power-user automation
// (scripts that react to "plugin X went down" or "timer plugin changed
// state" outside the UI). It is entirely optional: if no NATS URL is
// configured or the dial fails, Bridge is a no-op rather than a startup
// failure.
package bus

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/launchkitd/launchkitd/internal/logger"
)

// Subjects follow a "launchkitd.<domain>.<action>" tree.
const (
	SubjectAmbientUpdate      = "launchkitd.ambient.update"
	SubjectPluginStatusUpdate = "launchkitd.plugin.status"
	SubjectPluginExited       = "launchkitd.plugin.exited"
)

// Config configures the optional NATS connection.
type Config struct {
	URL string
}

// Bridge forwards events to NATS when enabled.
type Bridge struct {
	conn    *nats.Conn
	enabled bool
}

// Connect dials cfg.URL. An empty URL or a failed dial yields a disabled
// Bridge rather than an error; the daemon's core functionality never
// depends on this bridge being reachable.
func Connect(cfg Config) *Bridge {
	if cfg.URL == "" {
		logger.Get().Debug().Msg("bus: no NATS URL configured, external event bridge disabled")
		return &Bridge{enabled: false}
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("launchkitd"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Get().Warn().Err(err).Msg("bus: disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Get().Info().Str("url", nc.ConnectedUrl()).Msg("bus: reconnected to NATS")
		}),
	)
	if err != nil {
		logger.Get().Warn().Err(err).Str("url", cfg.URL).Msg("bus: failed to connect to NATS, external event bridge disabled")
		return &Bridge{enabled: false}
	}

	logger.Get().Info().Str("url", conn.ConnectedUrl()).Msg("bus: connected to NATS")
	return &Bridge{conn: conn, enabled: true}
}

// IsEnabled reports whether the bridge is actively forwarding events.
func (b *Bridge) IsEnabled() bool { return b.enabled }

// Close drains and closes the NATS connection, if any.
func (b *Bridge) Close() {
	if b.conn != nil {
		b.conn.Drain()
		b.conn.Close()
	}
}

func (b *Bridge) publish(subject string, payload interface{}) {
	if !b.enabled {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Get().Warn().Err(err).Str("subject", subject).Msg("bus: failed to marshal event")
		return
	}
	if err := b.conn.Publish(subject, data); err != nil {
		logger.Get().Warn().Err(err).Str("subject", subject).Msg("bus: failed to publish event")
	}
}

// AmbientEvent is published to SubjectAmbientUpdate whenever the ambient
// channel delivers an update to the active UI.
type AmbientEvent struct {
	PluginID     string    `json:"pluginId"`
	AmbientDirty bool      `json:"ambientDirty"`
	Timestamp    time.Time `json:"timestamp"`
}

// PublishAmbientUpdate forwards an ambient_update.
func (b *Bridge) PublishAmbientUpdate(pluginID string, ambientDirty bool, at time.Time) {
	b.publish(SubjectAmbientUpdate, AmbientEvent{PluginID: pluginID, AmbientDirty: ambientDirty, Timestamp: at})
}

// PluginStatusEvent is published to SubjectPluginStatusUpdate.
type PluginStatusEvent struct {
	PluginID  string    `json:"pluginId"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// PublishPluginStatus forwards a plugin lifecycle transition.
func (b *Bridge) PublishPluginStatus(pluginID, state string, at time.Time) {
	b.publish(SubjectPluginStatusUpdate, PluginStatusEvent{PluginID: pluginID, State: state, Timestamp: at})
}

// PluginExitedEvent is published to SubjectPluginExited.
type PluginExitedEvent struct {
	PluginID  string    `json:"pluginId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// PublishPluginExited forwards a PluginExited core event.
func (b *Bridge) PublishPluginExited(pluginID string, reason error, at time.Time) {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	b.publish(SubjectPluginExited, PluginExitedEvent{PluginID: pluginID, Reason: msg, Timestamp: at})
}
