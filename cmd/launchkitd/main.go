// Command launchkitd runs the launcher daemon: it accepts connections on a
// local stream socket, mediates the active UI session and the plugin
// fleet, and keeps the frecency and index stores on disk up to date.
package main

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/launchkitd/launchkitd/internal/ambient"
	"github.com/launchkitd/launchkitd/internal/authz"
	"github.com/launchkitd/launchkitd/internal/bus"
	"github.com/launchkitd/launchkitd/internal/config"
	"github.com/launchkitd/launchkitd/internal/core"
	"github.com/launchkitd/launchkitd/internal/frecency"
	"github.com/launchkitd/launchkitd/internal/index"
	"github.com/launchkitd/launchkitd/internal/logger"
	"github.com/launchkitd/launchkitd/internal/pluginmgr"
	"github.com/launchkitd/launchkitd/internal/query"
	"github.com/launchkitd/launchkitd/internal/session"
	"github.com/launchkitd/launchkitd/internal/transport"
)

func main() {
	dataDir := getEnv("LAUNCHKITD_DATA_DIR", defaultDataDir())
	socketPath := getEnv("LAUNCHKITD_SOCKET", filepath.Join(dataDir, "launchkitd.sock"))
	configPath := getEnv("LAUNCHKITD_CONFIG", config.DefaultPath())
	tokenPath := getEnv("LAUNCHKITD_CONTROL_TOKEN", filepath.Join(dataDir, "control-token"))
	pluginDirs := splitList(getEnv("LAUNCHKITD_PLUGIN_DIRS", filepath.Join(dataDir, "plugins")))
	natsURL := os.Getenv("LAUNCHKITD_NATS_URL")
	logLevel := getEnv("LAUNCHKITD_LOG_LEVEL", "info")
	logPretty := getEnv("LAUNCHKITD_LOG_PRETTY", "false") == "true"
	debounceMs := getEnvInt("LAUNCHKITD_DEBOUNCE_MS", 0)
	shutdownTimeout := getEnvDuration("LAUNCHKITD_SHUTDOWN_TIMEOUT", 10*time.Second)

	logger.Initialize(logLevel, logPretty)
	log := logger.Get()

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		log.Fatal().Err(err).Str("dir", dataDir).Msg("failed to create data directory")
	}

	log.Info().Str("socket", socketPath).Str("config", configPath).Strs("plugin_dirs", pluginDirs).Msg("starting launchkitd")

	storeDB, err := badger.Open(badger.DefaultOptions(filepath.Join(dataDir, "store")).WithLogger(nil))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}
	defer storeDB.Close()

	indexStore := index.NewStore(storeDB)
	freqStore := frecency.NewStore(storeDB)

	cfgStore, err := config.NewStore(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}

	sweepCfg := frecency.SweepConfig{CountFloor: cfgStore.Current().FrecencyCountFloor}
	if days := cfgStore.Current().FrecencyRetentionDays; days > 0 {
		sweepCfg.Retention = time.Duration(days) * 24 * time.Hour
	}
	decay := frecency.NewScheduler(freqStore, sweepCfg)
	decay.Start()
	defer decay.Stop()

	mirror, err := frecency.NewMirror(frecency.MirrorConfig{
		Addr:    os.Getenv("LAUNCHKITD_REDIS_ADDR"),
		Enabled: os.Getenv("LAUNCHKITD_REDIS_ADDR") != "",
	})
	if err != nil {
		log.Warn().Err(err).Msg("frecency mirror unavailable; continuing without it")
		mirror, _ = frecency.NewMirror(frecency.MirrorConfig{})
	}
	defer mirror.Close()

	authority, err := authz.LoadOrIssue(tokenPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", tokenPath).Msg("failed to load or issue control token")
	}

	ambientCh := ambient.NewChannel()
	defer ambientCh.Close()

	registry := session.NewRegistry()
	defer registry.Close()

	bridge := bus.Connect(bus.Config{URL: natsURL})
	defer bridge.Close()

	// pluginmgr.NewManager's onNotify closure needs to reach Core, but Core
	// needs a constructed Manager to dispatch through; c is assigned after
	// both exist and the closure only fires once the manager starts
	// accepting real plugin traffic.
	var c *core.Core
	plugins := pluginmgr.NewManager(pluginDirs, func(pluginID, method string, params json.RawMessage) {
		if c != nil {
			c.HandlePluginNotification(pluginID, method, params)
		}
	})
	defer plugins.Close()

	wsListener, err := plugins.ServeWS(filepath.Join(dataDir, "plugins-ws.sock"))
	if err != nil {
		log.Warn().Err(err).Msg("plugin websocket listener unavailable; ws-transport plugins disabled")
	} else {
		defer wsListener.Close()
	}

	if discoveryErrs, err := plugins.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start plugin manager")
	} else {
		for _, de := range discoveryErrs {
			log.Warn().Str("dir", de.Dir).Err(de.Err).Msg("plugin discovery error")
		}
	}

	queryOpts := queryOptionsFrom(cfgStore.Current(), debounceMs)

	c = core.NewCore(core.Deps{
		Registry:   registry,
		Plugins:    plugins,
		IndexStore: indexStore,
		FreqStore:  freqStore,
		CfgStore:   cfgStore,
		AmbientCh:  ambientCh,
		Authority:  authority,
		Bridge:     bridge,
		Mirror:     mirror,
		ConfigPath: configPath,
		QueryOpts:  queryOpts,
	})
	defer c.Close()

	c.RefreshIndexes()

	watcher, err := config.NewWatcher(cfgStore, configPath, func(snap *config.Snapshot) {
		c.ApplyConfig(queryOptionsFrom(snap, debounceMs))
	})
	if err != nil {
		log.Warn().Err(err).Msg("config file watcher unavailable; live reload disabled")
	} else {
		defer watcher.Close()
	}

	dirWatcher, err := pluginmgr.NewWatcher(plugins, pluginDirs, nil)
	if err != nil {
		log.Warn().Err(err).Msg("plugin directory watcher unavailable; use reload_plugins to rescan")
	} else {
		defer dirWatcher.Close()
	}

	if err := os.RemoveAll(socketPath); err != nil && !os.IsNotExist(err) {
		log.Fatal().Err(err).Str("socket", socketPath).Msg("failed to clear stale socket")
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		log.Fatal().Err(err).Str("socket", socketPath).Msg("failed to listen on socket")
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		log.Warn().Err(err).Msg("failed to restrict socket permissions")
	}
	defer listener.Close()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		acceptLoop(listener, c)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-c.ShutdownRequested():
		log.Info().Msg("shutdown requested over control session")
	}

	if err := listener.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing listener during shutdown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	select {
	case <-acceptDone:
	case <-ctx.Done():
		log.Warn().Dur("timeout", shutdownTimeout).Msg("accept loop did not exit before shutdown timeout")
	}

	log.Info().Msg("launchkitd shutdown complete")
}

// acceptLoop accepts connections until listener is closed, handing each one
// to a fresh transport.Conn wired into Core's Accept/HandleMessage/
// Disconnected surface. It returns once Accept starts failing, which is how
// a closed listener surfaces.
func acceptLoop(listener net.Listener, c *core.Core) {
	log := logger.Transport()
	for {
		raw, err := listener.Accept()
		if err != nil {
			log.Info().Err(err).Msg("listener closed, accept loop exiting")
			return
		}

		connID := uuid.NewString()
		conn := transport.NewConn(raw, transport.DefaultMaxFrameSize,
			func(payload []byte) { c.HandleMessage(connID, payload) },
			func(cause error) { c.Disconnected(connID, cause) },
		)
		conn.Start()
		c.Accept(connID, conn)
		log.Debug().Str("conn", connID).Msg("accepted connection")
	}
}

// queryOptionsFrom maps a config snapshot onto engine options. The
// LAUNCHKITD_DEBOUNCE_MS override, when set, wins over both config names.
func queryOptionsFrom(snap *config.Snapshot, debounceMs int) query.Options {
	opts := query.Options{
		MaxDisplayedResults: snap.MaxDisplayedResults,
		MaxResultsPerPlugin: snap.MaxResultsPerPlugin,
		DiversityDecay:      snap.DiversityDecay,
		PluginRankingBonus:  snap.PluginRankingBonus,
		PrefixMap:           snap.PrefixMap,
		ExcludedSites:       snap.ExcludedSites,
	}
	if debounceMs > 0 {
		opts.Debounce = time.Duration(debounceMs) * time.Millisecond
	} else if ms := snap.EffectiveDebounceMs(); ms > 0 {
		opts.Debounce = time.Duration(ms) * time.Millisecond
	}
	return opts
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "launchkitd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".local", "state", "launchkitd")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(v string) []string {
	parts := strings.Split(v, string(os.PathListSeparator))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
