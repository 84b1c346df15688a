package core

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchkitd/launchkitd/internal/ambient"
	"github.com/launchkitd/launchkitd/internal/authz"
	"github.com/launchkitd/launchkitd/internal/bus"
	"github.com/launchkitd/launchkitd/internal/config"
	"github.com/launchkitd/launchkitd/internal/frecency"
	"github.com/launchkitd/launchkitd/internal/index"
	"github.com/launchkitd/launchkitd/internal/pluginmgr"
	"github.com/launchkitd/launchkitd/internal/query"
	"github.com/launchkitd/launchkitd/internal/session"
)

// recordingSender is a Sender stand-in that captures every message sent to
// it, letting tests assert on outbound notifications and responses without
// a real transport.Conn.
type recordingSender struct {
	mu   sync.Mutex
	msgs []map[string]interface{}
}

func (r *recordingSender) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	return nil
}

// findNotification waits for a message with the given method (a
// notification, never a response, always carries a non-empty method).
func (r *recordingSender) findNotification(method string, timeout time.Duration) map[string]interface{} {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, m := range r.msgs {
			if m["method"] == method {
				r.mu.Unlock()
				return m
			}
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

// findResponse waits for a request/response-shaped message: carries an id
// and no method (rpc.Message omits "method" entirely for responses).
func (r *recordingSender) findResponse(timeout time.Duration) map[string]interface{} {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, m := range r.msgs {
			if _, hasMethod := m["method"]; hasMethod {
				continue
			}
			if _, hasID := m["id"]; hasID {
				r.mu.Unlock()
				return m
			}
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

func writeManifest(t *testing.T, dir, id, content string) {
	t.Helper()
	pluginDir := filepath.Join(dir, id)
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "plugin.yaml"), []byte(content), 0o644))
}

const echoResultsManifest = `
id: calc
name: calc
transport: short_lived
index:
  enabled: true
command: ["sh", "-c", "echo '{\"type\":\"results\",\"results\":[{\"id\":\"1\",\"name\":\"four\"}]}'"]
frecency: item
`

const echoExecuteManifest = `
id: notes
name: notes
transport: short_lived
command: ["sh", "-c", "echo '{\"type\":\"execute\",\"result\":{\"id\":\"n1\",\"name\":\"Note\"}}'"]
frecency: item
`

type testCore struct {
	core       *Core
	plugins    *pluginmgr.Manager
	indexStore *index.Store
	freqStore  *frecency.Store
	cfgStore   *config.Store
	authority  *authz.Authority
	pluginDir  string
	tokenPath  string
}

func newTestCore(t *testing.T) *testCore {
	t.Helper()
	pluginDir := t.TempDir()

	indexStore, err := index.Open(index.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { indexStore.Close() })

	freqDB, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { freqDB.Close() })
	freqStore := frecency.NewStore(freqDB)

	cfgStore, err := config.NewStore(filepath.Join(t.TempDir(), "missing-config.yaml"))
	require.NoError(t, err)

	tokenPath := filepath.Join(t.TempDir(), "control-token")
	authority, err := authz.LoadOrIssue(tokenPath)
	require.NoError(t, err)

	ambientCh := ambient.NewChannel()
	t.Cleanup(ambientCh.Close)

	registry := session.NewRegistry()
	t.Cleanup(registry.Close)

	var c *Core
	plugins := pluginmgr.NewManager([]string{pluginDir}, func(pluginID, method string, params json.RawMessage) {
		if c != nil {
			c.HandlePluginNotification(pluginID, method, params)
		}
	})
	t.Cleanup(plugins.Close)

	c = NewCore(Deps{
		Registry:   registry,
		Plugins:    plugins,
		IndexStore: indexStore,
		FreqStore:  freqStore,
		CfgStore:   cfgStore,
		AmbientCh:  ambientCh,
		Authority:  authority,
		Bridge:     bus.Connect(bus.Config{}),
		QueryOpts:  query.Options{Debounce: 5 * time.Millisecond, EmitInterval: time.Millisecond},
	})
	t.Cleanup(c.Close)

	return &testCore{
		core:       c,
		plugins:    plugins,
		indexStore: indexStore,
		freqStore:  freqStore,
		cfgStore:   cfgStore,
		authority:  authority,
		pluginDir:  pluginDir,
		tokenPath:  tokenPath,
	}
}

// callRequest registers a fresh sender for connID, sends a request, and
// returns the decoded response.
func callRequest(t *testing.T, tc *testCore, connID string, method string, params interface{}) map[string]interface{} {
	t.Helper()
	sender := &recordingSender{}
	tc.core.Accept(connID, sender)

	raw, err := json.Marshal(params)
	require.NoError(t, err)
	msg := map[string]interface{}{"id": uint64(1), "method": method, "params": json.RawMessage(raw)}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	tc.core.HandleMessage(connID, data)

	reply := sender.findResponse(2 * time.Second)
	require.NotNil(t, reply, "expected a response to request %q", method)
	return reply
}

// registerRequest performs a register() request over an already-Accepted
// connection and returns its result map (empty if register errored).
func registerRequest(t *testing.T, connID string, c *Core, sender *recordingSender, role session.Role, name, token string) map[string]interface{} {
	t.Helper()
	params, _ := json.Marshal(registerParams{Role: role, Name: name, Token: token})
	msg := map[string]interface{}{"id": uint64(1), "method": "register", "params": json.RawMessage(params)}
	data, _ := json.Marshal(msg)
	c.HandleMessage(connID, data)

	reply := sender.findResponse(time.Second)
	require.NotNil(t, reply)
	if reply["error"] != nil {
		return map[string]interface{}{}
	}
	return reply["result"].(map[string]interface{})
}

func queryChangedNotify(t *testing.T, c *Core, connID, query string) {
	t.Helper()
	params, _ := json.Marshal(queryChangedParams{Query: query})
	msg := map[string]interface{}{"method": "query_changed", "params": json.RawMessage(params)}
	data, _ := json.Marshal(msg)
	c.HandleMessage(connID, data)
}

func TestRegisterUIThenQueryChangedEmitsResultsUpdate(t *testing.T) {
	tc := newTestCore(t)
	writeManifest(t, tc.pluginDir, "calc", echoResultsManifest)
	_, err := tc.plugins.Start()
	require.NoError(t, err)

	sender := &recordingSender{}
	tc.core.Accept("conn-1", sender)

	reg := registerRequest(t, "conn-1", tc.core, sender, session.RoleUI, "ui-main", "")
	require.NotEmpty(t, reg["sessionId"])

	queryChangedNotify(t, tc.core, "conn-1", "anything")

	update := sender.findNotification("results_update", time.Second)
	require.NotNil(t, update, "expected a results_update notification")
}

func TestRegisterControlRequiresToken(t *testing.T) {
	tc := newTestCore(t)
	reply := callRequest(t, tc, "conn-ctl", "register", registerParams{Role: session.RoleControl, Token: "wrong-token"})
	require.NotNil(t, reply["error"])
}

func TestRegisterControlWithValidTokenSucceeds(t *testing.T) {
	tc := newTestCore(t)
	token, err := os.ReadFile(tc.tokenPath)
	require.NoError(t, err)

	reply := callRequest(t, tc, "conn-ctl", "register", registerParams{Role: session.RoleControl, Token: string(token)})
	require.Nil(t, reply["error"])

	result := reply["result"].(map[string]interface{})
	assert.NotEmpty(t, result["sessionId"])
	assert.NotEmpty(t, result["ticket"], "a fresh session ticket should be issued on successful control registration")
}

func TestItemSelectedThenAckExecuteRecordsFrecency(t *testing.T) {
	tc := newTestCore(t)
	writeManifest(t, tc.pluginDir, "notes", echoExecuteManifest)
	_, err := tc.plugins.Start()
	require.NoError(t, err)

	sender := &recordingSender{}
	tc.core.Accept("conn-ui", sender)
	reg := registerRequest(t, "conn-ui", tc.core, sender, session.RoleUI, "ui", "")
	require.NotEmpty(t, reg["sessionId"])

	params, _ := json.Marshal(itemSelectedParams{ItemRef: itemRef{PluginID: "notes", ItemID: "n1"}})
	msg := map[string]interface{}{"id": uint64(2), "method": "item_selected", "params": json.RawMessage(params)}
	data, _ := json.Marshal(msg)
	tc.core.HandleMessage("conn-ui", data)

	execMsg := sender.findNotification("execute", time.Second)
	require.NotNil(t, execMsg, "expected an execute notification")

	execParams := execMsg["params"].(map[string]interface{})
	executeID := execParams["executeId"].(string)
	require.NotEmpty(t, executeID)

	ackParams, _ := json.Marshal(ackExecuteParams{ExecuteID: executeID, OK: true})
	ackMsg := map[string]interface{}{"method": "ack_execute", "params": json.RawMessage(ackParams)}
	ackData, _ := json.Marshal(ackMsg)
	tc.core.HandleMessage("conn-ui", ackData)

	require.Eventually(t, func() bool {
		entry, err := tc.freqStore.Get("notes:n1")
		return err == nil && entry.Count == 1
	}, time.Second, 10*time.Millisecond, "ack_execute should record a frecency selection")
}

func TestItemSelectedWithoutAckDoesNotRecordFrecency(t *testing.T) {
	tc := newTestCore(t)
	writeManifest(t, tc.pluginDir, "notes", echoExecuteManifest)
	_, err := tc.plugins.Start()
	require.NoError(t, err)

	sender := &recordingSender{}
	tc.core.Accept("conn-ui", sender)
	registerRequest(t, "conn-ui", tc.core, sender, session.RoleUI, "ui", "")

	params, _ := json.Marshal(itemSelectedParams{ItemRef: itemRef{PluginID: "notes", ItemID: "n1"}})
	msg := map[string]interface{}{"id": uint64(2), "method": "item_selected", "params": json.RawMessage(params)}
	data, _ := json.Marshal(msg)
	tc.core.HandleMessage("conn-ui", data)

	require.NotNil(t, sender.findNotification("execute", time.Second))

	time.Sleep(50 * time.Millisecond)
	entry, err := tc.freqStore.Get("notes:n1")
	require.NoError(t, err)
	assert.Zero(t, entry.Count, "frecency must not update before ack_execute confirms success")
}

func TestDisablePluginRequiresControlRole(t *testing.T) {
	tc := newTestCore(t)
	writeManifest(t, tc.pluginDir, "calc", echoResultsManifest)
	_, err := tc.plugins.Start()
	require.NoError(t, err)

	sender := &recordingSender{}
	tc.core.Accept("conn-ui", sender)
	registerRequest(t, "conn-ui", tc.core, sender, session.RoleUI, "ui", "")

	reply := callRequest(t, tc, "conn-ui", "disable_plugin", pluginIDParams{PluginID: "calc"})
	require.NotNil(t, reply["error"])
}

func TestDisablePluginAsControlSucceeds(t *testing.T) {
	tc := newTestCore(t)
	writeManifest(t, tc.pluginDir, "calc", echoResultsManifest)
	_, err := tc.plugins.Start()
	require.NoError(t, err)

	token, err := os.ReadFile(tc.tokenPath)
	require.NoError(t, err)

	reply := callRequest(t, tc, "conn-ctl", "register", registerParams{Role: session.RoleControl, Token: string(token)})
	require.Nil(t, reply["error"])

	reply = callRequest(t, tc, "conn-ctl", "disable_plugin", pluginIDParams{PluginID: "calc"})
	require.Nil(t, reply["error"])

	inst, ok := tc.plugins.Get("calc")
	require.True(t, ok)
	assert.Equal(t, pluginmgr.StateDisabled, inst.State)
}

func TestShutdownRequiresControlRoleAndSignalsShutdownChan(t *testing.T) {
	tc := newTestCore(t)

	sender := &recordingSender{}
	tc.core.Accept("conn-ui", sender)
	registerRequest(t, "conn-ui", tc.core, sender, session.RoleUI, "ui", "")

	reply := callRequest(t, tc, "conn-ui", "shutdown", struct{}{})
	require.NotNil(t, reply["error"], "a UI-role session must not be able to shut the daemon down")

	token, err := os.ReadFile(tc.tokenPath)
	require.NoError(t, err)
	reply = callRequest(t, tc, "conn-ctl", "register", registerParams{Role: session.RoleControl, Token: string(token)})
	require.Nil(t, reply["error"])

	reply = callRequest(t, tc, "conn-ctl", "shutdown", struct{}{})
	require.Nil(t, reply["error"])

	select {
	case <-tc.core.ShutdownRequested():
	case <-time.After(time.Second):
		t.Fatal("expected ShutdownRequested to be closed after a control shutdown() call")
	}
}

func TestStatusReportsFrecencyEntryCount(t *testing.T) {
	tc := newTestCore(t)
	require.NoError(t, tc.freqStore.RecordSelection("calc:1", "q", time.Now()))

	sender := &recordingSender{}
	tc.core.Accept("conn-ui", sender)
	registerRequest(t, "conn-ui", tc.core, sender, session.RoleUI, "ui", "")

	reply := callRequest(t, tc, "conn-ui", "status", struct{}{})
	require.Nil(t, reply["error"])
	result := reply["result"].(map[string]interface{})
	assert.EqualValues(t, 1, result["frecencyEntries"])
}

func TestReloadPluginsDetectsAddedPlugin(t *testing.T) {
	tc := newTestCore(t)
	_, err := tc.plugins.Start()
	require.NoError(t, err)

	writeManifest(t, tc.pluginDir, "calc", echoResultsManifest)

	sender := &recordingSender{}
	tc.core.Accept("conn-ui", sender)
	registerRequest(t, "conn-ui", tc.core, sender, session.RoleUI, "ui", "")

	reply := callRequest(t, tc, "conn-ui", "reload_plugins", struct{}{})
	require.Nil(t, reply["error"])
	result := reply["result"].(map[string]interface{})
	added, ok := result["Added"].([]interface{})
	require.True(t, ok)
	assert.Contains(t, added, "calc")
}

const echoIndexManifest = `
id: apps
name: apps
transport: short_lived
index:
  enabled: true
command: ["sh", "-c", "echo '{\"type\":\"index\",\"results\":[{\"id\":\"firefox\",\"name\":\"<b>Firefox</b>\"}]}'"]
frecency: item
`

func TestRefreshIndexesPopulatesStoreAndSanitizes(t *testing.T) {
	tc := newTestCore(t)
	writeManifest(t, tc.pluginDir, "apps", echoIndexManifest)
	_, err := tc.plugins.Start()
	require.NoError(t, err)

	tc.core.RefreshIndexes()

	require.Eventually(t, func() bool {
		items, err := tc.indexStore.Iter("apps")
		return err == nil && len(items) == 1
	}, 2*time.Second, 10*time.Millisecond, "index step response should populate the store")

	items, err := tc.indexStore.Iter("apps")
	require.NoError(t, err)
	assert.Equal(t, "Firefox", items[0].Name, "plugin-supplied markup must be stripped")
}

func TestIndexNotificationAppliesIncrementalDelta(t *testing.T) {
	tc := newTestCore(t)
	writeManifest(t, tc.pluginDir, "apps", echoIndexManifest)
	_, err := tc.plugins.Start()
	require.NoError(t, err)

	full, _ := json.Marshal(map[string]interface{}{
		"type": "index",
		"results": []map[string]string{
			{"id": "a", "name": "Alpha"},
			{"id": "b", "name": "Beta"},
		},
	})
	tc.core.HandlePluginNotification("apps", "index", full)

	items, err := tc.indexStore.Iter("apps")
	require.NoError(t, err)
	require.Len(t, items, 2)

	delta, _ := json.Marshal(map[string]interface{}{
		"type":    "index",
		"partial": true,
		"results": []map[string]string{{"id": "c", "name": "Gamma"}},
		"removed": []string{"a", "never-existed"},
	})
	tc.core.HandlePluginNotification("apps", "index", delta)

	items, err = tc.indexStore.Iter("apps")
	require.NoError(t, err)
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	assert.ElementsMatch(t, []string{"b", "c"}, ids)
}
