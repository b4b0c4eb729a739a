package broker

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/wire"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response, _ := wire.Marshal(map[string]any{"next-expected-sequence": 0})
		w.Write(response)
	}))
	t.Cleanup(server.Close)

	cfg := config.Default()
	cfg.URL = server.URL
	cfg.PingURL = ""
	cfg.DataPath = t.TempDir()

	b, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, b.Start())
	t.Cleanup(b.Stop)
	b.onReactor(func() {
		b.store.SetAcceptedTypes([]string{"operation-result", "register", "resynchronize"})
	})
	return b
}

func dialBroker(t *testing.T, b *Broker) *Client {
	t.Helper()
	client, err := Dial(b.cfg.SocketPath())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

type testPlugin struct {
	mu       sync.Mutex
	messages []map[string]any
	events   []PluginEvent
	exits    int
	notify   chan struct{}
}

func newTestPlugin() *testPlugin {
	return &testPlugin{notify: make(chan struct{}, 16)}
}

func (p *testPlugin) Message(message map[string]any) bool {
	p.mu.Lock()
	p.messages = append(p.messages, message)
	p.mu.Unlock()
	p.notify <- struct{}{}
	return true
}

func (p *testPlugin) HandleEvent(name string, args []any) {
	p.mu.Lock()
	p.events = append(p.events, PluginEvent{Name: name, Args: args})
	p.mu.Unlock()
	p.notify <- struct{}{}
}

func (p *testPlugin) Exiting() {
	p.mu.Lock()
	p.exits++
	p.mu.Unlock()
}

func (p *testPlugin) wait(t *testing.T) {
	t.Helper()
	select {
	case <-p.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("plugin callback never arrived")
	}
}

func TestPing(t *testing.T) {
	b := newTestBroker(t)
	client := dialBroker(t, b)
	require.NoError(t, client.Register("test-plugin", "", nil))
	assert.NoError(t, client.Ping())
}

func TestSendMessageQueues(t *testing.T) {
	b := newTestBroker(t)
	client := dialBroker(t, b)
	require.NoError(t, client.Register("test-plugin", "", nil))

	id, err := client.SendMessage(map[string]any{
		"type": "operation-result", "operation-id": 7, "status": 0,
	}, false)
	require.NoError(t, err)
	assert.Equal(t, 0, id)

	var pending int
	b.onReactor(func() { pending = b.store.CountPendingMessages() })
	assert.Equal(t, 1, pending)
}

func TestSendMessageRequiresSession(t *testing.T) {
	b := newTestBroker(t)
	client := dialBroker(t, b)
	_, err := client.SendMessage(map[string]any{"type": "operation-result",
		"operation-id": 1, "status": 0}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown session")
}

func TestStaleOperationResultDropped(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.exchangeStore.AddMessageContext(5, "previous-registration", "change-packages"))
	b.onReactor(func() { b.identity.SetSecureID("current-registration") })

	client := dialBroker(t, b)
	require.NoError(t, client.Register("test-plugin", "", nil))
	_, err := client.SendMessage(map[string]any{
		"type": "operation-result", "operation-id": 5, "status": 0,
	}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "previous registration")

	var pending int
	b.onReactor(func() { pending = b.store.CountPendingMessages() })
	assert.Equal(t, 0, pending)
}

func TestMatchingOperationContextConsumed(t *testing.T) {
	b := newTestBroker(t)
	b.onReactor(func() { b.identity.SetSecureID("secure-1") })
	require.NoError(t, b.exchangeStore.AddMessageContext(5, "secure-1", "change-packages"))

	client := dialBroker(t, b)
	require.NoError(t, client.Register("test-plugin", "", nil))
	_, err := client.SendMessage(map[string]any{
		"type": "operation-result", "operation-id": 5, "status": 0,
	}, false)
	require.NoError(t, err)

	ctx, err := b.exchangeStore.GetMessageContext(5)
	require.NoError(t, err)
	assert.Nil(t, ctx, "context is spent once the result is queued")
}

func TestServerMessageRecordsContext(t *testing.T) {
	b := newTestBroker(t)
	b.onReactor(func() {
		b.identity.SetSecureID("secure-1")
		b.reactor.Fire("message", map[string]any{
			"type": "change-packages", "operation-id": int64(42),
		})
	})

	ctx, err := b.exchangeStore.GetMessageContext(42)
	require.NoError(t, err)
	require.NotNil(t, ctx)
	assert.Equal(t, "secure-1", ctx.SecureID)
	assert.Equal(t, "change-packages", ctx.MessageType)
}

func TestResynchronizePurgesContexts(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.exchangeStore.AddMessageContext(1, "a", "x"))
	require.NoError(t, b.exchangeStore.AddMessageContext(2, "a", "y"))

	b.onReactor(func() { b.reactor.Fire("resynchronize-clients") })

	ids, err := b.exchangeStore.AllOperationIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPluginReceivesServerMessages(t *testing.T) {
	b := newTestBroker(t)
	client := dialBroker(t, b)
	plugin := newTestPlugin()
	callback := filepath.Join(b.cfg.DataPath, "plugin.sock")
	require.NoError(t, client.Register("test-plugin", callback, plugin))

	b.onReactor(func() {
		b.reactor.Fire("message", map[string]any{"type": "howdy", "value": int64(9)})
	})
	plugin.wait(t)

	plugin.mu.Lock()
	defer plugin.mu.Unlock()
	require.Len(t, plugin.messages, 1)
	assert.Equal(t, "howdy", plugin.messages[0]["type"])
	assert.Equal(t, int64(9), plugin.messages[0]["value"])
}

func TestCallOnEvent(t *testing.T) {
	b := newTestBroker(t)
	client := dialBroker(t, b)
	plugin := newTestPlugin()
	callback := filepath.Join(b.cfg.DataPath, "plugin.sock")
	require.NoError(t, client.Register("test-plugin", callback, plugin))
	require.NoError(t, client.CallOnEvent("resynchronize-clients"))

	b.onReactor(func() { b.reactor.Fire("resynchronize-clients") })
	plugin.wait(t)

	plugin.mu.Lock()
	defer plugin.mu.Unlock()
	require.Len(t, plugin.events, 1)
	assert.Equal(t, "resynchronize-clients", plugin.events[0].Name)
}

func TestFireEventCollectsResults(t *testing.T) {
	b := newTestBroker(t)
	client := dialBroker(t, b)
	require.NoError(t, client.Register("test-plugin", "", nil))

	b.onReactor(func() {
		b.reactor.CallOn("poll", func(args ...any) any { return "pong" }, 0)
	})
	results, err := client.FireEvent("poll")
	require.NoError(t, err)
	assert.Equal(t, []any{"pong"}, results)
}

func TestRegisterComputerRPC(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		payload, err := wire.Unmarshal(body)
		require.NoError(t, err)
		request := payload.(map[string]any)
		sequence := request["sequence"].(int64)
		sent := len(request["messages"].([]any))
		response, _ := wire.Marshal(map[string]any{
			"next-expected-sequence": sequence + int64(sent),
			"messages": []any{
				map[string]any{"type": "set-id", "id": "abc", "insecure-id": "def"},
			},
		})
		w.Write(response)
	}))
	t.Cleanup(server.Close)

	cfg := config.Default()
	cfg.URL = server.URL
	cfg.PingURL = ""
	cfg.DataPath = t.TempDir()
	cfg.ComputerTitle = "rex"
	cfg.AccountName = "acct"

	b, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, b.Start())
	t.Cleanup(b.Stop)
	b.onReactor(func() { b.store.SetAcceptedTypes([]string{"register"}) })

	client := dialBroker(t, b)
	require.NoError(t, client.RegisterComputer())

	var secureID string
	b.onReactor(func() { secureID = b.identity.SecureID() })
	assert.Equal(t, "abc", secureID)
}

func TestRegisterAcceptedMessageType(t *testing.T) {
	b := newTestBroker(t)
	client := dialBroker(t, b)
	require.NoError(t, client.Register("test-plugin", "", nil))
	assert.NoError(t, client.RegisterAcceptedMessageType("change-packages"))
}
