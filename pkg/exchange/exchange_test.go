package exchange

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/identity"
	"github.com/corralhq/corral/pkg/messagestore"
	"github.com/corralhq/corral/pkg/persist"
	"github.com/corralhq/corral/pkg/reactor"
	"github.com/corralhq/corral/pkg/schema"
)

type exchangeCall struct {
	payload   map[string]any
	secureID  string
	token     string
	serverAPI string
}

// fakeTransport replays queued responses; with none queued it accepts
// the whole payload. A non-nil block channel stalls the worker until
// the channel is closed.
type fakeTransport struct {
	mu        sync.Mutex
	calls     []exchangeCall
	responses []map[string]any
	err       error
	block     chan struct{}
}

func (f *fakeTransport) Exchange(payload map[string]any, secureID, token, serverAPI string) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, exchangeCall{payload, secureID, token, serverAPI})
	block := f.block
	err := f.err
	var response map[string]any
	if len(f.responses) > 0 {
		response = f.responses[0]
		f.responses = f.responses[1:]
	}
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	if response == nil {
		sequence, _ := payload["sequence"].(int)
		sent := len(payload["messages"].([]any))
		response = map[string]any{"next-expected-sequence": int64(sequence + sent)}
	}
	return response, nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) call(i int) exchangeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func (f *fakeTransport) respond(responses ...map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, responses...)
}

type fixture struct {
	reactor   *reactor.Reactor
	store     *messagestore.Store
	transport *fakeTransport
	identity  *identity.Identity
	exchanger *Exchanger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	state := persist.New(filepath.Join(dir, "broker.bpickle"))

	registry := schema.NewRegistry()
	store, err := messagestore.New(state.RootAt("message-store"), registry,
		filepath.Join(dir, "messages"))
	require.NoError(t, err)
	for _, msgType := range []string{"empty", "other"} {
		store.AddSchema(schema.NewMessage(msgType, nil))
	}
	store.AddSchema(schema.NewMessage("data",
		map[string]schema.Schema{"n": schema.Int{}}, "n"))
	store.SetAcceptedTypes([]string{"data", "empty", "resynchronize"})

	r := reactor.New()
	go r.Run()
	t.Cleanup(r.Stop)

	ft := &fakeTransport{}
	id := identity.New(state.RootAt("registration"), identity.Config{})
	exchanger := New(r, store, ft, id, state.RootAt("exchange"), Config{
		Interval:       900 * time.Second,
		UrgentInterval: 300 * time.Second,
	})
	return &fixture{reactor: r, store: store, transport: ft, identity: id, exchanger: exchanger}
}

// exchange runs one full cycle on the reactor loop and waits for it to
// finish.
func (f *fixture) exchange(t *testing.T) {
	t.Helper()
	done := make(chan struct{}, 2)
	notify := func(args ...any) any {
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	}
	doneID := f.reactor.CallOn("exchange-done", notify, 100)
	failedID := f.reactor.CallOn("exchange-failed", notify, 100)
	f.reactor.CallInMain(f.exchanger.Exchange)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("exchange did not complete")
	}
	f.reactor.Cancel(doneID)
	f.reactor.Cancel(failedID)
	f.settle(t)
}

// settle waits until everything queued on the reactor so far has run.
func (f *fixture) settle(t *testing.T) {
	t.Helper()
	idle := make(chan struct{})
	f.reactor.CallInMain(func() { close(idle) })
	select {
	case <-idle:
	case <-time.After(5 * time.Second):
		t.Fatal("reactor stalled")
	}
}

func (f *fixture) addMessages(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.store.Add(map[string]any{"type": "data", "n": i})
		require.NoError(t, err)
	}
}

func TestEmptyExchangePayload(t *testing.T) {
	f := newFixture(t)
	f.exchange(t)

	require.Equal(t, 1, f.transport.callCount())
	call := f.transport.call(0)
	payload := call.payload
	assert.Equal(t, messagestore.DefaultAPI, payload["server-api"])
	assert.Equal(t, ClientAPI, payload["client-api"])
	assert.Equal(t, 0, payload["sequence"])
	assert.Equal(t, 0, payload["next-expected-sequence"])
	assert.Equal(t, f.store.GetAcceptedTypesDigest(), payload["accepted-types"])
	assert.Empty(t, payload["messages"])
	assert.Equal(t, 0, payload["total-messages"])
	assert.Equal(t, messagestore.DefaultAPI, call.serverAPI)
}

func TestFullAcceptFreesMessages(t *testing.T) {
	f := newFixture(t)
	f.addMessages(t, 3)
	f.exchange(t)

	payload := f.transport.call(0).payload
	assert.Len(t, payload["messages"], 3)
	assert.Equal(t, 3, payload["total-messages"])
	assert.Equal(t, 3, f.store.GetSequence())
	assert.Equal(t, 0, f.store.GetPendingOffset())
	assert.Equal(t, 0, f.store.CountPendingMessages())
}

func TestPartialAccept(t *testing.T) {
	f := newFixture(t)
	f.addMessages(t, 5)
	f.transport.respond(map[string]any{"next-expected-sequence": int64(3)})
	f.exchange(t)

	assert.Equal(t, 3, f.store.GetSequence())
	assert.Equal(t, 2, f.store.CountPendingMessages())
	// Progress plus a leftover queue pulls the next exchange forward.
	assert.True(t, f.exchanger.Urgent())

	// The next cycle retransmits exactly the remaining two.
	f.exchange(t)
	payload := f.transport.call(1).payload
	messages := payload["messages"].([]any)
	require.Len(t, messages, 2)
	first := messages[0].(map[string]any)
	assert.Equal(t, int64(3), first["n"])
	assert.Equal(t, 5, f.store.GetSequence())
	assert.Equal(t, 0, f.store.CountPendingMessages())
}

func TestNoProgressKeepsMessages(t *testing.T) {
	f := newFixture(t)
	f.addMessages(t, 2)
	f.transport.respond(map[string]any{"next-expected-sequence": int64(0)})
	f.exchange(t)

	assert.Equal(t, 0, f.store.GetSequence())
	assert.Equal(t, 2, f.store.CountPendingMessages())
	// No progress means no urgent retry; the normal cadence stands.
	assert.False(t, f.exchanger.Urgent())

	f.exchange(t)
	messages := f.transport.call(1).payload["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, int64(0), messages[0].(map[string]any)["n"])
}

func TestAncientSequenceResynchronizes(t *testing.T) {
	f := newFixture(t)
	f.addMessages(t, 2)

	var fired int
	var mu sync.Mutex
	f.reactor.CallOn("resynchronize-clients", func(args ...any) any {
		mu.Lock()
		fired++
		mu.Unlock()
		return nil
	}, 0)

	f.transport.respond(map[string]any{"next-expected-sequence": int64(10)})
	f.exchange(t)

	mu.Lock()
	assert.Equal(t, 1, fired)
	mu.Unlock()
	var resync map[string]any
	for _, m := range f.store.GetPendingMessages(-1) {
		if m["type"] == "resynchronize" {
			resync = m
		}
	}
	require.NotNil(t, resync, "a resynchronize message must be queued")
	assert.NotContains(t, resync, "operation-id")
}

func TestRewindReplaysMessages(t *testing.T) {
	f := newFixture(t)
	f.addMessages(t, 5)
	// Partial accept keeps the accepted prefix on disk, so a replay
	// window of three exists.
	f.transport.respond(map[string]any{"next-expected-sequence": int64(3)})
	f.exchange(t)
	require.Equal(t, 3, f.store.GetPendingOffset())

	f.transport.respond(map[string]any{"next-expected-sequence": int64(1)})
	f.exchange(t)

	assert.Equal(t, 1, f.store.GetSequence())
	assert.Equal(t, 1, f.store.GetPendingOffset())
	assert.Equal(t, 4, f.store.CountPendingMessages())
}

func TestRewindBeyondWindowResynchronizes(t *testing.T) {
	f := newFixture(t)
	f.addMessages(t, 3)
	// Full accept frees the files; nothing is left to replay.
	f.exchange(t)
	require.Equal(t, 3, f.store.GetSequence())

	var fired int
	var mu sync.Mutex
	f.reactor.CallOn("resynchronize-clients", func(args ...any) any {
		mu.Lock()
		fired++
		mu.Unlock()
		return nil
	}, 0)

	f.transport.respond(map[string]any{"next-expected-sequence": int64(0)})
	f.exchange(t)

	mu.Lock()
	assert.Equal(t, 1, fired)
	mu.Unlock()
	messages := f.store.GetPendingMessages(-1)
	require.Len(t, messages, 1)
	assert.Equal(t, "resynchronize", messages[0]["type"])
}

func TestServerMessagesFireEvents(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var got []map[string]any
	f.reactor.CallOn("message", func(args ...any) any {
		mu.Lock()
		got = append(got, args[0].(map[string]any))
		mu.Unlock()
		return nil
	}, 0)

	f.transport.respond(map[string]any{
		"next-expected-sequence": int64(0),
		"messages": []any{
			map[string]any{"type": "howdy", "value": int64(1)},
			map[string]any{"type": "howdy", "value": int64(2)},
		},
	})
	f.exchange(t)

	mu.Lock()
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0]["value"])
	assert.Equal(t, int64(2), got[1]["value"])
	mu.Unlock()
	assert.Equal(t, 2, f.store.GetServerSequence())
}

func TestAcceptedTypesMessage(t *testing.T) {
	f := newFixture(t)

	// "other" is not accepted, so this message starts out held.
	_, err := f.store.Add(map[string]any{"type": "other"})
	require.NoError(t, err)
	require.Equal(t, 0, f.store.CountPendingMessages())

	var mu sync.Mutex
	changes := map[string]bool{}
	f.reactor.CallOn("message-type-acceptance-changed", func(args ...any) any {
		mu.Lock()
		changes[args[0].(string)] = args[1].(bool)
		mu.Unlock()
		return nil
	}, 0)

	f.transport.respond(map[string]any{
		"next-expected-sequence": int64(0),
		"messages": []any{
			map[string]any{"type": "accepted-types",
				"types": []any{"data", "other", "resynchronize"}},
		},
	})
	f.exchange(t)

	assert.Equal(t, []string{"data", "other", "resynchronize"}, f.store.GetAcceptedTypes())
	mu.Lock()
	assert.Equal(t, map[string]bool{"empty": false, "other": true}, changes)
	mu.Unlock()
	// The held message is sendable now, so the next exchange is urgent.
	assert.Equal(t, 1, f.store.CountPendingMessages())
	assert.True(t, f.exchanger.Urgent())
}

func TestSetIntervalsMessage(t *testing.T) {
	f := newFixture(t)
	f.transport.respond(map[string]any{
		"next-expected-sequence": int64(0),
		"messages": []any{
			map[string]any{"type": "set-intervals",
				"exchange": int64(1200), "urgent-exchange": int64(30)},
		},
	})
	f.exchange(t)

	normal, urgent := f.exchanger.Intervals()
	assert.Equal(t, 1200*time.Second, normal)
	assert.Equal(t, 30*time.Second, urgent)
}

func TestResynchronizeMessage(t *testing.T) {
	f := newFixture(t)

	var fired int
	var mu sync.Mutex
	f.reactor.CallOn("resynchronize-clients", func(args ...any) any {
		mu.Lock()
		fired++
		mu.Unlock()
		return nil
	}, 0)

	f.transport.respond(map[string]any{
		"next-expected-sequence": int64(0),
		"messages": []any{
			map[string]any{"type": "resynchronize", "operation-id": int64(123)},
		},
	})
	f.exchange(t)

	mu.Lock()
	assert.Equal(t, 1, fired)
	mu.Unlock()
	messages := f.store.GetPendingMessages(-1)
	require.Len(t, messages, 1)
	assert.Equal(t, "resynchronize", messages[0]["type"])
	assert.Equal(t, int64(123), messages[0]["operation-id"])
}

func TestExchangeTokenRoundTrip(t *testing.T) {
	f := newFixture(t)

	f.transport.respond(map[string]any{
		"next-expected-sequence": int64(0),
		"next-exchange-token":    "token-1",
	})
	f.exchange(t)
	assert.Equal(t, "", f.transport.call(0).token)

	f.transport.respond(map[string]any{"next-expected-sequence": int64(0)})
	f.exchange(t)
	assert.Equal(t, "token-1", f.transport.call(1).token)

	// The second response carried no token, so the third request goes
	// out bare.
	f.exchange(t)
	assert.Equal(t, "", f.transport.call(2).token)
}

func TestServerUUIDChange(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var changes [][2]string
	f.reactor.CallOn("server-uuid-changed", func(args ...any) any {
		mu.Lock()
		changes = append(changes, [2]string{args[0].(string), args[1].(string)})
		mu.Unlock()
		return nil
	}, 0)

	f.transport.respond(
		map[string]any{"next-expected-sequence": int64(0), "server-uuid": "uuid-1"},
		map[string]any{"next-expected-sequence": int64(0), "server-uuid": "uuid-1"},
		map[string]any{"next-expected-sequence": int64(0), "server-uuid": "uuid-2"},
	)
	f.exchange(t)
	f.exchange(t)
	f.exchange(t)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 2)
	assert.Equal(t, [2]string{"", "uuid-1"}, changes[0])
	assert.Equal(t, [2]string{"uuid-1", "uuid-2"}, changes[1])
}

func TestClientAcceptedTypesSentUntilEchoed(t *testing.T) {
	f := newFixture(t)
	f.exchanger.RegisterClientAcceptedMessageType("plugin-type")

	f.transport.respond(map[string]any{"next-expected-sequence": int64(0)})
	f.exchange(t)
	first := f.transport.call(0).payload
	types, ok := first["client-accepted-types"].([]any)
	require.True(t, ok, "full type list goes out while the server has no hash")
	assert.Contains(t, types, "plugin-type")
	assert.Contains(t, types, "accepted-types")

	// Server echoes the matching hash: the list stays home.
	typeStrings := make([]string, len(types))
	for i, v := range types {
		typeStrings[i] = v.(string)
	}
	f.transport.respond(
		map[string]any{
			"next-expected-sequence":     int64(0),
			"client-accepted-types-hash": hashTypes(typeStrings),
		},
		map[string]any{"next-expected-sequence": int64(0)},
	)
	f.exchange(t)
	f.exchange(t)
	third := f.transport.call(2).payload
	assert.NotContains(t, third, "client-accepted-types")
}

func TestExchangeFailure(t *testing.T) {
	f := newFixture(t)
	f.addMessages(t, 2)
	f.transport.err = errors.New("connection reset")

	var mu sync.Mutex
	var failed, done int
	f.reactor.CallOn("exchange-failed", func(args ...any) any {
		mu.Lock()
		failed++
		mu.Unlock()
		return nil
	}, 0)
	f.reactor.CallOn("exchange-done", func(args ...any) any {
		mu.Lock()
		done++
		mu.Unlock()
		return nil
	}, 0)

	f.exchange(t)

	mu.Lock()
	assert.Equal(t, 1, failed)
	assert.Equal(t, 0, done)
	mu.Unlock()
	// The store is untouched by a failed exchange.
	assert.Equal(t, 0, f.store.GetSequence())
	assert.Equal(t, 2, f.store.CountPendingMessages())
}

func TestNoConcurrentExchange(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.transport.block = release

	done := make(chan struct{}, 1)
	f.reactor.CallOn("exchange-done", func(args ...any) any {
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	}, 0)

	f.reactor.CallInMain(f.exchanger.Exchange)
	f.reactor.CallInMain(f.exchanger.Exchange)
	f.settle(t)
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("exchange did not complete")
	}
	f.settle(t)
	assert.Equal(t, 1, f.transport.callCount())
}

func TestScheduleWhileExchangingIsNoOp(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.transport.block = release

	done := make(chan struct{}, 1)
	f.reactor.CallOn("exchange-done", func(args ...any) any {
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	}, 0)

	f.reactor.CallInMain(f.exchanger.Exchange)
	f.reactor.CallInMain(func() {
		f.exchanger.ScheduleExchange(true, false)
		// The in-flight exchange swallows the request: no urgency flip,
		// no second timer.
		assert.False(t, f.exchanger.Urgent())
	})
	f.settle(t)
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("exchange did not complete")
	}
	f.settle(t)
	assert.Equal(t, 1, f.transport.callCount())
}

func TestUrgencyCollapse(t *testing.T) {
	f := newFixture(t)
	// Tight urgent cadence so the collapsed timer fires during the
	// test; the normal cadence stays far away.
	f.exchanger.cfg.UrgentInterval = 50 * time.Millisecond

	for i := 0; i < 5; i++ {
		f.reactor.CallInMain(func() { f.exchanger.ScheduleExchange(true, false) })
	}
	f.settle(t)

	require.Eventually(t, func() bool { return f.transport.callCount() >= 1 },
		5*time.Second, 10*time.Millisecond)
	// Give any duplicate timers a chance to misfire.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, f.transport.callCount())
}

func TestSendUrgentSchedulesUrgently(t *testing.T) {
	f := newFixture(t)
	f.reactor.CallInMain(func() {
		id, err := f.exchanger.Send(map[string]any{"type": "data", "n": 1}, true)
		assert.NoError(t, err)
		assert.Equal(t, 0, id)
		assert.True(t, f.exchanger.Urgent())
	})
	f.settle(t)
	assert.Equal(t, 1, f.store.CountPendingMessages())
}

func TestSendRejectsInvalidMessage(t *testing.T) {
	f := newFixture(t)
	f.reactor.CallInMain(func() {
		_, err := f.exchanger.Send(map[string]any{"type": "no-such-type"}, false)
		assert.Error(t, err)
	})
	f.settle(t)
	assert.Equal(t, 0, f.store.CountPendingMessages())
}

func TestStopDiscardsInFlightResult(t *testing.T) {
	f := newFixture(t)
	f.addMessages(t, 2)
	release := make(chan struct{})
	f.transport.block = release

	var mu sync.Mutex
	var done int
	f.reactor.CallOn("exchange-done", func(args ...any) any {
		mu.Lock()
		done++
		mu.Unlock()
		return nil
	}, 0)

	f.reactor.CallInMain(f.exchanger.Exchange)
	f.settle(t)
	f.reactor.CallInMain(f.exchanger.Stop)
	f.settle(t)
	close(release)
	time.Sleep(100 * time.Millisecond)
	f.settle(t)

	mu.Lock()
	assert.Equal(t, 0, done)
	mu.Unlock()
	assert.Equal(t, 0, f.store.GetSequence())
	assert.Equal(t, 2, f.store.CountPendingMessages())
}

func TestPayloadCapsMessages(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < maxMessagesPerExchange+20; i++ {
		_, err := f.store.Add(map[string]any{"type": "data", "n": i})
		require.NoError(t, err)
	}
	f.transport.respond(map[string]any{"next-expected-sequence": int64(0)})
	f.exchange(t)

	payload := f.transport.call(0).payload
	assert.Len(t, payload["messages"], maxMessagesPerExchange)
	assert.Equal(t, maxMessagesPerExchange+20, payload["total-messages"])
}

func TestSecureIDSentWhenRegistered(t *testing.T) {
	f := newFixture(t)
	f.identity.SetSecureID("secure-xyz")
	f.exchange(t)
	assert.Equal(t, "secure-xyz", f.transport.call(0).secureID)
}

func TestRoundTripEqualsCoercedInput(t *testing.T) {
	f := newFixture(t)
	input := map[string]any{"type": "data", "n": 7, "timestamp": 1234.0}
	_, err := f.store.Add(input)
	require.NoError(t, err)
	f.transport.respond(map[string]any{"next-expected-sequence": int64(0)})
	f.exchange(t)

	messages := f.transport.call(0).payload["messages"].([]any)
	require.Len(t, messages, 1)
	sent := messages[0].(map[string]any)
	assert.Equal(t, "data", sent["type"])
	assert.Equal(t, int64(7), sent["n"])
	assert.Equal(t, 1234.0, sent["timestamp"])
	assert.Equal(t, messagestore.DefaultAPI, fmt.Sprint(sent["api"]))
}
