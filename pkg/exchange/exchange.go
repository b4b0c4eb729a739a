package exchange

import (
	"bytes"
	"crypto/md5"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/identity"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/messagestore"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/persist"
	"github.com/corralhq/corral/pkg/reactor"
	"github.com/corralhq/corral/pkg/schema"
	"github.com/corralhq/corral/pkg/transport"
)

const (
	// ClientAPI is the newest schema version this build understands.
	ClientAPI = "3.3"

	// maxMessagesPerExchange caps one payload; the rest wait for the
	// next cycle.
	maxMessagesPerExchange = 100

	// impendingMargin is how long before the exchange timer the
	// impending-exchange event fires.
	impendingMargin = 10 * time.Second
)

// Config carries the exchange cadence.
type Config struct {
	Interval       time.Duration
	UrgentInterval time.Duration
}

// Exchanger is the message exchange state machine. All methods must be
// called from the reactor loop; the only work off the loop is the
// transport round-trip itself.
type Exchanger struct {
	reactor   *reactor.Reactor
	store     *messagestore.Store
	transport transport.Exchanger
	identity  *identity.Identity
	state     persist.Tree
	cfg       Config
	logger    zerolog.Logger

	exchanging bool
	stopped    bool
	urgent     bool
	timerArmed bool
	timerID    reactor.ID
	impendID   reactor.ID

	clientTypes     map[string]bool
	clientTypesHash []byte
}

// New creates an Exchanger and registers its built-in server message
// handlers on the reactor.
func New(r *reactor.Reactor, store *messagestore.Store, tr transport.Exchanger,
	id *identity.Identity, state persist.Tree, cfg Config) *Exchanger {
	if cfg.Interval == 0 {
		cfg.Interval = 900 * time.Second
	}
	if cfg.UrgentInterval == 0 {
		cfg.UrgentInterval = 60 * time.Second
	}
	e := &Exchanger{
		reactor:   r,
		store:     store,
		transport: tr,
		identity:  id,
		state:     state,
		cfg:       cfg,
		logger:    log.WithComponent("exchange"),
		clientTypes: map[string]bool{
			"accepted-types": true,
			"registration":   true,
			"resynchronize":  true,
			"set-id":         true,
			"set-intervals":  true,
			"unknown-id":     true,
		},
	}
	store.AddSchema(schema.NewMessage("resynchronize",
		map[string]schema.Schema{"operation-id": schema.Int{}}, "operation-id"))
	r.CallOn("message", e.handleMessage, -10)
	return e
}

// Start arms the exchange timer.
func (e *Exchanger) Start() {
	e.stopped = false
	e.ScheduleExchange(e.urgent, true)
}

// Stop cancels the timers. An in-flight request finishes on its worker
// but its result is discarded.
func (e *Exchanger) Stop() {
	e.stopped = true
	e.cancelTimers()
}

// Urgent reports whether the next exchange is on the urgent cadence.
func (e *Exchanger) Urgent() bool { return e.urgent }

// Intervals returns the current normal and urgent cadence.
func (e *Exchanger) Intervals() (normal, urgent time.Duration) {
	return e.cfg.Interval, e.cfg.UrgentInterval
}

// RegisterClientAcceptedMessageType records that some plugin in this
// process can handle server messages of the given type.
func (e *Exchanger) RegisterClientAcceptedMessageType(msgType string) {
	e.clientTypes[msgType] = true
}

// Send queues a message in the store and, when urgent, pulls the next
// exchange forward.
func (e *Exchanger) Send(message map[string]any, urgent bool) (int, error) {
	id, err := e.store.Add(message)
	if err != nil {
		return 0, err
	}
	if urgent {
		e.ScheduleExchange(true, false)
	}
	return id, nil
}

// ScheduleExchange arms the exchange timer. While an exchange is in
// flight this is a no-op. Otherwise the timer is rearmed when force is
// set, when no timer exists yet, or when urgency is newly requested;
// repeated urgent requests collapse into the one already-armed urgent
// timer.
func (e *Exchanger) ScheduleExchange(urgent, force bool) {
	if e.stopped || e.exchanging {
		return
	}
	if !force && e.timerArmed && !(urgent && !e.urgent) {
		return
	}
	if urgent {
		e.urgent = true
	}
	e.cancelTimers()
	interval := e.cfg.Interval
	if e.urgent {
		interval = e.cfg.UrgentInterval
	}
	notify := interval - impendingMargin
	if notify < 0 {
		notify = 0
	}
	e.impendID = e.reactor.CallLater(notify, func() {
		e.reactor.Fire("impending-exchange")
	})
	e.timerID = e.reactor.CallLater(interval, e.Exchange)
	e.timerArmed = true
	e.logger.Debug().Dur("interval", interval).Bool("urgent", e.urgent).
		Msg("exchange scheduled")
}

// Exchange performs one exchange cycle: fire pre-exchange, build the
// payload, post it on a worker, and handle the outcome back on the
// loop. A second call while one is in flight returns immediately.
func (e *Exchanger) Exchange() {
	if e.exchanging || e.stopped {
		return
	}
	e.exchanging = true
	e.cancelTimers()
	e.reactor.Fire("pre-exchange")

	payload := e.makePayload()
	secureID := e.identity.SecureID()
	token := e.state.GetString("exchange-token")
	serverAPI, _ := payload["server-api"].(string)
	sent := len(payload["messages"].([]any))
	start := time.Now()

	e.logger.Info().Int("messages", sent).Bool("urgent", e.urgent).
		Str("server-api", serverAPI).Msg("exchanging")

	e.reactor.CallInThread(
		func(result any) {
			e.exchanging = false
			if e.stopped {
				return
			}
			metrics.ExchangesTotal.WithLabelValues("success").Inc()
			metrics.ExchangeDuration.Observe(time.Since(start).Seconds())
			e.urgent = false
			if response, ok := result.(map[string]any); ok {
				e.handleResponse(payload, response)
			}
			metrics.MessagesPending.Set(float64(e.store.CountPendingMessages()))
			e.reactor.Fire("exchange-done")
			e.ScheduleExchange(false, true)
		},
		func(err error) {
			e.exchanging = false
			if e.stopped {
				return
			}
			metrics.ExchangesTotal.WithLabelValues("failure").Inc()
			e.logger.Warn().Err(err).Msg("exchange failed")
			e.urgent = false
			e.reactor.Fire("exchange-failed")
			e.ScheduleExchange(false, true)
		},
		func() (any, error) {
			return e.transport.Exchange(payload, secureID, token, serverAPI)
		},
	)
}

func (e *Exchanger) cancelTimers() {
	if e.timerArmed {
		e.reactor.Cancel(e.timerID)
		e.reactor.Cancel(e.impendID)
		e.timerArmed = false
	}
}

// makePayload assembles one exchange payload from the store. The
// server-api comes from the first pending message so the whole batch
// shares one schema version; the client accepted type list rides along
// only until the server echoes its hash back.
func (e *Exchanger) makePayload() map[string]any {
	serverAPI := e.store.FirstPendingAPI()
	pending := e.store.GetPendingMessages(maxMessagesPerExchange)
	messages := make([]any, len(pending))
	for i, m := range pending {
		messages[i] = m
	}
	payload := map[string]any{
		"server-api":             serverAPI,
		"client-api":             ClientAPI,
		"sequence":               e.store.GetSequence(),
		"next-expected-sequence": e.store.GetServerSequence(),
		"accepted-types":         e.store.GetAcceptedTypesDigest(),
		"messages":               messages,
		"total-messages":         e.store.CountPendingMessages(),
	}
	types := e.clientAcceptedTypes()
	if !bytes.Equal(hashTypes(types), e.clientTypesHash) {
		asList := make([]any, len(types))
		for i, t := range types {
			asList[i] = t
		}
		payload["client-accepted-types"] = asList
	}
	return payload
}

func (e *Exchanger) clientAcceptedTypes() []string {
	types := make([]string, 0, len(e.clientTypes))
	for t := range e.clientTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func hashTypes(types []string) []byte {
	digest := md5.Sum([]byte(strings.Join(types, ";")))
	return digest[:]
}

// handleResponse applies one server response: sequence bookkeeping,
// server message dispatch, token and uuid tracking.
func (e *Exchanger) handleResponse(payload, result map[string]any) {
	sent := len(payload["messages"].([]any))
	old := e.store.GetSequence()
	nextExpected := old + sent
	if v, ok := asInt(result["next-expected-sequence"]); ok {
		nextExpected = v
	}

	switch {
	case nextExpected == old+sent:
		if sent > 0 {
			e.store.SetSequence(nextExpected)
			e.store.AddPendingOffset(sent)
			e.store.DeleteOldMessages()
			metrics.MessagesSent.Add(float64(sent))
		}
	case nextExpected > old && nextExpected < old+sent:
		accepted := nextExpected - old
		e.store.SetSequence(nextExpected)
		e.store.AddPendingOffset(accepted)
		metrics.MessagesSent.Add(float64(accepted))
		e.logger.Info().Int("accepted", accepted).Int("sent", sent).
			Msg("server accepted a prefix of the payload")
	case nextExpected > old+sent:
		e.logger.Warn().Int("next-expected", nextExpected).Int("sequence", old).
			Msg("server expects a sequence beyond anything sent, resynchronizing")
		e.resynchronize(nil)
	case nextExpected < old:
		rewind := old - nextExpected
		if rewind > e.store.GetPendingOffset() {
			e.logger.Warn().Int("rewind", rewind).
				Msg("replay request reaches past the retransmission window, resynchronizing")
			e.resynchronize(nil)
		} else {
			e.logger.Info().Int("rewind", rewind).Msg("server requested a replay")
			e.store.SetSequence(nextExpected)
			e.store.RewindPendingOffset(rewind)
		}
	}
	if err := e.store.Commit(); err != nil {
		e.logger.Error().Err(err).Msg("cannot commit message store")
	}

	if h := result["client-accepted-types-hash"]; h != nil {
		e.clientTypesHash = asBytes(h)
	}

	serverSequence := e.store.GetServerSequence()
	if msgs, ok := result["messages"].([]any); ok {
		for _, raw := range msgs {
			msg, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			metrics.MessagesReceived.Inc()
			e.reactor.Fire("message", msg)
			serverSequence++
			e.store.SetServerSequence(serverSequence)
			if err := e.store.Commit(); err != nil {
				e.logger.Error().Err(err).Msg("cannot commit message store")
			}
		}
	}

	if token := asString(result["next-exchange-token"]); token != "" {
		e.state.Set("exchange-token", token)
	} else {
		e.state.Remove("exchange-token")
	}

	if uuid := asString(result["server-uuid"]); uuid != "" {
		known := e.state.GetString("server-uuid")
		if known != uuid {
			e.logger.Info().Str("server-uuid", uuid).Msg("talking to a new server")
			e.reactor.Fire("server-uuid-changed", known, uuid)
			e.state.Set("server-uuid", uuid)
		}
	}

	if e.store.CountPendingMessages() > 0 && nextExpected != old {
		e.ScheduleExchange(true, false)
	}
}

// resynchronize purges client state: plugins are told to regenerate
// everything they have reported, and a resynchronize message tells the
// server we have done so.
func (e *Exchanger) resynchronize(operationID any) {
	metrics.Resynchronizations.Inc()
	e.reactor.Fire("resynchronize-clients")
	msg := map[string]any{"type": "resynchronize"}
	if operationID != nil {
		msg["operation-id"] = operationID
	}
	if _, err := e.store.Add(msg); err != nil {
		e.logger.Error().Err(err).Msg("cannot queue resynchronize message")
	}
}

// handleMessage consumes the server message types owned by the
// exchanger itself. It returns true when the message was handled.
func (e *Exchanger) handleMessage(args ...any) any {
	if len(args) == 0 {
		return nil
	}
	msg, ok := args[0].(map[string]any)
	if !ok {
		return nil
	}
	switch asString(msg["type"]) {
	case "accepted-types":
		e.handleAcceptedTypes(msg)
		return true
	case "set-intervals":
		e.handleSetIntervals(msg)
		return true
	case "resynchronize":
		e.resynchronize(msg["operation-id"])
		return true
	}
	return nil
}

// handleAcceptedTypes replaces the server's accepted set, announces
// each changed type, and pulls the next exchange forward when the
// change released held messages.
func (e *Exchanger) handleAcceptedTypes(msg map[string]any) {
	types := stringList(msg["types"])
	oldSet := make(map[string]bool)
	for _, t := range e.store.GetAcceptedTypes() {
		oldSet[t] = true
	}
	e.store.SetAcceptedTypes(types)
	newSet := make(map[string]bool, len(types))
	for _, t := range e.store.GetAcceptedTypes() {
		newSet[t] = true
	}

	changed := make([]string, 0, len(oldSet)+len(newSet))
	for t := range oldSet {
		if !newSet[t] {
			changed = append(changed, t)
		}
	}
	for t := range newSet {
		if !oldSet[t] {
			changed = append(changed, t)
		}
	}
	sort.Strings(changed)
	for _, t := range changed {
		e.reactor.Fire("message-type-acceptance-changed", t, newSet[t])
	}

	if e.store.CountPendingMessages() > 0 {
		e.ScheduleExchange(true, false)
	}
}

func (e *Exchanger) handleSetIntervals(msg map[string]any) {
	if v, ok := asInt(msg["exchange"]); ok && v > 0 {
		e.cfg.Interval = time.Duration(v) * time.Second
		e.logger.Info().Dur("interval", e.cfg.Interval).Msg("exchange interval changed")
	}
	if v, ok := asInt(msg["urgent-exchange"]); ok && v > 0 {
		e.cfg.UrgentInterval = time.Duration(v) * time.Second
		e.logger.Info().Dur("interval", e.cfg.UrgentInterval).
			Msg("urgent exchange interval changed")
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return ""
}

func asBytes(v any) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	}
	return nil
}

func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s := asString(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
