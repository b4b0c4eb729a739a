package broker

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/exchange"
	"github.com/corralhq/corral/pkg/exchangestore"
	"github.com/corralhq/corral/pkg/identity"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/messagestore"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/persist"
	"github.com/corralhq/corral/pkg/pinger"
	"github.com/corralhq/corral/pkg/reactor"
	"github.com/corralhq/corral/pkg/registration"
	"github.com/corralhq/corral/pkg/schema"
	"github.com/corralhq/corral/pkg/transport"
)

// ErrStaleOperation reports that an operation result was addressed to
// a registration that no longer exists.
var ErrStaleOperation = errors.New("operation result belongs to a previous registration")

// Broker owns every component of the agent core.
type Broker struct {
	cfg           *config.Config
	reactor       *reactor.Reactor
	state         *persist.Persist
	store         *messagestore.Store
	transport     *transport.HTTPTransport
	identity      *identity.Identity
	exchanger     *exchange.Exchanger
	registration  *registration.Handler
	pinger        *pinger.Pinger
	exchangeStore *exchangestore.Store
	server        *Server
	metricsServer *http.Server
	logger        zerolog.Logger
}

// New builds a broker from the configuration. The data directory must
// be usable; anything else is a fatal startup error.
func New(cfg *config.Config) (*Broker, error) {
	if err := os.MkdirAll(cfg.DataPath, 0o700); err != nil {
		return nil, fmt.Errorf("broker: data path: %w", err)
	}
	state := persist.New(cfg.PersistPath())
	registry := schema.NewRegistry()
	store, err := messagestore.New(state.RootAt("message-store"), registry, cfg.MessagesDir())
	if err != nil {
		return nil, err
	}
	tr, err := transport.New(cfg.URL, cfg.SSLPublicKey, transport.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	exchangeStore, err := exchangestore.Open(cfg.ExchangeDBPath())
	if err != nil {
		return nil, err
	}

	r := reactor.New()
	id := identity.New(state.RootAt("registration"), identity.Config{
		ComputerTitle:        cfg.ComputerTitle,
		AccountName:          cfg.AccountName,
		RegistrationPassword: cfg.RegistrationPassword,
		Tags:                 cfg.Tags,
		AccessGroup:          cfg.AccessGroup,
	})
	exchanger := exchange.New(r, store, tr, id, state.RootAt("exchange"), exchange.Config{
		Interval:       cfg.ExchangeDuration(),
		UrgentInterval: cfg.UrgentExchangeDuration(),
	})
	reg := registration.New(r, exchanger, store, id, tr, registration.Config{
		Cloud: cfg.Cloud,
	})
	png := pinger.New(r, tr, id, exchanger, cfg.PingURL, cfg.PingDuration())

	b := &Broker{
		cfg:           cfg,
		reactor:       r,
		state:         state,
		store:         store,
		transport:     tr,
		identity:      id,
		exchanger:     exchanger,
		registration:  reg,
		pinger:        png,
		exchangeStore: exchangeStore,
		logger:        log.WithComponent("broker"),
	}
	b.server = newServer(b)
	b.addSchemas()

	r.CallOn("message", b.recordMessageContext, -20)
	r.CallOn("resynchronize-clients", b.purgeMessageContexts, 0)
	return b, nil
}

// addSchemas registers the message schemas the broker accepts from
// plugins beyond the built-ins the exchange and registration handlers
// own.
func (b *Broker) addSchemas() {
	b.store.AddSchema(schema.NewMessage("operation-result", map[string]schema.Schema{
		"operation-id": schema.Int{},
		"status":       schema.Int{},
		"result-text":  schema.Text{},
		"result-code":  schema.Int{},
	}, "result-text", "result-code"))
}

// Start runs the reactor loop, the plugin RPC listener, and the
// optional metrics listener, then arms the exchange and ping timers.
func (b *Broker) Start() error {
	go b.reactor.Run()
	if err := b.server.start(b.cfg.SocketPath()); err != nil {
		b.reactor.Stop()
		return err
	}
	if b.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		b.metricsServer = &http.Server{Addr: b.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := b.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				b.logger.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}
	b.onReactor(func() {
		b.exchanger.Start()
		b.pinger.Start()
	})
	b.logger.Info().Str("socket", b.cfg.SocketPath()).Str("url", b.cfg.URL).
		Msg("broker started")
	return nil
}

// Stop shuts everything down and flushes the persist tree.
func (b *Broker) Stop() {
	b.onReactor(func() {
		b.pinger.Stop()
		b.exchanger.Stop()
	})
	b.server.stop()
	if b.metricsServer != nil {
		b.metricsServer.Close()
	}
	b.reactor.Stop()
	<-b.reactor.Done()
	if err := b.state.Save(); err != nil {
		b.logger.Error().Err(err).Msg("cannot save state")
	}
	if err := b.exchangeStore.Close(); err != nil {
		b.logger.Error().Err(err).Msg("cannot close exchange store")
	}
	b.logger.Info().Msg("broker stopped")
}

// Registration exposes the registration handler for the interactive
// register flow.
func (b *Broker) Registration() *registration.Handler {
	return b.registration
}

// onReactor runs fn on the reactor loop and waits for it.
func (b *Broker) onReactor(fn func()) {
	done := make(chan struct{})
	b.reactor.CallInMain(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-b.reactor.Done():
	}
}

// sendMessage queues a plugin message, dropping operation results that
// were requested of a previous registration.
func (b *Broker) sendMessage(message map[string]any, urgent bool) (int, error) {
	if opID, ok := operationID(message); ok {
		ctx, err := b.exchangeStore.GetMessageContext(opID)
		if err != nil {
			b.logger.Error().Err(err).Msg("cannot read message context")
		}
		if ctx != nil {
			if ctx.SecureID != b.identity.SecureID() {
				b.logger.Warn().Int64("operation-id", opID).
					Str("type", ctx.MessageType).
					Msg("dropping operation result addressed to a previous registration")
				return 0, ErrStaleOperation
			}
			if err := b.exchangeStore.DeleteMessageContext(opID); err != nil {
				b.logger.Error().Err(err).Msg("cannot delete message context")
			}
		}
	}
	return b.exchanger.Send(message, urgent)
}

// recordMessageContext remembers which registration a server operation
// request was addressed to, keyed by operation-id.
func (b *Broker) recordMessageContext(args ...any) any {
	if len(args) == 0 {
		return nil
	}
	msg, ok := args[0].(map[string]any)
	if !ok {
		return nil
	}
	opID, ok := operationID(msg)
	if !ok {
		return nil
	}
	msgType, _ := msg["type"].(string)
	if err := b.exchangeStore.AddMessageContext(opID, b.identity.SecureID(), msgType); err != nil {
		b.logger.Error().Err(err).Int64("operation-id", opID).
			Msg("cannot record message context")
	}
	return nil
}

func (b *Broker) purgeMessageContexts(args ...any) any {
	if err := b.exchangeStore.DeleteAll(); err != nil {
		b.logger.Error().Err(err).Msg("cannot purge message contexts")
	}
	return nil
}

func operationID(message map[string]any) (int64, bool) {
	switch v := message["operation-id"].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}
