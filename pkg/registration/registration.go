// Package registration decides whether and how this computer registers
// with the server. While the identity has no secure id and the config
// names an account, every pre-exchange replaces the queue with a fresh
// register message; the server answers with set-id (success),
// unknown-id (identity revoked), or a registration failure notice.
package registration

import (
	"context"
	"errors"
	"os"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/exchange"
	"github.com/corralhq/corral/pkg/identity"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/messagestore"
	"github.com/corralhq/corral/pkg/reactor"
	"github.com/corralhq/corral/pkg/schema"
)

// ErrInvalidCredentials reports that the server rejected the account
// name or registration password.
var ErrInvalidCredentials = errors.New("invalid account name or registration password")

// ErrServerUnavailable reports that the registration exchange never
// reached the server.
var ErrServerUnavailable = errors.New("unable to contact the server")

var tagPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// DefaultMetadataURL is the EC2 instance metadata service.
const DefaultMetadataURL = "http://169.254.169.254/latest/meta-data"

// Fetcher performs plain GETs; the transport satisfies it.
type Fetcher interface {
	Fetch(url string) ([]byte, error)
}

// Config carries the registration behavior switches.
type Config struct {
	// Cloud enables register-cloud-vm with EC2 instance metadata.
	Cloud bool
	// MetadataURL overrides the metadata service base URL.
	MetadataURL string
}

// Handler queues register messages and consumes the server's replies.
type Handler struct {
	reactor   *reactor.Reactor
	exchanger *exchange.Exchanger
	store     *messagestore.Store
	identity  *identity.Identity
	fetcher   Fetcher
	cfg       Config
	logger    zerolog.Logger

	// whether the current exchange cycle already carries a register
	// message; checked again on exchange-done.
	registering bool
}

// New creates the handler and registers its reactor hooks.
func New(r *reactor.Reactor, exchanger *exchange.Exchanger, store *messagestore.Store,
	id *identity.Identity, fetcher Fetcher, cfg Config) *Handler {
	if cfg.MetadataURL == "" {
		cfg.MetadataURL = DefaultMetadataURL
	}
	h := &Handler{
		reactor:   r,
		exchanger: exchanger,
		store:     store,
		identity:  id,
		fetcher:   fetcher,
		cfg:       cfg,
		logger:    log.WithComponent("registration"),
	}
	nullableText := schema.AnyOf(schema.Text{}, schema.Constant{Value: nil})
	store.AddSchema(schema.NewMessage("register", map[string]schema.Schema{
		"computer_title":        schema.Text{},
		"account_name":          schema.Text{},
		"registration_password": nullableText,
		"hostname":              schema.Text{},
		"tags":                  nullableText,
		"access_group":          nullableText,
	}, "registration_password", "tags", "access_group"))
	store.AddSchema(schema.NewMessage("register-cloud-vm", map[string]schema.Schema{
		"computer_title":        schema.Text{},
		"account_name":          schema.Text{},
		"registration_password": nullableText,
		"hostname":              schema.Text{},
		"tags":                  nullableText,
		"access_group":          nullableText,
		"instance_id":           schema.Text{},
		"ami_id":                schema.Text{},
		"instance_type":         schema.Text{},
	}, "registration_password", "tags", "access_group"))

	r.CallOn("pre-exchange", h.handlePreExchange, 0)
	r.CallOn("exchange-done", h.handleExchangeDone, 0)
	r.CallOn("message", h.handleMessage, -5)
	return h
}

// ShouldRegister reports whether a register message belongs in the next
// exchange: no secure id yet, a title and account configured, and the
// server accepting register messages.
func (h *Handler) ShouldRegister() bool {
	return h.identity.SecureID() == "" &&
		h.identity.ComputerTitle() != "" &&
		h.identity.AccountName() != "" &&
		h.store.Accepts("register")
}

func (h *Handler) handlePreExchange(args ...any) any {
	h.registering = h.ShouldRegister()
	if !h.registering {
		return nil
	}
	// Anything queued was addressed to a registration that no longer
	// exists; the server will not accept it.
	if err := h.store.DeleteAllMessages(); err != nil {
		h.logger.Error().Err(err).Msg("cannot clear message store")
	}

	message := h.makeRegisterMessage()
	h.logger.Info().Str("account", h.identity.AccountName()).
		Str("type", message["type"].(string)).Msg("queueing registration")
	if _, err := h.store.Add(message); err != nil {
		h.logger.Error().Err(err).Msg("cannot queue register message")
	}
	return nil
}

func (h *Handler) makeRegisterMessage() map[string]any {
	hostname, err := os.Hostname()
	if err != nil {
		h.logger.Warn().Err(err).Msg("cannot read hostname")
	}
	message := map[string]any{
		"type":           "register",
		"computer_title": h.identity.ComputerTitle(),
		"account_name":   h.identity.AccountName(),
		"hostname":       hostname,
		"tags":           h.validTags(),
	}
	if password := h.identity.RegistrationPassword(); password != "" {
		message["registration_password"] = password
	}
	if group := h.identity.AccessGroup(); group != "" {
		message["access_group"] = group
	}
	if h.cfg.Cloud && h.store.Accepts("register-cloud-vm") {
		if meta, ok := h.fetchInstanceMetadata(); ok {
			message["type"] = "register-cloud-vm"
			for k, v := range meta {
				message[k] = v
			}
		}
	}
	return message
}

// validTags returns the configured tag list, or nil when any tag is
// malformed: a half-valid set would register the machine under the
// wrong labels.
func (h *Handler) validTags() any {
	raw := h.identity.Tags()
	if raw == "" {
		return nil
	}
	for _, tag := range strings.Split(raw, ",") {
		if !tagPattern.MatchString(strings.TrimSpace(tag)) {
			h.logger.Error().Str("tags", raw).Msg("invalid tags, dropping them")
			return nil
		}
	}
	return raw
}

func (h *Handler) fetchInstanceMetadata() (map[string]string, bool) {
	if h.fetcher == nil {
		return nil, false
	}
	meta := make(map[string]string, 3)
	for key, path := range map[string]string{
		"instance_id":   "instance-id",
		"ami_id":        "ami-id",
		"instance_type": "instance-type",
	} {
		data, err := h.fetcher.Fetch(h.cfg.MetadataURL + "/" + path)
		if err != nil {
			h.logger.Warn().Err(err).Str("path", path).
				Msg("instance metadata unreachable, registering as a plain computer")
			return nil, false
		}
		meta[key] = string(data)
	}
	return meta, true
}

func (h *Handler) handleExchangeDone(args ...any) any {
	// Registration became wanted mid-exchange, typically because the
	// server just started accepting register messages.
	if !h.registering && h.ShouldRegister() {
		h.exchanger.ScheduleExchange(true, false)
	}
	return nil
}

func (h *Handler) handleMessage(args ...any) any {
	if len(args) == 0 {
		return nil
	}
	msg, ok := args[0].(map[string]any)
	if !ok {
		return nil
	}
	switch asString(msg["type"]) {
	case "set-id":
		h.identity.SetSecureID(asString(msg["id"]))
		h.identity.SetInsecureID(asString(msg["insecure-id"]))
		h.logger.Info().Msg("registered with the server")
		h.reactor.Fire("registration-done")
		// A fresh registration is a clean slate server-side.
		h.reactor.Fire("resynchronize-clients")
		return true
	case "unknown-id":
		h.logger.Warn().Msg("server does not know us, clearing identity")
		h.identity.Clear()
		return true
	case "registration":
		if asString(msg["info"]) == "unknown-account" {
			h.logger.Error().Msg("registration rejected: unknown account")
			h.reactor.Fire("registration-failed")
			return true
		}
	}
	return nil
}

// Register runs one interactive registration attempt: it forces an
// immediate exchange and resolves on the first registration-done,
// registration-failed, or exchange-failed, removing its listeners
// either way.
func (h *Handler) Register(ctx context.Context) error {
	result := make(chan error, 1)
	h.reactor.CallInMain(func() {
		var doneID, failedID, exchangeID reactor.ID
		resolve := func(err error) {
			h.reactor.Cancel(doneID)
			h.reactor.Cancel(failedID)
			h.reactor.Cancel(exchangeID)
			select {
			case result <- err:
			default:
			}
		}
		doneID = h.reactor.CallOn("registration-done", func(args ...any) any {
			resolve(nil)
			return nil
		}, 0)
		failedID = h.reactor.CallOn("registration-failed", func(args ...any) any {
			resolve(ErrInvalidCredentials)
			return nil
		}, 0)
		exchangeID = h.reactor.CallOn("exchange-failed", func(args ...any) any {
			resolve(ErrServerUnavailable)
			return nil
		}, 0)
		h.exchanger.Exchange()
	})
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
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
