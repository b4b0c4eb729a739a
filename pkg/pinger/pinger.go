// Package pinger probes the server between exchanges. A ping is a
// cheap GET that asks "is anything waiting for me?"; a positive answer
// pulls the next exchange forward instead of waiting out the full
// cadence. Pings carry the insecure id, so nothing happens until the
// computer has registered.
package pinger

import (
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/identity"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/reactor"
	"github.com/corralhq/corral/pkg/wire"
)

// Fetcher performs plain GETs; the transport satisfies it.
type Fetcher interface {
	Fetch(url string) ([]byte, error)
}

// Scheduler is the slice of the exchanger the pinger needs.
type Scheduler interface {
	ScheduleExchange(urgent, force bool)
}

// Pinger polls the ping endpoint on a fixed cadence.
type Pinger struct {
	reactor   *reactor.Reactor
	fetcher   Fetcher
	identity  *identity.Identity
	scheduler Scheduler
	url       string
	interval  time.Duration
	logger    zerolog.Logger

	running bool
	timerID reactor.ID
}

// New creates a pinger and registers its set-intervals hook.
func New(r *reactor.Reactor, fetcher Fetcher, id *identity.Identity,
	scheduler Scheduler, pingURL string, interval time.Duration) *Pinger {
	if interval == 0 {
		interval = 30 * time.Second
	}
	p := &Pinger{
		reactor:   r,
		fetcher:   fetcher,
		identity:  id,
		scheduler: scheduler,
		url:       pingURL,
		interval:  interval,
		logger:    log.WithComponent("pinger"),
	}
	r.CallOn("message", p.handleMessage, 0)
	return p
}

// Interval returns the current ping cadence.
func (p *Pinger) Interval() time.Duration { return p.interval }

// Start arms the ping timer.
func (p *Pinger) Start() {
	if p.running || p.url == "" {
		return
	}
	p.running = true
	p.timerID = p.reactor.CallEvery(p.interval, p.ping)
}

// Stop cancels the ping timer.
func (p *Pinger) Stop() {
	if !p.running {
		return
	}
	p.reactor.Cancel(p.timerID)
	p.running = false
}

// ping issues one probe. The GET and the reply decode run on a worker;
// only the verdict comes back to the loop.
func (p *Pinger) ping() {
	insecureID := p.identity.InsecureID()
	if insecureID == "" {
		return
	}
	target := p.url + "?insecure_id=" + url.QueryEscape(insecureID)
	p.reactor.CallInThread(
		func(result any) {
			metrics.PingsTotal.WithLabelValues("success").Inc()
			if waiting, _ := result.(bool); waiting {
				p.logger.Info().Msg("server has messages waiting, exchanging")
				p.scheduler.ScheduleExchange(true, false)
			}
		},
		func(err error) {
			metrics.PingsTotal.WithLabelValues("failure").Inc()
			p.logger.Warn().Err(err).Msg("ping failed")
		},
		func() (any, error) {
			data, err := p.fetcher.Fetch(target)
			if err != nil {
				return nil, err
			}
			value, err := wire.Unmarshal(data)
			if err != nil {
				return nil, fmt.Errorf("pinger: decode reply: %w", err)
			}
			reply, ok := value.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("pinger: unexpected reply %T", value)
			}
			waiting, _ := reply["messages"].(bool)
			return waiting, nil
		},
	)
}

// handleMessage adjusts the cadence when a set-intervals server message
// carries a ping field.
func (p *Pinger) handleMessage(args ...any) any {
	if len(args) == 0 {
		return nil
	}
	msg, ok := args[0].(map[string]any)
	if !ok {
		return nil
	}
	if msgType, _ := msg["type"].(string); msgType != "set-intervals" {
		return nil
	}
	seconds := 0
	switch v := msg["ping"].(type) {
	case int:
		seconds = v
	case int64:
		seconds = int(v)
	}
	if seconds <= 0 {
		return nil
	}
	p.interval = time.Duration(seconds) * time.Second
	p.logger.Info().Dur("interval", p.interval).Msg("ping interval changed")
	if p.running {
		p.reactor.Cancel(p.timerID)
		p.timerID = p.reactor.CallEvery(p.interval, p.ping)
	}
	return nil
}
