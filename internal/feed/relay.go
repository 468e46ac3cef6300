package feed

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Relay mirrors a Bus across processes over NATS so viewers connected to one
// instance see writes made through another.
type Relay struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	bus    *Bus
	prefix string
	origin string
}

type RelayConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NewRelay connects to NATS and starts mirroring bus.
func NewRelay(cfg RelayConfig, bus *Bus) (*Relay, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "xscore"
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("xscore-relay"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	r := &Relay{
		nc:     nc,
		bus:    bus,
		prefix: cfg.SubjectPrefix,
		origin: uuid.NewString(),
	}
	sub, err := nc.Subscribe(r.prefix+".>", r.receive)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe nats: %w", err)
	}
	r.sub = sub
	bus.Tap(r.forward)

	log.Info().Str("url", cfg.URL).Str("origin", r.origin).Msg("feed relay connected")
	return r, nil
}

// Subject maps a bus topic onto a NATS subject.
func (r *Relay) Subject(topic string) string {
	return r.prefix + "." + topic
}

func (r *Relay) forward(e Event) {
	if e.Origin != "" {
		return
	}
	e.Origin = r.origin
	data, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Str("topic", e.Topic).Msg("relay marshal failed")
		return
	}
	if err := r.nc.Publish(r.Subject(e.Topic), data); err != nil {
		log.Warn().Err(err).Str("topic", e.Topic).Msg("relay publish failed")
	}
}

func (r *Relay) receive(msg *nats.Msg) {
	var e Event
	if err := json.Unmarshal(msg.Data, &e); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("relay dropped malformed event")
		return
	}
	if e.Origin == r.origin {
		return
	}
	if e.Topic == "" {
		e.Topic = strings.TrimPrefix(msg.Subject, r.prefix+".")
	}
	r.bus.Deliver(e)
}

func (r *Relay) Close() error {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	return r.nc.Drain()
}
