// Package eventbus forwards supervisor lifecycle events to NATS.
package eventbus

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"modelvisor/internal/common/logging"
	"modelvisor/internal/manager"
)

// DefaultSubjectPrefix roots every event subject.
const DefaultSubjectPrefix = "modelvisor.model"

// Config configures a NATS publisher.
type Config struct {
	URL           string
	SubjectPrefix string
	// Name identifies this client to the NATS server.
	Name   string
	Logger *zerolog.Logger
}

// msgConn is the part of *nats.Conn the publisher uses.
type msgConn interface {
	PublishMsg(m *nats.Msg) error
	Drain() error
}

// NATSPublisher implements manager.EventPublisher on core NATS. Publishing is
// buffered by the client, so Publish does not block on the network.
type NATSPublisher struct {
	conn   msgConn
	prefix string
	log    zerolog.Logger
}

// Connect dials cfg.URL and returns a publisher that reconnects forever.
func Connect(cfg Config) (*NATSPublisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("eventbus: nats url is empty")
	}
	log := logging.OrNop(cfg.Logger).With().Str("component", "eventbus").Logger()
	name := cfg.Name
	if name == "" {
		name = "modelvisor"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Str("event", "nats_disconnected").Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("event", "nats_reconnected").Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Warn().Str("event", "nats_error").Err(err).Msg("nats async error")
		}),
	)
	if err != nil {
		return nil, err
	}
	log.Info().Str("event", "nats_connected").Str("url", nc.ConnectedUrl()).Msg("nats connected")
	return newPublisher(nc, cfg.SubjectPrefix, log), nil
}

func newPublisher(c msgConn, prefix string, log zerolog.Logger) *NATSPublisher {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: c, prefix: prefix, log: log}
}

type payload struct {
	ID     string         `json:"id"`
	Time   time.Time      `json:"time"`
	Type   string         `json:"type"`
	Model  string         `json:"model"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Subject returns the subject an event for modelID named name is sent on.
func (p *NATSPublisher) Subject(modelID, name string) string {
	return p.prefix + "." + token(modelID) + "." + token(name)
}

func (p *NATSPublisher) Publish(e manager.Event) {
	b, err := json.Marshal(payload{ID: e.ID, Time: e.Time, Type: e.Name, Model: e.ModelID, Fields: e.Fields})
	if err != nil {
		p.log.Warn().Str("event", "publish_error").Str("model", e.ModelID).Err(err).Msg("encode event")
		return
	}
	msg := nats.NewMsg(p.Subject(e.ModelID, e.Name))
	// lets JetStream streams on these subjects drop duplicates
	msg.Header.Set(nats.MsgIdHdr, e.ID)
	msg.Data = b
	if err := p.conn.PublishMsg(msg); err != nil {
		p.log.Warn().Str("event", "publish_error").Str("model", e.ModelID).Err(err).Msg("publish event")
	}
}

// Close flushes pending events and closes the connection.
func (p *NATSPublisher) Close() error { return p.conn.Drain() }

// token makes s safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
