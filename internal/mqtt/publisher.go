// Package mqtt publishes telemetry snapshots to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/chaz8081/daly-ble/internal/log"
	"github.com/chaz8081/daly-ble/internal/report"
	"github.com/chaz8081/daly-ble/internal/telemetry"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// ErrNotStarted is returned by Publish before Start.
var ErrNotStarted = errors.New("mqtt: client not started")

// connection is the part of *autopaho.ConnectionManager the publisher uses.
type connection interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Disconnect(ctx context.Context) error
}

// Publisher sends snapshots to the configured topic. It satisfies
// monitor.Sink.
type Publisher struct {
	cfg    *ClientConfig
	logger log.Logger
	cm     connection
}

// NewPublisher validates cfg and returns an unstarted publisher.
func NewPublisher(cfg *ClientConfig, logger log.Logger) (*Publisher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mqtt config is required")
	}
	setDefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mqtt config: %w", err)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Publisher{cfg: cfg, logger: logger.WithName("mqtt")}, nil
}

// Start begins connecting in the background. It does not wait for the
// broker; autopaho keeps reconnecting until ctx is done.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, _ := url.Parse(p.cfg.BrokerURL) // Already validated

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     p.cfg.KeepAlive,
		CleanStartOnInitialConnection: true,
		ReconnectBackoff:              autopaho.NewConstantBackoff(p.cfg.ReconnectDelay),
		ConnectTimeout:                p.cfg.ConnectTimeout,
		ConnectUsername:               p.cfg.Username,
		ConnectPassword:               []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.cfg.StatusTopic(),
			Payload: []byte(payloadOffline),
			QoS:     p.cfg.QoS,
			Retain:  true,
		},
		ClientConfig: paho.ClientConfig{
			ClientID:           p.cfg.ClientID,
			OnClientError:      p.onClientError,
			OnServerDisconnect: p.onServerDisconnect,
		},
		OnConnectionUp: p.onConnectionUp,
		OnConnectError: p.onConnectError,
	}

	p.logger.Info("starting MQTT publisher", "broker", p.cfg.BrokerURL, "client_id", p.cfg.ClientID, "topic", p.cfg.Topic)

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt: connect: %w", err)
	}
	p.cm = cm
	return nil
}

// Run starts the publisher and blocks until ctx is done, then marks the
// device offline and disconnects.
func (p *Publisher) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Disconnect(shutdownCtx)
	return nil
}

// Disconnect publishes the offline status and closes the connection.
func (p *Publisher) Disconnect(ctx context.Context) {
	if p.cm == nil {
		return
	}
	if err := p.publish(ctx, p.cfg.StatusTopic(), true, []byte(payloadOffline)); err != nil {
		p.logger.Debug("offline status not sent", "error", err)
	}
	_ = p.cm.Disconnect(ctx)
	p.logger.Info("MQTT publisher disconnected")
}

// Publish sends snap as JSON. Offline periods are not buffered: a snapshot
// produced while the broker is unreachable is dropped with an error.
func (p *Publisher) Publish(ctx context.Context, snap telemetry.Snapshot) error {
	payload, err := Payload(snap)
	if err != nil {
		return err
	}
	return p.publish(ctx, p.cfg.Topic, p.cfg.Retain, payload)
}

func (p *Publisher) publish(ctx context.Context, topic string, retain bool, payload []byte) error {
	if p.cm == nil {
		return ErrNotStarted
	}
	_, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     p.cfg.QoS,
		Retain:  retain,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

// Payload is the JSON body published for snap.
func Payload(snap telemetry.Snapshot) ([]byte, error) {
	b, err := json.Marshal(report.NewRecord(snap))
	if err != nil {
		return nil, fmt.Errorf("mqtt: encode payload: %w", err)
	}
	return b, nil
}

// --- Internal Callbacks ---

func (p *Publisher) onConnectionUp(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	p.logger.Info("MQTT connection established", "broker", p.cfg.BrokerURL)

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
	defer cancel()
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.cfg.StatusTopic(),
		QoS:     p.cfg.QoS,
		Retain:  true,
		Payload: []byte(payloadOnline),
	}); err != nil {
		p.logger.Error(err, "failed to publish online status")
	}
}

func (p *Publisher) onConnectError(err error) {
	p.logger.Error(err, "MQTT connection failed, retrying")
}

func (p *Publisher) onClientError(err error) {
	p.logger.Error(err, "MQTT client error")
}

func (p *Publisher) onServerDisconnect(d *paho.Disconnect) {
	reason := ""
	if d.Properties != nil {
		reason = d.Properties.ReasonString
	}
	p.logger.Warn("MQTT server requested disconnect", "reason", reason)
}
