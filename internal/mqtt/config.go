package mqtt

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ClientConfig holds the configuration for a Publisher.
type ClientConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// Topic receives one JSON snapshot per read cycle. Availability is
	// published to Topic + "/status".
	Topic  string
	QoS    byte
	Retain bool

	// KeepAlive in seconds. Default is 60.
	KeepAlive uint16

	// ConnectTimeout for each connection attempt. Default is 5s.
	ConnectTimeout time.Duration

	// ReconnectDelay between attempts. Default is 3s.
	ReconnectDelay time.Duration
}

// setDefaultConfig applies default values to the configuration.
func setDefaultConfig(cfg *ClientConfig) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 60
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "daly-ble"
	}
}

// Validate checks if the configuration is valid.
func (c *ClientConfig) Validate() error {
	if c.BrokerURL == "" {
		return errors.New("broker url is required")
	}
	u, err := url.Parse(c.BrokerURL)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("broker url %q needs a scheme and host", c.BrokerURL)
	}
	if c.Topic == "" {
		return errors.New("topic is required")
	}
	if strings.ContainsAny(c.Topic, "+#") {
		return fmt.Errorf("topic %q must not contain wildcards", c.Topic)
	}
	if c.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", c.QoS)
	}
	return nil
}

// StatusTopic is where online/offline availability is retained.
func (c *ClientConfig) StatusTopic() string {
	return c.Topic + "/status"
}
