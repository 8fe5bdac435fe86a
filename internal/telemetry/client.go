// Package telemetry implements the message-oriented telemetry device
// client (spec §1's "telemetry device client... out of scope" is the
// backend-facing transport contract; this package is the thin MQTT
// wiring around it that spec §5 item 2 calls the "telemetry device
// task"). Adapted from the teacher's mqtt.go, which drove the same
// soypat/natiu-mqtt client over a tinygo network stack; here it runs
// over a regular net.Conn/tls.Conn since the target is no longer bare
// metal.
package telemetry

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	mqtt "github.com/soypat/natiu-mqtt"
)

const (
	connectTimeout = 10 * time.Second
	userBufSize    = 4096
)

// Handler is invoked for every message received on a subscribed topic.
type Handler func(topic string, payload []byte)

// Client is a minimal MQTT device client: connect, subscribe with a
// handler per topic, publish at QoS0 (spec §5's "callbacks MUST return
// quickly" means handlers must not block on network I/O themselves).
type Client struct {
	BrokerAddr string
	ClientID   string
	TLS        *tls.Config
	Logger     *slog.Logger

	mu       sync.RWMutex
	conn     net.Conn
	client   *mqtt.Client
	handlers map[string]Handler
	userBuf  []byte

	// OnConnected is invoked once the MQTT CONNACK has been received; it
	// implements spec §5's startup handshake step (c) "telemetry-connected".
	OnConnected func()
}

func New(brokerAddr, clientID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BrokerAddr: brokerAddr,
		ClientID:   clientID,
		Logger:     logger,
		handlers:   make(map[string]Handler),
		userBuf:    make([]byte, userBufSize),
	}
}

// Connect dials the broker and completes the MQTT handshake.
func (c *Client) Connect(ctx context.Context) error {
	var conn net.Conn
	var err error
	dialer := net.Dialer{Timeout: connectTimeout}
	if c.TLS != nil {
		conn, err = tls.DialWithDialer(&dialer, "tcp", c.BrokerAddr, c.TLS)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", c.BrokerAddr)
	}
	if err != nil {
		return fmt.Errorf("telemetry: dial %s: %w", c.BrokerAddr, err)
	}

	cfg := mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: c.userBuf},
		OnPub:   c.onPublish,
	}
	client := mqtt.NewClient(cfg)

	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT([]byte(c.ClientID))

	if err := client.StartConnect(conn, &varconn); err != nil {
		conn.Close()
		return fmt.Errorf("telemetry: connect: %w", err)
	}

	deadline := time.Now().Add(connectTimeout)
	for !client.IsConnected() && time.Now().Before(deadline) {
		if err := client.HandleNext(); err != nil {
			conn.Close()
			return fmt.Errorf("telemetry: handshake: %w", err)
		}
	}
	if !client.IsConnected() {
		conn.Close()
		return fmt.Errorf("telemetry: connect timed out")
	}

	c.mu.Lock()
	c.conn = conn
	c.client = client
	c.mu.Unlock()

	if c.OnConnected != nil {
		c.OnConnected()
	}
	return nil
}

// Poll drives the MQTT client's receive loop at interval (the ~100ms
// cadence spec §5 item 2 prescribes for the telemetry device task,
// zero meaning that default) until ctx is canceled.
func (c *Client) Poll(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.mu.RLock()
			client := c.client
			c.mu.RUnlock()
			if client == nil {
				continue
			}
			if err := client.HandleNext(); err != nil && err != io.EOF {
				c.Logger.Warn("telemetry:poll-error", slog.String("err", err.Error()))
			}
		}
	}
}

// Subscribe registers handler for topic and issues an MQTT SUBSCRIBE.
func (c *Client) Subscribe(topic string, handler Handler) error {
	c.mu.Lock()
	c.handlers[topic] = handler
	client := c.client
	c.mu.Unlock()

	if client == nil {
		return fmt.Errorf("telemetry: not connected")
	}
	sub := mqtt.VariablesSubscribe{
		TopicFilters: []mqtt.SubscribeRequest{{TopicFilter: []byte(topic), QoS: mqtt.QoS0}},
	}
	return client.StartSubscribe(sub)
}

// Publish sends payload at QoS0 on topic (spec §6's outbound channel).
func (c *Client) Publish(topic string, payload []byte) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("telemetry: not connected")
	}
	flags, err := mqtt.NewPublishFlags(mqtt.QoS0, false, false)
	if err != nil {
		return fmt.Errorf("telemetry: publish flags: %w", err)
	}
	varPub := mqtt.VariablesPublish{TopicName: []byte(topic)}
	return client.PublishPayload(flags, varPub, payload)
}

func (c *Client) onPublish(head mqtt.Header, varPub mqtt.VariablesPublish, r io.Reader) error {
	c.mu.RLock()
	handler, ok := c.handlers[string(varPub.TopicName)]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	handler(string(varPub.TopicName), payload)
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.client = nil
	return err
}
