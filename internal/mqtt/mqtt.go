// Package mqtt is the broker capability the agent consumes: connect with a
// retained last will, publish, disconnect.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	apperr "github.com/kong/systemctl2mqtt/internal/err"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Publisher sends one payload to one topic.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool) error
}

// Options configures the broker connection.
type Options struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string
	QoS      byte
	// Timeout bounds connect and disconnect and is used as the keepalive
	Timeout time.Duration
	// StatusTopic receives a retained "online" after connect and is the
	// topic of the retained "offline" last will
	StatusTopic string
}

// Client is a connected broker session.
type Client struct {
	client      paho.Client
	qos         byte
	timeout     time.Duration
	statusTopic string
	logger      *slog.Logger
}

// Connect opens the session and publishes the online status. The returned
// error is an *apperr.ConnectionError.
func Connect(ctx context.Context, opts Options, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	wireLibraryLogging(logger)

	broker := "tcp://" + net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	clientOpts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(opts.ClientID).
		SetKeepAlive(opts.Timeout).
		SetConnectTimeout(opts.Timeout).
		SetAutoReconnect(true).
		SetCleanSession(true)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}
	if opts.StatusTopic != "" {
		clientOpts.SetWill(opts.StatusTopic, StatusOffline, opts.QoS, true)
	}
	clientOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Error("lost connection to broker", "broker", broker, "error", err)
	})
	clientOpts.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		logger.Warn("reconnecting to broker", "broker", broker)
	})

	c := &Client{
		client:      paho.NewClient(clientOpts),
		qos:         opts.QoS,
		timeout:     opts.Timeout,
		statusTopic: opts.StatusTopic,
		logger:      logger,
	}

	logger.Debug("connecting to broker", "broker", broker, "client_id", opts.ClientID)
	if err := c.wait(ctx, c.client.Connect()); err != nil {
		return nil, &apperr.ConnectionError{Op: "connect", Topic: broker, Err: err}
	}

	if c.statusTopic != "" {
		if err := c.Publish(c.statusTopic, []byte(StatusOnline), true); err != nil {
			c.client.Disconnect(0)
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) wait(ctx context.Context, token paho.Token) error {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", c.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish queues the message. It does not wait for the broker
// acknowledgement; a failure already known to the client is returned.
func (c *Client) Publish(topic string, payload []byte, retain bool) error {
	if !c.client.IsConnectionOpen() {
		return &apperr.ConnectionError{Op: "publish", Topic: topic, Err: errors.New("not connected")}
	}
	token := c.client.Publish(topic, c.qos, retain, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return &apperr.ConnectionError{Op: "publish", Topic: topic, Err: err}
		}
	default:
	}
	return nil
}

// Disconnect closes the session, giving queued messages up to the timeout
// to be flushed.
func (c *Client) Disconnect() error {
	if !c.client.IsConnected() {
		return &apperr.ConnectionError{Op: "disconnect", Err: errors.New("not connected")}
	}
	quiesce := c.timeout
	if quiesce > time.Second {
		quiesce = time.Second
	}
	c.client.Disconnect(uint(quiesce.Milliseconds()))
	return nil
}
