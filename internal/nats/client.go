// Package nats publishes alerts and tenant lifecycle events to JetStream.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"subscription-service/internal/config"
	"subscription-service/internal/models"
)

// Subject prefixes
const (
	SubjectAlert     = "subscription.alert."
	SubjectLifecycle = "subscription.lifecycle."
)

const maxPublishAttempts = 3

// jetStreamPublisher is the part of nats.JetStreamContext the client uses
type jetStreamPublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Client wraps the NATS connection and publishes notification requests
type Client struct {
	conn    *nats.Conn
	js      jetStreamPublisher
	logger  *logrus.Logger
	backoff func(attempt int) time.Duration
}

// NewClient connects, ensures the stream exists and returns a dispatcher
func NewClient(cfg config.NATSConfig, serviceName string, logger *logrus.Logger) (*Client, error) {
	logger.WithField("url", cfg.URL).Info("Connecting to NATS")

	opts := []nats.Option{
		nats.Name(serviceName),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.WithError(err).Error("NATS error")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:        cfg.StreamName,
		Description: "Subscription alerts and lifecycle notifications",
		Subjects:    []string{"subscription.>"},
		Storage:     nats.FileStorage,
		Retention:   nats.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		MaxMsgs:     100000,
		Discard:     nats.DiscardOld,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		logger.WithError(err).Warn("Could not create NATS stream (may already exist)")
	}

	return newClient(conn, js, logger), nil
}

func newClient(conn *nats.Conn, js jetStreamPublisher, logger *logrus.Logger) *Client {
	return &Client{
		conn:   conn,
		js:     js,
		logger: logger,
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt-1)) * time.Second
		},
	}
}

// Close drains and closes the connection
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// IsConnected reports the connection state for readiness checks
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// DispatchAlert publishes an alert on subscription.alert.<level>
func (c *Client) DispatchAlert(ctx context.Context, alert models.AlertEvent) error {
	return c.publish(ctx, SubjectAlert+string(alert.Level), alert)
}

// DispatchLifecycle publishes a tenant event on subscription.lifecycle.<event>
func (c *Client) DispatchLifecycle(ctx context.Context, event models.LifecycleEvent) error {
	return c.publish(ctx, SubjectLifecycle+string(event.Event), event)
}

func (c *Client) publish(ctx context.Context, subject string, payload interface{}) error {
	if c == nil || c.js == nil {
		return fmt.Errorf("NATS client not initialized")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var ack *nats.PubAck
	for attempt := 1; attempt <= maxPublishAttempts; attempt++ {
		ack, err = c.js.Publish(subject, data)
		if err == nil {
			break
		}
		c.logger.WithError(err).WithFields(logrus.Fields{
			"subject": subject,
			"attempt": attempt,
		}).Warn("Failed to publish event")
		if attempt < maxPublishAttempts {
			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled while retrying publish: %w", ctx.Err())
			case <-time.After(c.backoff(attempt)):
			}
		}
	}
	if err != nil {
		return fmt.Errorf("failed to publish %s after %d attempts: %w", subject, maxPublishAttempts, err)
	}

	c.logger.WithFields(logrus.Fields{
		"subject":  subject,
		"stream":   ack.Stream,
		"sequence": ack.Sequence,
	}).Debug("Published event")
	return nil
}
