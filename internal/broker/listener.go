// Package broker owns the AMQP connection a Project Supervisor uses to learn
// about new sessions. It declares one exclusive, auto-delete queue per
// connection, binds it to the control-plane-issued exchange/routing key, and
// forwards every parsed delivery to its supervisor as a typed
// events.SessionCreated.
//
// A Listener does not reconnect on its own: a mid-stream connection failure
// is treated as fatal for that project's listener — Start returns the error
// and the listener exits. No event is sent to the supervisor for it; the
// only report is the error Start returns to its caller.
package broker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/syncflow-io/text-egress-worker/internal/events"
)

// consumerTag identifies this worker's consumer on the broker.
const consumerTag = "text-egress"

// SessionSink receives parsed session-created notifications. Implemented by
// the Project Supervisor; kept as an interface so Listener has no import-time
// dependency on the supervisor package.
type SessionSink interface {
	OnSessionCreated(events.SessionCreated)
}

// Config holds everything a Listener needs to open its connection and bind
// its queue. Exchange and BindingKey come from the control plane's device
// registration response, not from static config.
type Config struct {
	Host       string
	Port       int
	VHost      string
	TLS        bool
	Username   string // control-plane-issued API token
	Password   string // device group name
	Exchange   string
	BindingKey string
}

// sessionNotification is the wire shape of an AMQP delivery body.
type sessionNotification struct {
	SessionID   string `json:"session_id"`
	SessionName string `json:"session_name"`
	ProjectID   string `json:"project_id"`
}

// Listener owns one AMQP connection + channel for one project.
type Listener struct {
	cfg    Config
	sink   SessionSink
	logger *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

// New creates a Listener. Call Start to open the connection and begin
// consuming; it blocks until the connection closes or ctx is cancelled.
func New(cfg Config, sink SessionSink, logger *zap.Logger) *Listener {
	return &Listener{
		cfg:    cfg,
		sink:   sink,
		logger: logger.Named("broker"),
	}
}

// Start dials the broker, declares and binds the queue, and consumes
// deliveries until ctx is cancelled or the connection fails. A failure while
// establishing the session (dial, channel, declare, bind, consume) is
// returned directly. A failure after the consume loop has started is
// returned as well; Start does not log either kind itself, and there is no
// automatic reconnect.
func (l *Listener) Start(ctx context.Context) error {
	amqpURL := fmt.Sprintf("amqp://%s:%s@%s:%d/%s", l.cfg.Username, l.cfg.Password, l.cfg.Host, l.cfg.Port, l.cfg.VHost)

	var conn *amqp.Connection
	var err error
	if l.cfg.TLS {
		tlsConfig := &tls.Config{ServerName: l.cfg.Host}
		conn, err = amqp.DialTLS(amqpURL, tlsConfig)
	} else {
		conn, err = amqp.Dial(amqpURL)
	}
	if err != nil {
		return fmt.Errorf("broker: dial failed: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("broker: failed to open channel: %w", err)
	}
	defer ch.Close()

	queue, err := ch.QueueDeclare(
		"",    // server-chosen name
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("broker: failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(queue.Name, l.cfg.BindingKey, l.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("broker: failed to bind queue: %w", err)
	}

	deliveries, err := ch.Consume(
		queue.Name,
		consumerTag,
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("broker: failed to start consuming: %w", err)
	}

	l.logger.Info("broker listener started",
		zap.String("exchange", l.cfg.Exchange),
		zap.String("binding_key", l.cfg.BindingKey),
		zap.String("queue", queue.Name),
	)

	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("broker listener stopping")
			return nil
		case closeErr, ok := <-notifyClose:
			if !ok || closeErr == nil {
				return nil
			}
			return fmt.Errorf("broker: connection closed: %w", closeErr)
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("broker: delivery channel closed unexpectedly")
			}
			l.handleDelivery(delivery)
		}
	}
}

// handleDelivery parses one AMQP message body and forwards it as a
// SessionCreated event. A parse error is logged and the message dropped —
// auto-ack means it is gone from the queue regardless.
func (l *Listener) handleDelivery(delivery amqp.Delivery) {
	var n sessionNotification
	if err := json.Unmarshal(delivery.Body, &n); err != nil {
		l.logger.Error("failed to parse session notification, dropping", zap.Error(err))
		return
	}

	l.sink.OnSessionCreated(events.SessionCreated{
		SessionID:   n.SessionID,
		SessionName: n.SessionName,
		ProjectID:   n.ProjectID,
	})
}

// Stop closes the underlying AMQP connection, which unblocks the consume
// loop in Start and causes it to return. Safe to call even if Start has not
// yet established a connection.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil && !l.conn.IsClosed() {
		if err := l.conn.Close(); err != nil {
			l.logger.Warn("error closing broker connection", zap.Error(err))
		}
	}
}
