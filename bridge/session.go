// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bridge maintains the broker session: one long-lived MQTT connection
// subscribed to every topic, a dispatch worker pool for received frames, and
// the publish path used by HTTP ingress.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/absmach/mqtt-service/message"
	"github.com/absmach/mqtt-service/server/otel"
	"github.com/absmach/mqtt-service/topics"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Session errors.
var (
	ErrNotPublish     = errors.New("only PUBLISH messages can be sent to the broker")
	ErrAlreadyStarted = errors.New("session already started")
	ErrStopped        = errors.New("session stopped")
)

const defaultQuiesce = 250 * time.Millisecond

// Config holds broker session settings.
type Config struct {
	BrokerURL       string
	ClientID        string
	SubscribeFilter string
	QoS             byte
	ConnectTimeout  time.Duration
	KeepAlive       time.Duration
	Workers         int
	QueueSize       int
	Quiesce         time.Duration
}

// brokerClient is the part of mqtt.Client the session relies on.
type brokerClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

type job struct {
	frame *Frame
	event *Lifecycle
}

// Session owns the broker link. Publish is safe to call concurrently with
// deliveries; the paho client serializes writes internally.
type Session struct {
	cfg     Config
	client  brokerClient
	handler Handler
	state   stateManager
	queue   chan job
	done    chan struct{}
	wg      sync.WaitGroup

	// closeMu orders enqueues before the close of done, so nothing lands
	// in the queue after the workers' final drain.
	closeMu sync.RWMutex
	closed  bool

	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
	metrics *otel.Metrics // nil if metrics disabled
}

// New creates a session in the Disconnected state. Nothing touches the
// network until Start is called.
func New(cfg Config, handler Handler, logger *slog.Logger, metrics *otel.Metrics) *Session {
	return newSession(cfg, handler, logger, metrics, func(opts *mqtt.ClientOptions) brokerClient {
		return mqtt.NewClient(opts)
	})
}

func newSession(cfg Config, handler Handler, logger *slog.Logger, metrics *otel.Metrics, factory func(*mqtt.ClientOptions) brokerClient) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SubscribeFilter == "" {
		cfg.SubscribeFilter = "#"
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.Quiesce <= 0 {
		cfg.Quiesce = defaultQuiesce
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		handler: handler,
		queue:   make(chan job, cfg.QueueSize),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
	}
	s.client = factory(s.clientOptions())

	return s
}

func (s *Session) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.BrokerURL).
		SetClientID(s.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost).
		SetReconnectingHandler(s.onReconnecting)

	if s.cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(s.cfg.ConnectTimeout)
	}
	if s.cfg.KeepAlive > 0 {
		opts.SetKeepAlive(s.cfg.KeepAlive)
	}
	return opts
}

// State returns the current session state.
func (s *Session) State() State {
	return s.state.get()
}

// Connected reports whether the broker link is up.
func (s *Session) Connected() bool {
	return s.state.get() == StateConnected
}

// Start launches the dispatch workers and begins connecting. It does not
// wait for the broker; reconnection is left to the paho client.
func (s *Session) Start() error {
	if !s.state.transition(StateDisconnected, StateConnecting) {
		if s.state.isStopping() {
			return ErrStopped
		}
		return ErrAlreadyStarted
	}

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	s.logger.Info("broker_session_starting",
		slog.String("broker", s.cfg.BrokerURL),
		slog.String("client_id", s.cfg.ClientID),
		slog.Int("workers", s.cfg.Workers))

	tok := s.client.Connect()
	go func() {
		select {
		case <-tok.Done():
		case <-s.done:
			return
		}
		if err := tok.Error(); err != nil {
			s.logger.Error("broker_connect_failed",
				slog.String("broker", s.cfg.BrokerURL),
				slog.String("error", err.Error()))
			s.state.transition(StateConnecting, StateDisconnected)
		}
	}()

	return nil
}

// Publish hands msg to the broker without waiting for acknowledgement.
// Messages other than PUBLISH are refused and nothing is sent.
func (s *Session) Publish(msg *message.Message) error {
	if msg == nil || msg.Kind() != message.KindPublish {
		kind := "nil"
		if msg != nil {
			kind = msg.Kind().String()
		}
		s.logger.Error("broker_publish_refused", slog.String("kind", kind))
		return ErrNotPublish
	}
	if s.state.isStopping() {
		return ErrStopped
	}
	// The broker drops the connection on a PUBLISH to a wildcard topic.
	if err := topics.ValidateName(msg.Topic()); err != nil {
		s.logger.Warn("broker_publish_refused",
			slog.String("topic", msg.Topic()),
			slog.String("error", err.Error()))
		return err
	}

	tok := s.client.Publish(msg.Topic(), s.cfg.QoS, msg.Retain(), msg.Payload())
	s.logger.Debug("broker_publish",
		slog.String("topic", msg.Topic()),
		slog.Bool("retain", msg.Retain()),
		slog.Int("payload_size", len(msg.Body())))

	go s.watchPublish(msg.Topic(), tok)

	return nil
}

func (s *Session) watchPublish(topic string, tok mqtt.Token) {
	select {
	case <-tok.Done():
	case <-s.ctx.Done():
		return
	}

	err := tok.Error()
	if s.metrics != nil {
		s.metrics.RecordBrokerPublish(err == nil)
	}
	if err != nil {
		s.logger.Error("broker_publish_failed",
			slog.String("topic", topic),
			slog.String("error", err.Error()))
	}
}

// Stop disconnects from the broker, lets the workers drain queued
// deliveries and waits for them to finish.
func (s *Session) Stop() {
	if !s.state.transitionFrom(StateStopping, StateDisconnected, StateConnecting, StateConnected) {
		return
	}
	s.logger.Info("broker_session_stopping")

	s.client.Disconnect(uint(s.cfg.Quiesce.Milliseconds()))

	s.closeMu.Lock()
	s.closed = true
	close(s.done)
	s.closeMu.Unlock()

	s.wg.Wait()
	s.cancel()

	s.state.set(StateStopped)
	s.logger.Info("broker_session_stopped")
}

func (s *Session) onConnect(c mqtt.Client) {
	if !s.state.transitionFrom(StateConnected, StateConnecting, StateDisconnected) {
		return
	}
	s.logger.Info("broker_connected", slog.String("broker", s.cfg.BrokerURL))
	s.recordConnection(StateConnected)
	s.emit(Lifecycle{Kind: message.KindConnect, Topic: s.cfg.BrokerURL})

	tok := s.client.Subscribe(s.cfg.SubscribeFilter, s.cfg.QoS, s.onMessage)
	if !tok.WaitTimeout(s.subscribeTimeout()) {
		s.logger.Error("broker_subscribe_timeout", slog.String("filter", s.cfg.SubscribeFilter))
		return
	}
	if err := tok.Error(); err != nil {
		s.logger.Error("broker_subscribe_failed",
			slog.String("filter", s.cfg.SubscribeFilter),
			slog.String("error", err.Error()))
		return
	}

	s.logger.Info("broker_subscribed", slog.String("filter", s.cfg.SubscribeFilter))
	s.emit(Lifecycle{Kind: message.KindSubscribe, Topic: s.cfg.SubscribeFilter})
}

func (s *Session) onConnectionLost(c mqtt.Client, err error) {
	if !s.state.transition(StateConnected, StateDisconnected) {
		return
	}
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	s.logger.Warn("broker_connection_lost", slog.String("error", detail))
	s.recordConnection(StateDisconnected)
	s.emit(Lifecycle{Kind: message.KindDisconnect, Topic: s.cfg.BrokerURL, Detail: detail})
}

func (s *Session) onReconnecting(c mqtt.Client, opts *mqtt.ClientOptions) {
	if s.state.transition(StateDisconnected, StateConnecting) {
		s.logger.Info("broker_reconnecting", slog.String("broker", s.cfg.BrokerURL))
		s.recordConnection(StateConnecting)
	}
}

func (s *Session) onMessage(c mqtt.Client, m mqtt.Message) {
	payload := m.Payload()
	if s.metrics != nil {
		s.metrics.RecordFrameReceived(int64(len(payload)))
	}

	s.enqueue(job{frame: &Frame{
		ID:        uuid.NewString(),
		Topic:     m.Topic(),
		Payload:   payload,
		Retain:    m.Retained(),
		Duplicate: m.Duplicate(),
		QoS:       m.Qos(),
	}})
}

func (s *Session) emit(e Lifecycle) {
	s.enqueue(job{event: &e})
}

// enqueue blocks while the queue is full; workers bound that wait by the
// handler's own timeouts. A job is either queued before Stop closes the
// queue or reported as dropped.
func (s *Session) enqueue(j job) bool {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()

	if s.closed {
		s.dropped(j)
		return false
	}

	s.queue <- j
	if s.metrics != nil {
		s.metrics.RecordQueued(1)
	}
	return true
}

func (s *Session) dropped(j job) {
	if j.frame == nil {
		return
	}
	s.logger.Warn("broker_frame_dropped",
		slog.String("delivery_id", j.frame.ID),
		slog.String("topic", j.frame.Topic),
		slog.String("reason", "stopping"))
	if s.metrics != nil {
		s.metrics.RecordFrameDropped("stopping")
	}
}

func (s *Session) worker() {
	defer s.wg.Done()

	for {
		select {
		case j := <-s.queue:
			s.dispatch(j)
		case <-s.done:
			for {
				select {
				case j := <-s.queue:
					s.dispatch(j)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) dispatch(j job) {
	if s.metrics != nil {
		s.metrics.RecordQueued(-1)
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("dispatch_panic",
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	if j.event != nil {
		s.handler.HandleLifecycle(s.ctx, *j.event)
		return
	}
	s.handler.HandleFrame(s.ctx, *j.frame)
}

func (s *Session) recordConnection(state State) {
	if s.metrics != nil {
		s.metrics.RecordConnectionEvent(state.String())
	}
}

func (s *Session) subscribeTimeout() time.Duration {
	if s.cfg.ConnectTimeout > 0 {
		return s.cfg.ConnectTimeout
	}
	return 10 * time.Second
}
