// Package mqttbroker is the embedded MQTT 3.1.1 broker that edge publishers
// connect to. Inbound QoS 0 and 1 are accepted; subscribers are served at QoS 0.
package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"greenhouse/go-iot-stack/internal/metrics"
)

// PublishMessage is one PUBLISH received from a client.
type PublishMessage struct {
	ClientID string
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
}

// Handler is invoked for each received publish message.
type Handler func(context.Context, PublishMessage)

// connectTimeout bounds how long a fresh connection may take to send CONNECT.
const connectTimeout = 10 * time.Second

type clientSession struct {
	conn      net.Conn
	reader    *bufio.Reader
	writeMu   sync.Mutex
	clientID  string
	keepAlive time.Duration
	closed    atomic.Bool

	subMu         sync.RWMutex
	subscriptions map[string]byte
}

func newSession(conn net.Conn) *clientSession {
	return &clientSession{
		conn:          conn,
		reader:        bufio.NewReader(conn),
		subscriptions: make(map[string]byte),
	}
}

func (c *clientSession) subscribed(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for filter := range c.subscriptions {
		if matchTopic(filter, topic) {
			return true
		}
	}
	return false
}

func (c *clientSession) subscribe(filter string, qos byte) {
	c.subMu.Lock()
	c.subscriptions[filter] = qos
	c.subMu.Unlock()
}

func (c *clientSession) unsubscribe(filters []string) {
	c.subMu.Lock()
	for _, f := range filters {
		delete(c.subscriptions, f)
	}
	c.subMu.Unlock()
}

func (c *clientSession) writePacket(packet []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(packet)
	return err
}

// readDeadline is 1.5x the negotiated keepalive, per MQTT 3.1.1 §3.1.2.10.
func (c *clientSession) readDeadline() time.Time {
	if c.clientID == "" {
		return time.Now().Add(connectTimeout)
	}
	if c.keepAlive == 0 {
		return time.Time{}
	}
	return time.Now().Add(c.keepAlive * 3 / 2)
}

// Broker accepts MQTT clients, hands every publish to the installed Handler
// and fans it out to matching subscribers.
type Broker struct {
	logger       *zap.Logger
	listener     net.Listener
	handler      atomic.Value // stores Handler
	mu           sync.Mutex
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	clientsMu sync.RWMutex
	clients   map[*clientSession]struct{}
}

// New constructs a broker with the supplied logger.
func New(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		logger:  logger,
		clients: make(map[*clientSession]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	b.handler.Store(Handler(func(context.Context, PublishMessage) {}))
	return b
}

// Start begins listening for MQTT clients on the provided bind address.
// The returned channel is closed once the accept loop terminates; fatal errors are sent on it.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)

	b.logger.Info("mqtt broker listening", zap.String("addr", ln.Addr().String()))

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					close(errCh)
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					b.logger.Warn("temporary accept error", zap.Error(err))
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				close(errCh)
				return
			}

			session := newSession(conn)
			b.addClient(session)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleConn(session)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the bound listener address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop shuts down the broker and releases resources.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.clientsMu.Lock()
	for session := range b.clients {
		session.closed.Store(true)
		_ = session.conn.Close()
	}
	b.clients = make(map[*clientSession]struct{})
	b.clientsMu.Unlock()
	metrics.SetBrokerClients(0)

	b.wg.Wait()
	return nil
}

// SetPublishHandler installs the function invoked for each received publish.
func (b *Broker) SetPublishHandler(h Handler) {
	if h == nil {
		h = func(context.Context, PublishMessage) {}
	}
	b.handler.Store(h)
}

// Publish sends a message to every client subscribed to a matching filter.
func (b *Broker) Publish(topic string, payload []byte) error {
	return b.forward(topic, payload, nil)
}

// Clients returns the number of connected clients.
func (b *Broker) Clients() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

func (b *Broker) addClient(session *clientSession) {
	b.clientsMu.Lock()
	b.clients[session] = struct{}{}
	n := len(b.clients)
	b.clientsMu.Unlock()
	metrics.SetBrokerClients(n)
}

func (b *Broker) removeClient(session *clientSession) {
	b.clientsMu.Lock()
	delete(b.clients, session)
	n := len(b.clients)
	b.clientsMu.Unlock()
	metrics.SetBrokerClients(n)
}

func (b *Broker) handleConn(session *clientSession) {
	defer func() {
		session.closed.Store(true)
		b.removeClient(session)
		_ = session.conn.Close()
	}()

	for {
		_ = session.conn.SetReadDeadline(session.readDeadline())

		header, err := session.reader.ReadByte()
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				b.logger.Info("mqtt client keepalive expired", zap.String("client", session.clientID))
			case !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed):
				b.logger.Debug("read header error", zap.Error(err))
			}
			return
		}

		remaining, err := readVarInt(session.reader)
		if err != nil {
			b.logger.Debug("read remaining length error", zap.Error(err))
			return
		}

		payload := make([]byte, remaining)
		if _, err := io.ReadFull(session.reader, payload); err != nil {
			b.logger.Debug("read packet payload error", zap.Error(err))
			return
		}

		packetType := header >> 4
		if session.clientID == "" && packetType != packetConnect {
			b.logger.Debug("packet before connect", zap.Uint8("type", packetType))
			return
		}

		if err := b.dispatch(session, header, payload); err != nil {
			if !errors.Is(err, errDisconnect) {
				b.logger.Debug("mqtt session closed", zap.String("client", session.clientID), zap.Error(err))
			}
			return
		}
	}
}

var errDisconnect = errors.New("client disconnected")

func (b *Broker) dispatch(session *clientSession, header byte, payload []byte) error {
	switch header >> 4 {
	case packetConnect:
		return b.handleConnect(session, payload)
	case packetPublish:
		return b.handlePublish(session, header, payload)
	case packetPuback:
		// subscribers are served at QoS 0, nothing is outstanding
		return nil
	case packetSubscribe:
		return b.handleSubscribe(session, payload)
	case packetUnsubscribe:
		packetID, filters, err := parseUnsubscribe(payload)
		if err != nil {
			return err
		}
		session.unsubscribe(filters)
		return session.writePacket(buildAck(0xB0, packetID))
	case packetPingreq:
		return session.writePacket(pingresp)
	case packetDisconnect:
		return errDisconnect
	}
	return fmt.Errorf("unsupported packet type %d", header>>4)
}

func (b *Broker) handleConnect(session *clientSession, payload []byte) error {
	if session.clientID != "" {
		return fmt.Errorf("duplicate connect")
	}
	pkt, err := parseConnect(payload)
	if err != nil {
		return err
	}
	if pkt.clientID == "" {
		pkt.clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	session.clientID = pkt.clientID
	session.keepAlive = time.Duration(pkt.keepAlive) * time.Second

	if err := session.writePacket(connackAccepted); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}
	b.logger.Debug("mqtt client connected",
		zap.String("client", pkt.clientID),
		zap.Duration("keepalive", session.keepAlive),
	)
	return nil
}

func (b *Broker) handlePublish(session *clientSession, header byte, payload []byte) error {
	msg, packetID, err := parsePublish(header, payload)
	if err != nil {
		return err
	}
	msg.ClientID = session.clientID

	if h, ok := b.handler.Load().(Handler); ok {
		safeInvoke(h, b.ctx, msg, b.logger)
	}
	// PUBACK after the handler so an acknowledged frame has been processed
	if msg.QoS == 1 {
		if err := session.writePacket(buildAck(0x40, packetID)); err != nil {
			return fmt.Errorf("write puback: %w", err)
		}
	}
	return b.forward(msg.Topic, msg.Payload, session)
}

func (b *Broker) handleSubscribe(session *clientSession, payload []byte) error {
	packetID, subs, err := parseSubscribe(payload)
	if err != nil {
		return err
	}

	granted := make([]byte, len(subs))
	for i, s := range subs {
		if !validFilter(s.filter) {
			granted[i] = 0x80
			continue
		}
		session.subscribe(s.filter, s.qos)
		granted[i] = 0x00
	}
	return session.writePacket(buildSubAck(packetID, granted))
}

func (b *Broker) forward(topic string, payload []byte, exclude *clientSession) error {
	packet, err := buildPublish(topic, payload)
	if err != nil {
		return err
	}

	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	for session := range b.clients {
		if session == exclude || !session.subscribed(topic) {
			continue
		}
		if err := session.writePacket(packet); err != nil {
			b.logger.Debug("forward publish failed", zap.String("client", session.clientID), zap.Error(err))
		}
	}
	return nil
}

func safeInvoke(h Handler, ctx context.Context, msg PublishMessage, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish handler panic", zap.Any("panic", r), zap.String("topic", msg.Topic))
		}
	}()
	h(ctx, msg)
}
