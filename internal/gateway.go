package internal

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/WelcomerTeam/Panini/discord"
	"github.com/WelcomerTeam/Panini/pkg/limiter"
	"github.com/rs/zerolog"
	gotils_strconv "github.com/savsgio/gotils/strconv"
	"go.uber.org/atomic"
)

// The heartbeat period is a random fraction of the interval sent in hello.
const (
	heartbeatFactorMin    = 0.75
	heartbeatFactorSpread = 0.05
)

// GatewayStatus is the state of the session connection.
type GatewayStatus int32

const (
	GatewayStatusDisconnected GatewayStatus = iota
	GatewayStatusConnecting
	GatewayStatusIdentifying
	GatewayStatusActive
	GatewayStatusReconnecting
	GatewayStatusFailed
)

var gatewayStatusNames = map[GatewayStatus]string{
	GatewayStatusDisconnected: "Disconnected",
	GatewayStatusConnecting:   "Connecting",
	GatewayStatusIdentifying:  "Identifying",
	GatewayStatusActive:       "Active",
	GatewayStatusReconnecting: "Reconnecting",
	GatewayStatusFailed:       "Failed",
}

func (gs GatewayStatus) String() string {
	if name, ok := gatewayStatusNames[gs]; ok {
		return name
	}

	return "Unknown"
}

func (gs GatewayStatus) MarshalText() ([]byte, error) {
	return []byte(gs.String()), nil
}

// VoiceListener receives the voice dispatches of the session connection.
type VoiceListener interface {
	OnVoiceStateUpdate(state *discord.VoiceState)
	OnVoiceServerUpdate(server *discord.VoiceServerUpdate)
}

// GatewayHandler handles one gateway operation code.
type GatewayHandler func(ctx context.Context, g *Gateway, c *connection, msg discord.GatewayPayload) error

var gatewayHandlers = make(map[discord.GatewayOp]GatewayHandler)

func registerGatewayEvent(op discord.GatewayOp, handler GatewayHandler) {
	gatewayHandlers[op] = handler
}

// connection is a single dialed connection. A new one is made on every
// reconnect.
type connection struct {
	conn Conn

	ctx    context.Context
	cancel context.CancelFunc

	hello     chan struct{}
	helloOnce sync.Once
	closeOnce sync.Once

	active         *atomic.Bool
	heartbeatAcked *atomic.Bool
}

// shutdown closes the connection once.
func (c *connection) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close(code, reason)
	})
}

// Gateway owns the session connection: it identifies, heartbeats, decodes
// dispatches and reconnects with backoff until the attempts run out.
type Gateway struct {
	Logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	transport   Transport
	codec       Codec
	events      *EventBus
	sendLimiter *limiter.DurationLimiter

	status *atomic.Int32

	HeartbeatInterval *atomic.Duration
	LastHeartbeatSent *atomic.Time
	LastHeartbeatAck  *atomic.Time

	Sequence  *atomic.Int32
	SessionID *atomic.String
	UserID    *atomic.Int64

	attempts     *atomic.Int32
	reconnecting *atomic.Bool
	intentional  *atomic.Bool
	failed       *atomic.Bool

	fatal chan error

	// Voice facts, written by the dispatch handler only.
	voiceState  *atomic.Pointer[discord.VoiceState]
	voiceServer *atomic.Pointer[discord.VoiceServerUpdate]

	connectMu sync.Mutex

	connMu  sync.RWMutex
	current *connection

	listenersMu sync.RWMutex
	listeners   []VoiceListener
	onReconnect []func(ctx context.Context)

	random func() float64

	token   string
	backoff Backoff
	config  GatewayConfiguration
}

// NewGateway creates a session connection. Nothing is dialed until Connect.
func NewGateway(logger zerolog.Logger, token string, config GatewayConfiguration, transport Transport, events *EventBus) *Gateway {
	config.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	return &Gateway{
		Logger: logger.With().Str("component", "gateway").Logger(),

		ctx:    ctx,
		cancel: cancel,

		transport:   transport,
		codec:       JSONCodec{},
		events:      events,
		sendLimiter: limiter.NewDurationLimiter("gateway", config.SendLimit, config.SendWindow),

		status: atomic.NewInt32(int32(GatewayStatusDisconnected)),

		HeartbeatInterval: atomic.NewDuration(0),
		LastHeartbeatSent: &atomic.Time{},
		LastHeartbeatAck:  &atomic.Time{},

		Sequence:  atomic.NewInt32(0),
		SessionID: atomic.NewString(""),
		UserID:    atomic.NewInt64(0),

		attempts:     atomic.NewInt32(0),
		reconnecting: atomic.NewBool(false),
		intentional:  atomic.NewBool(false),
		failed:       atomic.NewBool(false),

		fatal: make(chan error, 1),

		voiceState:  atomic.NewPointer[discord.VoiceState](nil),
		voiceServer: atomic.NewPointer[discord.VoiceServerUpdate](nil),

		random: rand.Float64,

		token: token,
		backoff: Backoff{
			Base:   config.ReconnectBase,
			Max:    config.ReconnectMax,
			Jitter: config.ReconnectJitter,
		},
		config: config,
	}
}

// Status returns the current connection status.
func (g *Gateway) Status() GatewayStatus {
	return GatewayStatus(g.status.Load())
}

// Fatal receives the single error reported when the connection fails for
// good. Connect must be called again to recover.
func (g *Gateway) Fatal() <-chan error {
	return g.fatal
}

// AddListener registers a receiver of voice dispatches.
func (g *Gateway) AddListener(listener VoiceListener) {
	g.listenersMu.Lock()
	g.listeners = append(g.listeners, listener)
	g.listenersMu.Unlock()
}

// OnReconnect registers a function run after every successful reconnect.
func (g *Gateway) OnReconnect(fn func(ctx context.Context)) {
	g.listenersMu.Lock()
	g.onReconnect = append(g.onReconnect, fn)
	g.listenersMu.Unlock()
}

// Connect opens the connection and waits for the handshake. It returns
// immediately if the connection is already active.
func (g *Gateway) Connect(ctx context.Context) error {
	g.connectMu.Lock()
	defer g.connectMu.Unlock()

	if c := g.currentConnection(); c != nil && c.active.Load() {
		return nil
	}

	g.intentional.Store(false)
	g.failed.Store(false)
	g.attempts.Store(0)

	select {
	case <-g.fatal:
	default:
	}

	err := g.open(ctx)
	if err != nil && !g.reconnecting.Load() {
		g.setStatus(GatewayStatusDisconnected)
	}

	return err
}

// Close disconnects without reconnecting. Connect may be called again.
func (g *Gateway) Close() {
	g.intentional.Store(true)

	if c := g.currentConnection(); c != nil {
		g.Logger.Info().Msg("Closing gateway connection")
		c.shutdown(websocketNormalClosure, "")
	} else {
		g.setStatus(GatewayStatusDisconnected)
	}
}

// Shutdown closes the connection and stops any pending reconnect for good.
func (g *Gateway) Shutdown() {
	g.Close()
	g.cancel()
}

// SendsAvailable returns how many payloads may be sent in the current window.
func (g *Gateway) SendsAvailable() int32 {
	return g.sendLimiter.Available()
}

// SendEvent sends a payload over the active connection.
func (g *Gateway) SendEvent(ctx context.Context, op discord.GatewayOp, data interface{}) error {
	c := g.currentConnection()
	if c == nil || !c.active.Load() {
		return ErrGatewayNotConnected
	}

	return g.writeTo(ctx, c, op, data)
}

func (g *Gateway) currentConnection() *connection {
	g.connMu.RLock()
	defer g.connMu.RUnlock()

	return g.current
}

func (g *Gateway) setStatus(status GatewayStatus) {
	from := GatewayStatus(g.status.Swap(int32(status)))
	if from == status {
		return
	}

	paniniGatewayStatus.Set(float64(status))

	g.Logger.Debug().
		Str("from", from.String()).
		Str("to", status.String()).
		Msg("Gateway status changed")

	g.events.Emit(EventGatewayStatus, "", &GatewayStatusEvent{From: from, To: status})
}

// open dials a new connection, identifies and waits for hello.
func (g *Gateway) open(ctx context.Context) error {
	if !g.reconnecting.Load() {
		g.setStatus(GatewayStatusConnecting)
	}

	g.Logger.Debug().Str("url", g.config.URL).Msg("Connecting to gateway")

	conn, err := g.transport.Dial(ctx, g.config.URL)
	if err != nil {
		return fmt.Errorf("failed to dial gateway: %w", err)
	}

	// The send window is counted per connection.
	g.sendLimiter.Reset()

	connCtx, cancel := context.WithCancel(g.ctx)

	c := &connection{
		conn:           conn,
		ctx:            connCtx,
		cancel:         cancel,
		hello:          make(chan struct{}),
		active:         atomic.NewBool(false),
		heartbeatAcked: atomic.NewBool(true),
	}

	g.connMu.Lock()
	g.current = c
	g.connMu.Unlock()

	if !g.reconnecting.Load() {
		g.setStatus(GatewayStatusIdentifying)
	}

	go g.listen(c)

	if err = g.identify(ctx, c); err != nil {
		c.shutdown(closeCodeReconnect, "")

		return err
	}

	timer := time.NewTimer(g.config.HandshakeTimeout)
	defer timer.Stop()

	select {
	case <-c.hello:
		return nil
	case <-timer.C:
		c.shutdown(closeCodeReconnect, "")

		return ErrHandshakeTimeout
	case <-c.ctx.Done():
		return ErrGatewayClosed
	case <-ctx.Done():
		c.shutdown(websocketNormalClosure, "")

		return ctx.Err()
	}
}

func (g *Gateway) identify(ctx context.Context, c *connection) error {
	properties := g.config.Properties

	err := g.writeTo(ctx, c, discord.GatewayOpIdentify, discord.Identify{
		Properties: &properties,
		Token:      g.token,
		Intents:    g.config.Intents,
		Compress:   false,
	})
	if err != nil {
		return fmt.Errorf("failed to send identify: %w", err)
	}

	return nil
}

// listen reads from the connection until it closes.
func (g *Gateway) listen(c *connection) {
	var err error

	for {
		var data []byte

		data, err = c.conn.Read(c.ctx)
		if err != nil {
			break
		}

		g.Logger.Trace().Msg(">>> " + gotils_strconv.B2S(data))

		var msg discord.GatewayPayload

		if decodeErr := g.codec.Unmarshal(data, &msg); decodeErr != nil {
			g.Logger.Error().Err(decodeErr).Msg("Failed to unmarshal message")

			continue
		}

		if handleErr := g.handle(c.ctx, c, msg); handleErr != nil && !errors.Is(handleErr, ErrNoGatewayHandler) {
			g.Logger.Error().Err(handleErr).Int("op", int(msg.Op)).Msg("Failed to handle gateway event")
		}
	}

	g.onClose(c, err)
}

func (g *Gateway) handle(ctx context.Context, c *connection, msg discord.GatewayPayload) error {
	handler, ok := gatewayHandlers[msg.Op]
	if !ok {
		return ErrNoGatewayHandler
	}

	return handler(ctx, g, c, msg)
}

// onClose tears down a closed connection and decides whether to reconnect.
func (g *Gateway) onClose(c *connection, err error) {
	c.shutdown(websocketNormalClosure, "")

	wasActive := c.active.Load()

	g.connMu.Lock()
	if g.current == c {
		g.current = nil
	}
	g.connMu.Unlock()

	g.voiceServer.Store(nil)
	g.voiceState.Store(nil)

	if g.intentional.Load() || g.ctx.Err() != nil {
		g.Logger.Info().Msg("Gateway connection closed")
		g.setStatus(GatewayStatusDisconnected)

		return
	}

	if code, ok := closeCode(err); ok && !discord.CloseCodeRecoverable(code) {
		g.Logger.Error().Int("code", code).Msg("Gateway closed with non-recoverable code")
		g.fail(fmt.Errorf("%w: %d", ErrNonRecoverableClose, code))

		return
	}

	if !wasActive {
		return
	}

	g.Logger.Warn().Err(err).Msg("Gateway connection lost")

	g.scheduleReconnect()
}

func (g *Gateway) scheduleReconnect() {
	if g.intentional.Load() || g.failed.Load() {
		return
	}

	if !g.reconnecting.CompareAndSwap(false, true) {
		return
	}

	g.setStatus(GatewayStatusReconnecting)

	go g.reconnect()
}

// reconnect opens a new connection with backoff until one completes the
// handshake or the attempts run out.
func (g *Gateway) reconnect() {
	var lastErr error

	for {
		if g.intentional.Load() || g.ctx.Err() != nil {
			g.reconnecting.Store(false)

			return
		}

		attempt := int(g.attempts.Inc())
		if attempt > g.config.MaxReconnectAttempts {
			g.reconnecting.Store(false)
			g.fail(&ReconnectError{Err: lastErr, Attempts: attempt - 1})

			return
		}

		paniniGatewayReconnects.Inc()

		delay := g.backoff.Duration(attempt - 1)

		g.Logger.Info().
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Reconnecting to gateway")

		if err := sleepContext(g.ctx, delay); err != nil {
			g.reconnecting.Store(false)

			return
		}

		g.connectMu.Lock()

		if g.intentional.Load() {
			g.connectMu.Unlock()
			g.reconnecting.Store(false)

			return
		}

		if c := g.currentConnection(); c != nil && c.active.Load() {
			g.connectMu.Unlock()
			g.reconnecting.Store(false)

			return
		}

		err := g.open(g.ctx)

		g.connectMu.Unlock()

		if err != nil {
			lastErr = err

			g.Logger.Warn().Err(err).Int("attempt", attempt).Msg("Failed to reconnect")

			continue
		}

		g.reconnecting.Store(false)

		// The new connection may have dropped before the flag was cleared.
		if c := g.currentConnection(); c == nil {
			g.scheduleReconnect()

			return
		}

		g.Logger.Info().Int("attempt", attempt).Msg("Reconnected to gateway")

		g.listenersMu.RLock()
		hooks := append([]func(context.Context){}, g.onReconnect...)
		g.listenersMu.RUnlock()

		for _, hook := range hooks {
			hook(g.ctx)
		}

		return
	}
}

// fail moves the connection to Failed and reports err exactly once.
func (g *Gateway) fail(err error) {
	if !g.failed.CompareAndSwap(false, true) {
		return
	}

	g.setStatus(GatewayStatusFailed)

	g.Logger.Error().Err(err).Msg("Gateway failed")

	g.events.Emit(EventGatewayFatal, "", err.Error())

	select {
	case g.fatal <- err:
	default:
	}
}

// terminate force closes a connection, letting onClose reconnect.
func (g *Gateway) terminate(c *connection, reason error) {
	g.Logger.Warn().Err(reason).Msg("Terminating gateway connection")

	c.shutdown(closeCodeReconnect, reason.Error())
}

// heartbeatPeriod returns the heartbeat period for a hello interval.
func heartbeatPeriod(interval time.Duration, r float64) time.Duration {
	return time.Duration(float64(interval) * (heartbeatFactorMin + r*heartbeatFactorSpread))
}

// heartbeat runs until the connection closes. A heartbeat that was not
// acknowledged by the next tick terminates the connection.
func (g *Gateway) heartbeat(c *connection, interval time.Duration) {
	ticker := time.NewTicker(heartbeatPeriod(interval, g.random()))
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		if !c.heartbeatAcked.Load() {
			g.terminate(c, ErrHeartbeatTimeout)

			return
		}

		c.heartbeatAcked.Store(false)

		if err := g.sendHeartbeat(c); err != nil {
			g.terminate(c, err)

			return
		}
	}
}

func (g *Gateway) sendHeartbeat(c *connection) error {
	var sequence interface{}

	if seq := g.Sequence.Load(); seq != 0 {
		sequence = seq
	}

	g.LastHeartbeatSent.Store(time.Now().UTC())

	return g.write(c.ctx, c, discord.GatewayOpHeartbeat, sequence)
}

// writeTo sends a payload, waiting on the send limiter.
func (g *Gateway) writeTo(ctx context.Context, c *connection, op discord.GatewayOp, data interface{}) error {
	if g.sendLimiter.Available() <= 0 {
		g.Logger.Debug().
			Str("limiter", g.sendLimiter.Name()).
			Int("op", int(op)).
			Msg("Send limit reached, waiting for next window")
	}

	if err := g.sendLimiter.Wait(ctx); err != nil {
		return err
	}

	return g.write(ctx, c, op, data)
}

func (g *Gateway) write(ctx context.Context, c *connection, op discord.GatewayOp, data interface{}) error {
	res, err := g.codec.Marshal(discord.SentPayload{Op: op, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	g.Logger.Trace().Msg("<<< " + gotils_strconv.B2S(res))

	if err = c.conn.Write(ctx, res); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

// VoiceFacts returns the voice state and server received since the last reset.
func (g *Gateway) VoiceFacts() (*discord.VoiceState, *discord.VoiceServerUpdate) {
	return g.voiceState.Load(), g.voiceServer.Load()
}

// resetVoiceFacts forgets the voice state and server before a new join.
func (g *Gateway) resetVoiceFacts() {
	g.voiceState.Store(nil)
	g.voiceServer.Store(nil)
}

func (g *Gateway) voiceListeners() []VoiceListener {
	g.listenersMu.RLock()
	defer g.listenersMu.RUnlock()

	return append([]VoiceListener{}, g.listeners...)
}
