package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/WelcomerTeam/Panini/discord"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// VoiceOptions are the flags sent with a voice state update.
type VoiceOptions struct {
	PreferredRegion *string `json:"preferred_region,omitempty"`

	SelfMute  bool `json:"self_mute"`
	SelfDeaf  bool `json:"self_deaf"`
	SelfVideo bool `json:"self_video"`
	Stream    bool `json:"stream"`
}

// VoiceOptionsUpdate changes only the options that are set.
type VoiceOptionsUpdate struct {
	SelfMute  *bool
	SelfDeaf  *bool
	SelfVideo *bool
	Stream    *bool
}

func (o VoiceOptions) merge(update VoiceOptionsUpdate) VoiceOptions {
	if update.SelfMute != nil {
		o.SelfMute = *update.SelfMute
	}

	if update.SelfDeaf != nil {
		o.SelfDeaf = *update.SelfDeaf
	}

	if update.SelfVideo != nil {
		o.SelfVideo = *update.SelfVideo
	}

	if update.Stream != nil {
		o.Stream = *update.Stream
	}

	return o
}

// VoiceSession is a negotiated voice session.
type VoiceSession struct {
	Channel *discord.Channel           `json:"channel"`
	Server  *discord.VoiceServerUpdate `json:"server"`
	State   *discord.VoiceState        `json:"state"`
	Options VoiceOptions               `json:"options"`
}

// VoiceDisconnectEvent is emitted when the voice session ends.
type VoiceDisconnectEvent struct {
	GuildID   discord.Snowflake `json:"guild_id"`
	ChannelID discord.Snowflake `json:"channel_id"`
	Forced    bool              `json:"forced"`
}

type voiceIntent struct {
	channel *discord.Channel
	options VoiceOptions
}

// VoiceManager negotiates joining, updating and leaving a voice channel
// over the gateway.
type VoiceManager struct {
	Logger zerolog.Logger

	gateway *Gateway
	cache   ObjectCache
	events  *EventBus

	// mu serializes join, update and leave.
	mu sync.Mutex

	session *atomic.Pointer[VoiceSession]
	intent  *atomic.Pointer[voiceIntent]

	config VoiceConfiguration
}

func NewVoiceManager(logger zerolog.Logger, gateway *Gateway, cache ObjectCache, config VoiceConfiguration, events *EventBus) *VoiceManager {
	config.setDefaults()

	vm := &VoiceManager{
		Logger: logger.With().Str("component", "voice").Logger(),

		gateway: gateway,
		cache:   cache,
		events:  events,

		session: atomic.NewPointer[VoiceSession](nil),
		intent:  atomic.NewPointer[voiceIntent](nil),

		config: config,
	}

	gateway.AddListener(vm)

	if cache != nil {
		gateway.AddListener(cache)
	}

	gateway.OnReconnect(func(ctx context.Context) {
		go vm.replay(ctx)
	})

	return vm
}

// Session returns the active voice session, or nil.
func (vm *VoiceManager) Session() *VoiceSession {
	return vm.session.Load()
}

// Join connects to a voice channel and waits for the voice server and
// session id. A channel that is unknown, not a voice channel, or not
// joinable with the current permissions returns nil without an error.
// If a stream was requested, the stream is created after negotiation and
// a failure to do so is returned alongside the session.
func (vm *VoiceManager) Join(ctx context.Context, channelID discord.Snowflake, options VoiceOptions) (*VoiceSession, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if err := vm.gateway.Connect(ctx); err != nil {
		paniniVoiceJoins.WithLabelValues("error").Inc()

		return nil, fmt.Errorf("failed to connect gateway: %w", err)
	}

	channel, ok := vm.eligible(channelID)
	if !ok {
		paniniVoiceJoins.WithLabelValues("ineligible").Inc()

		return nil, nil
	}

	return vm.negotiate(ctx, channel, options)
}

func (vm *VoiceManager) eligible(channelID discord.Snowflake) (*discord.Channel, bool) {
	if vm.cache == nil {
		vm.Logger.Debug().Msg("No object cache to resolve voice channel")

		return nil, false
	}

	channel, ok := vm.cache.Channel(channelID)
	if !ok {
		vm.Logger.Debug().Str("channel_id", channelID.String()).Msg("Voice channel is not cached")

		return nil, false
	}

	if !channel.Type.IsVoice() || channel.GuildID.IsNil() {
		vm.Logger.Debug().
			Str("channel_id", channelID.String()).
			Int("type", int(channel.Type)).
			Msg("Channel is not a guild voice channel")

		return nil, false
	}

	if permissions, ok := vm.cache.Permissions(channelID); ok && !permissions.Has(discord.PermissionVoiceJoin) {
		vm.Logger.Debug().
			Str("channel_id", channelID.String()).
			Msg("Missing permissions to join voice channel")

		return nil, false
	}

	return channel, true
}

// negotiate sends the join intent and waits for both voice facts. Must be
// called with mu held.
func (vm *VoiceManager) negotiate(ctx context.Context, channel *discord.Channel, options VoiceOptions) (*VoiceSession, error) {
	// The previous session stops being usable once a new intent is sent.
	previous := vm.session.Swap(nil)

	vm.gateway.resetVoiceFacts()

	if err := vm.sendVoiceState(ctx, channel.GuildID, &channel.ID, options); err != nil {
		paniniVoiceJoins.WithLabelValues("error").Inc()

		if previous != nil {
			vm.disconnected(previous, false)
		}

		return nil, err
	}

	vm.intent.Store(&voiceIntent{channel: channel, options: options})

	state, server, err := vm.awaitFacts(ctx, channel.GuildID)
	if err != nil {
		vm.intent.Store(nil)

		if previous != nil {
			vm.disconnected(previous, false)
		}

		if errors.Is(err, ErrSessionTimeout) {
			paniniVoiceJoins.WithLabelValues("timeout").Inc()

			vm.Logger.Warn().
				Str("channel_id", channel.ID.String()).
				Bool("has_state", state != nil).
				Bool("has_server", server != nil).
				Msg("Timed out negotiating voice session")
		} else {
			paniniVoiceJoins.WithLabelValues("error").Inc()
		}

		return nil, err
	}

	session := &VoiceSession{
		Channel: channel,
		Server:  server,
		State:   state,
		Options: options,
	}

	vm.session.Store(session)

	paniniVoiceJoins.WithLabelValues("success").Inc()

	vm.Logger.Info().
		Str("channel_id", channel.ID.String()).
		Str("endpoint", server.Endpoint).
		Msg("Joined voice channel")

	if options.Stream {
		if err = vm.createStream(ctx, channel, options); err != nil {
			return session, err
		}
	}

	return session, nil
}

// awaitFacts polls until the voice state and voice server of the guild have
// both arrived. The last seen facts are returned on timeout. Waiting stops
// early when the gateway shuts down or the connection drops.
func (vm *VoiceManager) awaitFacts(ctx context.Context, guildID discord.Snowflake) (*discord.VoiceState, *discord.VoiceServerUpdate, error) {
	deadline := time.NewTimer(vm.config.Timeout)
	defer deadline.Stop()

	var dropped <-chan struct{}

	if c := vm.gateway.currentConnection(); c != nil {
		dropped = c.ctx.Done()
	}

	ticker := time.NewTicker(vm.config.PollInterval)
	defer ticker.Stop()

	for {
		state, server := vm.gateway.VoiceFacts()

		if state != nil && state.GuildID != guildID {
			state = nil
		}

		if server != nil && server.GuildID != guildID {
			server = nil
		}

		if state != nil && server != nil {
			return state, server, nil
		}

		select {
		case <-ctx.Done():
			return state, server, ctx.Err()
		case <-vm.gateway.ctx.Done():
			return state, server, ErrGatewayNotConnected
		case <-dropped:
			return state, server, ErrGatewayNotConnected
		case <-deadline.C:
			return state, server, ErrSessionTimeout
		case <-ticker.C:
		}
	}
}

// Update changes the options of the active session. Without an active
// session it does nothing.
func (vm *VoiceManager) Update(ctx context.Context, update VoiceOptionsUpdate) (*VoiceSession, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	session := vm.session.Load()
	if session == nil {
		vm.Logger.Debug().Msg("No active voice session to update")

		return nil, nil
	}

	options := session.Options.merge(update)

	if err := vm.sendVoiceState(ctx, session.Channel.GuildID, &session.Channel.ID, options); err != nil {
		return nil, err
	}

	updated := *session
	updated.Options = options

	vm.session.Store(&updated)
	vm.intent.Store(&voiceIntent{channel: session.Channel, options: options})

	if options.Stream && !session.Options.Stream {
		if err := vm.createStream(ctx, session.Channel, options); err != nil {
			return &updated, err
		}
	}

	return &updated, nil
}

// Leave leaves the active voice channel. Calling it without an active
// session does nothing.
func (vm *VoiceManager) Leave(ctx context.Context) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	vm.intent.Store(nil)

	session := vm.session.Swap(nil)
	if session == nil {
		return nil
	}

	vm.gateway.resetVoiceFacts()

	err := vm.sendVoiceState(ctx, session.Channel.GuildID, nil, VoiceOptions{})
	if errors.Is(err, ErrGatewayNotConnected) {
		err = nil
	}

	vm.disconnected(session, false)

	return err
}

// Disconnect leaves the active voice channel and closes the gateway.
func (vm *VoiceManager) Disconnect(ctx context.Context) error {
	err := vm.Leave(ctx)

	vm.gateway.Close()

	return err
}

func (vm *VoiceManager) OnVoiceStateUpdate(state *discord.VoiceState) {
	if int64(state.UserID) != vm.gateway.UserID.Load() || state.ChannelID != nil {
		return
	}

	session := vm.session.Load()
	if session == nil || session.Channel.GuildID != state.GuildID {
		return
	}

	if !vm.session.CompareAndSwap(session, nil) {
		return
	}

	vm.intent.Store(nil)

	vm.Logger.Warn().
		Str("channel_id", session.Channel.ID.String()).
		Msg("Disconnected from voice channel")

	vm.disconnected(session, true)
}

func (vm *VoiceManager) OnVoiceServerUpdate(server *discord.VoiceServerUpdate) {
	session := vm.session.Load()
	if session == nil || session.Channel.GuildID != server.GuildID || server.Endpoint == "" {
		return
	}

	updated := *session
	updated.Server = server

	vm.session.CompareAndSwap(session, &updated)
}

func (vm *VoiceManager) disconnected(session *VoiceSession, forced bool) {
	if vm.cache != nil {
		vm.cache.OnVoiceDisconnect(session.Channel.GuildID)
	}

	vm.events.Emit(EventVoiceDisconnect, "", &VoiceDisconnectEvent{
		GuildID:   session.Channel.GuildID,
		ChannelID: session.Channel.ID,
		Forced:    forced,
	})
}

// replay joins the last intended channel again after a reconnect.
func (vm *VoiceManager) replay(ctx context.Context) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	intent := vm.intent.Load()
	if intent == nil {
		return
	}

	vm.Logger.Info().
		Str("channel_id", intent.channel.ID.String()).
		Msg("Rejoining voice channel after reconnect")

	if _, err := vm.negotiate(ctx, intent.channel, intent.options); err != nil {
		vm.Logger.Error().Err(err).Msg("Failed to rejoin voice channel")
	}
}

func (vm *VoiceManager) sendVoiceState(ctx context.Context, guildID discord.Snowflake, channelID *discord.Snowflake, options VoiceOptions) error {
	var flags int32

	if options.Stream {
		flags = discord.VoiceStateUpdateFlagStream
	}

	err := vm.gateway.SendEvent(ctx, discord.GatewayOpVoiceStateUpdate, discord.UpdateVoiceState{
		GuildID:   guildID,
		ChannelID: channelID,
		SelfMute:  options.SelfMute,
		SelfDeaf:  options.SelfDeaf,
		SelfVideo: options.SelfVideo,
		Flags:     flags,
	})
	if err != nil {
		return fmt.Errorf("failed to send voice state update: %w", err)
	}

	return nil
}

func (vm *VoiceManager) createStream(ctx context.Context, channel *discord.Channel, options VoiceOptions) error {
	err := vm.gateway.SendEvent(ctx, discord.GatewayOpStreamCreate, discord.StreamCreate{
		PreferredRegion: options.PreferredRegion,
		Type:            "guild",
		GuildID:         channel.GuildID,
		ChannelID:       channel.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}
