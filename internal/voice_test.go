package internal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/WelcomerTeam/Panini/discord"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testGuildID        discord.Snowflake = 10
	testVoiceChannelID discord.Snowflake = 20
	testTextChannelID  discord.Snowflake = 30
)

// fakeVoiceServer answers voice state updates the way the gateway does.
type fakeVoiceServer struct {
	sendState  bool
	sendServer bool

	mu      sync.Mutex
	updates []discord.UpdateVoiceState
	streams []discord.StreamCreate
}

func (vs *fakeVoiceServer) serve(c *fakeConn) {
	for {
		var data []byte

		select {
		case data = <-c.out:
		case <-c.closed:
			return
		}

		var frame sentFrame

		if json.Unmarshal(data, &frame) != nil {
			continue
		}

		switch frame.Op {
		case discord.GatewayOpVoiceStateUpdate:
			var update discord.UpdateVoiceState

			if json.Unmarshal(frame.Data, &update) != nil {
				continue
			}

			vs.mu.Lock()
			vs.updates = append(vs.updates, update)
			sendState, sendServer := vs.sendState, vs.sendServer
			vs.mu.Unlock()

			if update.ChannelID == nil {
				c.push(gatewayFrame(discord.GatewayOpDispatch, discord.DispatchVoiceStateUpdate, 0,
					`{"guild_id":"10","channel_id":null,"user_id":"1","session_id":"voice-session"}`))

				continue
			}

			if sendState {
				c.push(gatewayFrame(discord.GatewayOpDispatch, discord.DispatchVoiceStateUpdate, 0,
					`{"guild_id":"10","channel_id":"`+update.ChannelID.String()+`","user_id":"1","session_id":"voice-session"}`))
			}

			if sendServer {
				c.push(gatewayFrame(discord.GatewayOpDispatch, discord.DispatchVoiceServerUpdate, 0,
					`{"guild_id":"10","endpoint":"voice.test:443","token":"voice-token"}`))
			}
		case discord.GatewayOpStreamCreate:
			var stream discord.StreamCreate

			if json.Unmarshal(frame.Data, &stream) != nil {
				continue
			}

			vs.mu.Lock()
			vs.streams = append(vs.streams, stream)
			vs.mu.Unlock()
		}
	}
}

func (vs *fakeVoiceServer) withholdState() {
	vs.mu.Lock()
	vs.sendState = false
	vs.mu.Unlock()
}

// counts returns the number of join and leave updates received.
func (vs *fakeVoiceServer) counts() (joins, leaves int) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	for _, update := range vs.updates {
		if update.ChannelID == nil {
			leaves++
		} else {
			joins++
		}
	}

	return joins, leaves
}

func (vs *fakeVoiceServer) lastUpdate() discord.UpdateVoiceState {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	return vs.updates[len(vs.updates)-1]
}

func newTestVoiceManager(t *testing.T, vs *fakeVoiceServer) (*VoiceManager, *Gateway, *fakeTransport, *EventBus) {
	t.Helper()

	transport := &fakeTransport{
		dial: func(int) (*fakeConn, error) {
			conn := newFakeConn(45000)

			go vs.serve(conn)

			return conn, nil
		},
	}

	g := newTestGateway(t, transport, nil)

	events := NewEventBus()
	g.events = events

	cache := NewMemoryCache()
	cache.StoreChannel(&discord.Channel{ID: testVoiceChannelID, GuildID: testGuildID, Type: discord.ChannelTypeGuildVoice})
	cache.StoreChannel(&discord.Channel{ID: testTextChannelID, GuildID: testGuildID, Type: discord.ChannelTypeGuildText})

	vm := NewVoiceManager(zerolog.Nop(), g, cache, VoiceConfiguration{
		Timeout:      150 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}, events)

	require.NoError(t, g.Connect(context.Background()))

	transport.conn(0).push(gatewayFrame(discord.GatewayOpDispatch, discord.DispatchReady, 1,
		`{"session_id":"gateway-session","user":{"id":"1","username":"panini"}}`))

	require.Eventually(t, func() bool { return g.UserID.Load() == 1 }, time.Second, 5*time.Millisecond)

	return vm, g, transport, events
}

func TestVoiceJoin(t *testing.T) {
	vs := &fakeVoiceServer{sendState: true, sendServer: true}
	vm, _, _, _ := newTestVoiceManager(t, vs)

	session, err := vm.Join(context.Background(), testVoiceChannelID, VoiceOptions{SelfMute: true})
	require.NoError(t, err)
	require.NotNil(t, session)

	assert.Equal(t, testVoiceChannelID, session.Channel.ID)
	assert.Equal(t, "voice-session", session.State.SessionID)
	assert.Equal(t, "voice.test:443", session.Server.Endpoint)
	assert.Equal(t, "voice-token", session.Server.Token)
	assert.Same(t, session, vm.Session())

	update := vs.lastUpdate()

	require.NotNil(t, update.ChannelID)
	assert.Equal(t, testVoiceChannelID, *update.ChannelID)
	assert.Equal(t, testGuildID, update.GuildID)
	assert.True(t, update.SelfMute)
	assert.False(t, update.SelfDeaf)
	assert.Zero(t, update.Flags)
}

func TestVoiceJoinTimesOutWithoutSessionID(t *testing.T) {
	vs := &fakeVoiceServer{sendServer: true}
	vm, _, _, _ := newTestVoiceManager(t, vs)

	start := time.Now()
	session, err := vm.Join(context.Background(), testVoiceChannelID, VoiceOptions{})

	require.ErrorIs(t, err, ErrSessionTimeout)
	assert.Nil(t, session)
	assert.Nil(t, vm.Session())
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestVoiceJoinStopsWhenGatewayShutsDown(t *testing.T) {
	vs := &fakeVoiceServer{sendServer: true}
	vm, g, _, _ := newTestVoiceManager(t, vs)
	vm.config.Timeout = 5 * time.Second

	joined := make(chan error, 1)

	go func() {
		_, err := vm.Join(context.Background(), testVoiceChannelID, VoiceOptions{})
		joined <- err
	}()

	require.Eventually(t, func() bool {
		joins, _ := vs.counts()

		return joins == 1
	}, time.Second, 5*time.Millisecond)

	g.Shutdown()

	select {
	case err := <-joined:
		assert.ErrorIs(t, err, ErrGatewayNotConnected)
	case <-time.After(time.Second):
		t.Fatal("join kept waiting after shutdown")
	}

	start := time.Now()

	require.NoError(t, vm.Leave(context.Background()))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Nil(t, vm.Session())
}

func TestVoiceJoinStopsWhenConnectionDrops(t *testing.T) {
	vs := &fakeVoiceServer{sendServer: true}
	vm, _, transport, _ := newTestVoiceManager(t, vs)
	vm.config.Timeout = 5 * time.Second

	joined := make(chan error, 1)

	go func() {
		_, err := vm.Join(context.Background(), testVoiceChannelID, VoiceOptions{})
		joined <- err
	}()

	require.Eventually(t, func() bool {
		joins, _ := vs.counts()

		return joins == 1
	}, time.Second, 5*time.Millisecond)

	transport.conn(0).serverClose(discord.CloseUnknownError)

	select {
	case err := <-joined:
		assert.ErrorIs(t, err, ErrGatewayNotConnected)
	case <-time.After(time.Second):
		t.Fatal("join kept waiting after the connection dropped")
	}
}

func TestVoiceFailedRejoinClearsSession(t *testing.T) {
	vs := &fakeVoiceServer{sendState: true, sendServer: true}
	vm, _, _, events := newTestVoiceManager(t, vs)

	const otherChannelID discord.Snowflake = 21

	vm.cache.(*MemoryCache).StoreChannel(&discord.Channel{ID: otherChannelID, GuildID: testGuildID, Type: discord.ChannelTypeGuildVoice})

	disconnects, cancel := events.Subscribe(64)
	defer cancel()

	_, err := vm.Join(context.Background(), testVoiceChannelID, VoiceOptions{})
	require.NoError(t, err)

	vs.withholdState()

	session, err := vm.Join(context.Background(), otherChannelID, VoiceOptions{})
	require.ErrorIs(t, err, ErrSessionTimeout)
	assert.Nil(t, session)
	assert.Nil(t, vm.Session())

	// Without a session there is nothing stale to send.
	session, err = vm.Update(context.Background(), VoiceOptionsUpdate{})
	require.NoError(t, err)
	assert.Nil(t, session)

	var channels []discord.Snowflake

	for len(disconnects) > 0 {
		event := <-disconnects
		if disconnect, ok := event.Data.(*VoiceDisconnectEvent); ok {
			assert.False(t, disconnect.Forced)
			channels = append(channels, disconnect.ChannelID)
		}
	}

	assert.Equal(t, []discord.Snowflake{testVoiceChannelID}, channels)
}

func TestVoiceJoinIneligibleChannel(t *testing.T) {
	vs := &fakeVoiceServer{sendState: true, sendServer: true}
	vm, _, _, _ := newTestVoiceManager(t, vs)

	for _, channelID := range []discord.Snowflake{testTextChannelID, 404} {
		session, err := vm.Join(context.Background(), channelID, VoiceOptions{})

		assert.NoError(t, err)
		assert.Nil(t, session)
	}

	vm.cache.(*MemoryCache).SetPermissions(testVoiceChannelID, discord.PermissionViewChannel)

	session, err := vm.Join(context.Background(), testVoiceChannelID, VoiceOptions{})

	assert.NoError(t, err)
	assert.Nil(t, session)

	joins, leaves := vs.counts()
	assert.Zero(t, joins)
	assert.Zero(t, leaves)
}

func TestVoiceLeaveTwiceSendsOneUpdate(t *testing.T) {
	vs := &fakeVoiceServer{sendState: true, sendServer: true}
	vm, _, _, events := newTestVoiceManager(t, vs)

	disconnects, cancel := events.Subscribe(64)
	defer cancel()

	// Leaving without a session does nothing.
	require.NoError(t, vm.Leave(context.Background()))

	_, err := vm.Join(context.Background(), testVoiceChannelID, VoiceOptions{})
	require.NoError(t, err)

	require.NoError(t, vm.Leave(context.Background()))
	require.NoError(t, vm.Leave(context.Background()))

	require.Eventually(t, func() bool {
		_, leaves := vs.counts()

		return leaves == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)

	joins, leaves := vs.counts()
	assert.Equal(t, 1, joins)
	assert.Equal(t, 1, leaves)
	assert.Nil(t, vm.Session())

	var forced []bool

	for len(disconnects) > 0 {
		event := <-disconnects
		if disconnect, ok := event.Data.(*VoiceDisconnectEvent); ok {
			forced = append(forced, disconnect.Forced)
		}
	}

	assert.Equal(t, []bool{false}, forced)
}

func TestVoiceUpdate(t *testing.T) {
	vs := &fakeVoiceServer{sendState: true, sendServer: true}
	vm, _, _, _ := newTestVoiceManager(t, vs)

	session, err := vm.Update(context.Background(), VoiceOptionsUpdate{})
	require.NoError(t, err)
	assert.Nil(t, session)

	_, err = vm.Join(context.Background(), testVoiceChannelID, VoiceOptions{SelfMute: true})
	require.NoError(t, err)

	deaf := true

	session, err = vm.Update(context.Background(), VoiceOptionsUpdate{SelfDeaf: &deaf})
	require.NoError(t, err)
	require.NotNil(t, session)

	assert.True(t, session.Options.SelfMute)
	assert.True(t, session.Options.SelfDeaf)

	require.Eventually(t, func() bool {
		joins, _ := vs.counts()

		return joins == 2
	}, time.Second, 5*time.Millisecond)

	update := vs.lastUpdate()

	require.NotNil(t, update.ChannelID)
	assert.Equal(t, testVoiceChannelID, *update.ChannelID)
	assert.True(t, update.SelfMute)
	assert.True(t, update.SelfDeaf)
}

func TestVoiceStreamCreatedAfterNegotiation(t *testing.T) {
	vs := &fakeVoiceServer{sendState: true, sendServer: true}
	vm, _, _, _ := newTestVoiceManager(t, vs)

	region := "rotterdam"

	_, err := vm.Join(context.Background(), testVoiceChannelID, VoiceOptions{Stream: true, PreferredRegion: &region})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		vs.mu.Lock()
		defer vs.mu.Unlock()

		return len(vs.streams) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(discord.VoiceStateUpdateFlagStream), vs.lastUpdate().Flags)

	vs.mu.Lock()
	stream := vs.streams[0]
	vs.mu.Unlock()

	assert.Equal(t, "guild", stream.Type)
	assert.Equal(t, testGuildID, stream.GuildID)
	assert.Equal(t, testVoiceChannelID, stream.ChannelID)
	require.NotNil(t, stream.PreferredRegion)
	assert.Equal(t, region, *stream.PreferredRegion)
}

func TestVoiceForcedDisconnect(t *testing.T) {
	vs := &fakeVoiceServer{sendState: true, sendServer: true}
	vm, _, transport, events := newTestVoiceManager(t, vs)

	disconnects, cancel := events.Subscribe(64)
	defer cancel()

	_, err := vm.Join(context.Background(), testVoiceChannelID, VoiceOptions{})
	require.NoError(t, err)

	transport.conn(0).push(gatewayFrame(discord.GatewayOpDispatch, discord.DispatchVoiceStateUpdate, 0,
		`{"guild_id":"10","channel_id":null,"user_id":"1","session_id":"voice-session"}`))

	require.Eventually(t, func() bool { return vm.Session() == nil }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		for len(disconnects) > 0 {
			event := <-disconnects
			if disconnect, ok := event.Data.(*VoiceDisconnectEvent); ok {
				return disconnect.Forced && disconnect.ChannelID == testVoiceChannelID
			}
		}

		return false
	}, time.Second, 5*time.Millisecond)

	// The session is already gone, so leaving sends nothing.
	require.NoError(t, vm.Leave(context.Background()))

	_, leaves := vs.counts()
	assert.Zero(t, leaves)
}

func TestVoiceRejoinsAfterReconnect(t *testing.T) {
	vs := &fakeVoiceServer{sendState: true, sendServer: true}
	vm, g, transport, _ := newTestVoiceManager(t, vs)

	_, err := vm.Join(context.Background(), testVoiceChannelID, VoiceOptions{SelfDeaf: true})
	require.NoError(t, err)

	transport.conn(0).serverClose(discord.CloseUnknownError)

	require.Eventually(t, func() bool {
		joins, _ := vs.counts()

		return joins == 2 && transport.dials.Load() == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		state, server := g.VoiceFacts()

		return state != nil && server != nil && vm.Session() != nil
	}, time.Second, 5*time.Millisecond)

	assert.True(t, vs.lastUpdate().SelfDeaf)
	assert.True(t, vm.Session().Options.SelfDeaf)
}

func TestVoiceDisconnectClosesGateway(t *testing.T) {
	vs := &fakeVoiceServer{sendState: true, sendServer: true}
	vm, g, transport, _ := newTestVoiceManager(t, vs)

	_, err := vm.Join(context.Background(), testVoiceChannelID, VoiceOptions{})
	require.NoError(t, err)

	require.NoError(t, vm.Disconnect(context.Background()))

	require.Eventually(t, func() bool {
		return g.Status() == GatewayStatusDisconnected
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(1), transport.dials.Load())
}

func TestMemoryCacheVoiceState(t *testing.T) {
	cache := NewMemoryCache()
	channelID := testVoiceChannelID

	cache.OnVoiceStateUpdate(&discord.VoiceState{GuildID: testGuildID, UserID: 1, ChannelID: &channelID})

	state, ok := cache.VoiceState(testGuildID, 1)
	require.True(t, ok)
	assert.Equal(t, testVoiceChannelID, *state.ChannelID)

	cache.OnVoiceStateUpdate(&discord.VoiceState{GuildID: testGuildID, UserID: 1})

	_, ok = cache.VoiceState(testGuildID, 1)
	assert.False(t, ok)

	cache.OnVoiceServerUpdate(&discord.VoiceServerUpdate{GuildID: testGuildID, Endpoint: "voice.test"})

	_, ok = cache.VoiceServer(testGuildID)
	assert.True(t, ok)

	cache.OnVoiceDisconnect(testGuildID)

	_, ok = cache.VoiceServer(testGuildID)
	assert.False(t, ok)
}
