package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/WelcomerTeam/Panini/discord"
)

func gatewayOpDispatch(ctx context.Context, g *Gateway, c *connection, msg discord.GatewayPayload) error {
	if msg.Sequence != 0 {
		g.Sequence.Store(msg.Sequence)
	}

	switch msg.Type {
	case discord.DispatchReady:
		ready := discord.Ready{}

		if err := g.decodeContent(msg, &ready); err != nil {
			return err
		}

		g.SessionID.Store(ready.SessionID)
		g.UserID.Store(int64(ready.User.ID))

		g.Logger.Info().
			Str("username", ready.User.Username).
			Str("user_id", ready.User.ID.String()).
			Msg("Received READY")
	case discord.DispatchVoiceStateUpdate:
		state := &discord.VoiceState{}

		if err := g.decodeContent(msg, state); err != nil {
			return err
		}

		if int64(state.UserID) == g.UserID.Load() {
			if state.ChannelID != nil && state.SessionID != "" {
				g.voiceState.Store(state)
			} else {
				g.voiceState.Store(nil)
			}
		}

		g.events.Emit(EventVoiceStateUpdate, "", state)

		for _, listener := range g.voiceListeners() {
			listener.OnVoiceStateUpdate(state)
		}
	case discord.DispatchVoiceServerUpdate:
		server := &discord.VoiceServerUpdate{}

		if err := g.decodeContent(msg, server); err != nil {
			return err
		}

		// A null endpoint means the voice server is being reallocated.
		if server.Endpoint != "" {
			g.voiceServer.Store(server)
		}

		g.events.Emit(EventVoiceServerUpdate, "", server)

		for _, listener := range g.voiceListeners() {
			listener.OnVoiceServerUpdate(server)
		}
	}

	return nil
}

func gatewayOpHeartbeat(ctx context.Context, g *Gateway, c *connection, msg discord.GatewayPayload) error {
	if err := g.sendHeartbeat(c); err != nil {
		g.terminate(c, err)

		return err
	}

	return nil
}

func gatewayOpReconnect(ctx context.Context, g *Gateway, c *connection, msg discord.GatewayPayload) error {
	g.Logger.Info().Msg("Reconnecting in response to gateway")

	g.terminate(c, ErrReconnect)

	return nil
}

func gatewayOpInvalidSession(ctx context.Context, g *Gateway, c *connection, msg discord.GatewayPayload) error {
	g.Logger.Warn().Msg("Received invalid session")

	g.SessionID.Store("")
	g.Sequence.Store(0)

	g.terminate(c, ErrReconnect)

	return nil
}

func gatewayOpHello(ctx context.Context, g *Gateway, c *connection, msg discord.GatewayPayload) error {
	hello := discord.Hello{}

	if err := g.decodeContent(msg, &hello); err != nil {
		return err
	}

	if hello.HeartbeatInterval <= 0 {
		return fmt.Errorf("invalid heartbeat interval %d", hello.HeartbeatInterval)
	}

	c.helloOnce.Do(func() {
		now := time.Now().UTC()
		interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond

		g.LastHeartbeatSent.Store(now)
		g.LastHeartbeatAck.Store(now)
		g.HeartbeatInterval.Store(interval)

		g.Logger.Debug().
			Dur("interval", interval).
			Msg("Received HELLO event from discord")

		c.heartbeatAcked.Store(true)
		c.active.Store(true)

		go g.heartbeat(c, interval)

		g.attempts.Store(0)
		g.setStatus(GatewayStatusActive)

		close(c.hello)
	})

	return nil
}

func gatewayOpHeartbeatACK(ctx context.Context, g *Gateway, c *connection, msg discord.GatewayPayload) error {
	c.heartbeatAcked.Store(true)
	g.LastHeartbeatAck.Store(time.Now().UTC())

	heartbeatRTT := g.LastHeartbeatAck.Load().Sub(g.LastHeartbeatSent.Load()).Milliseconds()

	g.Logger.Debug().
		Int64("RTT", heartbeatRTT).
		Msg("Received heartbeat ACK")

	paniniGatewayLatency.Set(float64(heartbeatRTT))

	return nil
}

// decodeContent converts the payload data into out.
func (g *Gateway) decodeContent(msg discord.GatewayPayload, out interface{}) error {
	if err := g.codec.Unmarshal(msg.Data, out); err != nil {
		g.Logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to decode event")

		return err
	}

	return nil
}

func init() {
	registerGatewayEvent(discord.GatewayOpDispatch, gatewayOpDispatch)
	registerGatewayEvent(discord.GatewayOpHeartbeat, gatewayOpHeartbeat)
	registerGatewayEvent(discord.GatewayOpReconnect, gatewayOpReconnect)
	registerGatewayEvent(discord.GatewayOpInvalidSession, gatewayOpInvalidSession)
	registerGatewayEvent(discord.GatewayOpHello, gatewayOpHello)
	registerGatewayEvent(discord.GatewayOpHeartbeatACK, gatewayOpHeartbeatACK)
}
