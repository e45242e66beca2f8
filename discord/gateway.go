package discord

import (
	jsoniter "github.com/json-iterator/go"
)

// gateway.go contains the structures for interacting with the gateway that
// the session connection and voice negotiator send and receive.

// GatewayOp represents the operation codes of a gateway message.
type GatewayOp uint8

const (
	GatewayOpDispatch GatewayOp = iota
	GatewayOpHeartbeat
	GatewayOpIdentify
	GatewayOpStatusUpdate
	GatewayOpVoiceStateUpdate
	_
	GatewayOpResume
	GatewayOpReconnect
	GatewayOpRequestGuildMembers
	GatewayOpInvalidSession
	GatewayOpHello
	GatewayOpHeartbeatACK
)

const GatewayOpStreamCreate GatewayOp = 18

// GatewayIntent represents a bitflag for intents.
type GatewayIntent uint32

const (
	IntentGuilds GatewayIntent = 1 << iota
	IntentGuildMembers
	IntentGuildBans
	IntentGuildEmojis
	IntentGuildIntegrations
	IntentGuildWebhooks
	IntentGuildInvites
	IntentGuildVoiceStates
	IntentGuildPresences
	IntentGuildMessages
	IntentGuildMessageReactions
	IntentGuildMessageTyping
	IntentDirectMessages
	IntentDirectMessageReactions
	IntentDirectMessageTyping
	IntentMessageContent
)

// Gateway close codes.
const (
	CloseUnknownError = 4000 + iota
	CloseUnknownOpCode
	CloseDecodeError
	CloseNotAuthenticated
	CloseAuthenticationFailed
	CloseAlreadyAuthenticated
	_
	CloseInvalidSeq
	CloseRateLimited
	CloseSessionTimeout
	CloseInvalidShard
	CloseShardingRequired
	CloseInvalidAPIVersion
	CloseInvalidIntents
	CloseDisallowedIntents
)

// CloseCodeRecoverable returns false for close codes where reconnecting
// with the same credentials can never succeed.
func CloseCodeRecoverable(code int) bool {
	switch code {
	case CloseAuthenticationFailed,
		CloseInvalidShard,
		CloseShardingRequired,
		CloseInvalidAPIVersion,
		CloseInvalidIntents,
		CloseDisallowedIntents:
		return false
	default:
		return true
	}
}

// Dispatch event names consumed by the session connection.
const (
	DispatchReady             = "READY"
	DispatchVoiceStateUpdate  = "VOICE_STATE_UPDATE"
	DispatchVoiceServerUpdate = "VOICE_SERVER_UPDATE"
)

// GatewayPayload represents the base payload received from the gateway.
type GatewayPayload struct {
	Type     string              `json:"t"`
	Data     jsoniter.RawMessage `json:"d"`
	Sequence int32               `json:"s"`
	Op       GatewayOp           `json:"op"`
}

// SentPayload represents the base payload sent to the gateway.
type SentPayload struct {
	Data interface{} `json:"d"`
	Op   GatewayOp   `json:"op"`
}

// Gateway Commands

// Identify represents the initial handshake with the gateway.
type Identify struct {
	Properties *IdentifyProperties `json:"properties"`
	Token      string              `json:"token"`
	Intents    GatewayIntent       `json:"intents"`
	Compress   bool                `json:"compress"`
}

// IdentifyProperties is the client descriptor sent in identify.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// VoiceStateUpdateFlagStream marks a voice state update as a go-live request.
const VoiceStateUpdateFlagStream = 1 << 1

// UpdateVoiceState joins, moves or leaves a voice channel. A nil ChannelID leaves.
type UpdateVoiceState struct {
	GuildID   Snowflake  `json:"guild_id"`
	ChannelID *Snowflake `json:"channel_id"`
	SelfMute  bool       `json:"self_mute"`
	SelfDeaf  bool       `json:"self_deaf"`
	SelfVideo bool       `json:"self_video"`
	Flags     int32      `json:"flags"`
}

// StreamCreate starts a go-live stream in the current voice channel.
type StreamCreate struct {
	PreferredRegion *string   `json:"preferred_region"`
	Type            string    `json:"type"`
	GuildID         Snowflake `json:"guild_id"`
	ChannelID       Snowflake `json:"channel_id"`
}

// Gateway Events

// Hello is sent by the gateway once the connection opens.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// Ready is the subset of the READY dispatch the session connection keeps.
type Ready struct {
	User             ReadyUser `json:"user"`
	SessionID        string    `json:"session_id"`
	ResumeGatewayURL string    `json:"resume_gateway_url"`
}

// ReadyUser is the current user as found in READY.
type ReadyUser struct {
	Username string    `json:"username"`
	ID       Snowflake `json:"id"`
}

// VoiceServerUpdate carries the voice endpoint and token for a guild.
type VoiceServerUpdate struct {
	Token    string    `json:"token"`
	Endpoint string    `json:"endpoint"`
	GuildID  Snowflake `json:"guild_id"`
}

// VoiceState represents a user's voice connection status.
type VoiceState struct {
	ChannelID  *Snowflake `json:"channel_id"`
	SessionID  string     `json:"session_id"`
	GuildID    Snowflake  `json:"guild_id,omitempty"`
	UserID     Snowflake  `json:"user_id"`
	Deaf       bool       `json:"deaf"`
	Mute       bool       `json:"mute"`
	SelfDeaf   bool       `json:"self_deaf"`
	SelfMute   bool       `json:"self_mute"`
	SelfStream bool       `json:"self_stream"`
	SelfVideo  bool       `json:"self_video"`
	Suppress   bool       `json:"suppress"`
}
