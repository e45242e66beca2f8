package internal

import (
	"sync"

	"github.com/WelcomerTeam/Panini/discord"
)

// ObjectCache supplies the channel and permission lookups needed to join a
// voice channel and is kept up to date with voice lifecycle events.
type ObjectCache interface {
	VoiceListener

	Channel(channelID discord.Snowflake) (*discord.Channel, bool)

	// Permissions returns the permissions of the current user in a
	// channel. ok is false when they are not known.
	Permissions(channelID discord.Snowflake) (permissions discord.Permissions, ok bool)

	OnVoiceDisconnect(guildID discord.Snowflake)
}

// MemoryCache is an in-memory ObjectCache.
type MemoryCache struct {
	channelsMu sync.RWMutex
	channels   map[discord.Snowflake]*discord.Channel

	permissionsMu sync.RWMutex
	permissions   map[discord.Snowflake]discord.Permissions

	voiceMu      sync.RWMutex
	voiceStates  map[discord.Snowflake]map[discord.Snowflake]*discord.VoiceState
	voiceServers map[discord.Snowflake]*discord.VoiceServerUpdate
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		channels:     make(map[discord.Snowflake]*discord.Channel),
		permissions:  make(map[discord.Snowflake]discord.Permissions),
		voiceStates:  make(map[discord.Snowflake]map[discord.Snowflake]*discord.VoiceState),
		voiceServers: make(map[discord.Snowflake]*discord.VoiceServerUpdate),
	}
}

func (mc *MemoryCache) StoreChannel(channel *discord.Channel) {
	mc.channelsMu.Lock()
	mc.channels[channel.ID] = channel
	mc.channelsMu.Unlock()
}

func (mc *MemoryCache) SetPermissions(channelID discord.Snowflake, permissions discord.Permissions) {
	mc.permissionsMu.Lock()
	mc.permissions[channelID] = permissions
	mc.permissionsMu.Unlock()
}

func (mc *MemoryCache) Channel(channelID discord.Snowflake) (*discord.Channel, bool) {
	mc.channelsMu.RLock()
	defer mc.channelsMu.RUnlock()

	channel, ok := mc.channels[channelID]

	return channel, ok
}

func (mc *MemoryCache) Permissions(channelID discord.Snowflake) (discord.Permissions, bool) {
	mc.permissionsMu.RLock()
	defer mc.permissionsMu.RUnlock()

	permissions, ok := mc.permissions[channelID]

	return permissions, ok
}

// VoiceState returns the cached voice state of a user in a guild.
func (mc *MemoryCache) VoiceState(guildID, userID discord.Snowflake) (*discord.VoiceState, bool) {
	mc.voiceMu.RLock()
	defer mc.voiceMu.RUnlock()

	state, ok := mc.voiceStates[guildID][userID]

	return state, ok
}

// VoiceServer returns the cached voice server of a guild.
func (mc *MemoryCache) VoiceServer(guildID discord.Snowflake) (*discord.VoiceServerUpdate, bool) {
	mc.voiceMu.RLock()
	defer mc.voiceMu.RUnlock()

	server, ok := mc.voiceServers[guildID]

	return server, ok
}

func (mc *MemoryCache) OnVoiceStateUpdate(state *discord.VoiceState) {
	mc.voiceMu.Lock()
	defer mc.voiceMu.Unlock()

	if state.ChannelID == nil {
		delete(mc.voiceStates[state.GuildID], state.UserID)

		return
	}

	states, ok := mc.voiceStates[state.GuildID]
	if !ok {
		states = make(map[discord.Snowflake]*discord.VoiceState)
		mc.voiceStates[state.GuildID] = states
	}

	states[state.UserID] = state
}

func (mc *MemoryCache) OnVoiceServerUpdate(server *discord.VoiceServerUpdate) {
	mc.voiceMu.Lock()
	mc.voiceServers[server.GuildID] = server
	mc.voiceMu.Unlock()
}

func (mc *MemoryCache) OnVoiceDisconnect(guildID discord.Snowflake) {
	mc.voiceMu.Lock()
	delete(mc.voiceServers, guildID)
	mc.voiceMu.Unlock()
}
