package discord

// channel.go contains the channel information the voice negotiator needs.

// ChannelType represents a channel's type.
type ChannelType uint16

const (
	ChannelTypeGuildText ChannelType = iota
	ChannelTypeDM
	ChannelTypeGuildVoice
	ChannelTypeGroupDM
	ChannelTypeGuildCategory
	ChannelTypeGuildNews
	ChannelTypeGuildStore
	_
	_
	_
	ChannelTypeGuildNewsThread
	ChannelTypeGuildPublicThread
	ChannelTypeGuildPrivateThread
	ChannelTypeGuildStageVoice
)

// IsVoice returns true for channel types a voice session can be negotiated in.
func (ct ChannelType) IsVoice() bool {
	return ct == ChannelTypeGuildVoice || ct == ChannelTypeGuildStageVoice
}

// Channel represents a channel.
type Channel struct {
	Name      string      `json:"name,omitempty"`
	ID        Snowflake   `json:"id"`
	GuildID   Snowflake   `json:"guild_id,omitempty"`
	ParentID  Snowflake   `json:"parent_id,omitempty"`
	Bitrate   int32       `json:"bitrate,omitempty"`
	UserLimit int32       `json:"user_limit,omitempty"`
	Type      ChannelType `json:"type"`
}
