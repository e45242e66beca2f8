package discord

const (
	PermissionAdministrator    = 0x0000000000000008 // Allows all permissions and bypasses channel permission overwrites.
	PermissionViewChannel      = 0x0000000000000400 // Allows viewing a channel, which includes joining voice channels.
	PermissionVoiceStreamVideo = 0x0000000000000200 // Allows the user to go live.
	PermissionVoiceConnect     = 0x0000000000100000 // Allows for joining of a voice channel.
	PermissionVoiceSpeak       = 0x0000000000200000 // Allows for speaking in a voice channel.

	PermissionVoiceJoin = PermissionVoiceConnect | PermissionVoiceSpeak
)

// Permissions is a permission bitfield.
type Permissions Int64

// Has returns true if every bit in mask is set. Administrator implies all.
func (p Permissions) Has(mask int64) bool {
	if int64(p)&PermissionAdministrator == PermissionAdministrator {
		return true
	}

	return int64(p)&mask == mask
}
