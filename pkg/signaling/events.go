package signaling

// Server-to-client event names.
const (
	EventError                    = "error"
	EventSessionExpired           = "session-expired"
	EventAccountDeleted           = "account-deleted"
	EventUserJoined               = "user-joined"
	EventUserLeft                 = "user-left"
	EventRoleChanged              = "role-changed"
	EventChatMessage              = "chat-message"
	EventMetronomeUpdate          = "metronome-update"
	EventRoomSettingChanged       = "room-setting-changed"
	EventDelayCompensationChanged = "delay-compensation-changed"
	EventRoomClosed               = "room-closed"
	EventSFUState                 = "sfu-state"
	EventHostChanged              = "host-changed"
)

// forwarded lists the negotiation events relayed verbatim between peers.
var forwarded = []string{
	"webrtc-offer",
	"webrtc-answer",
	"webrtc-ice-candidate",
	"screen-offer",
	"screen-answer",
	"screen-ice-candidate",
}
