// Package wire defines the framed envelope, message codes and device
// taxonomy shared by the gateway client protocol, the broker consumer and
// the fan-out publishers.
package wire

// Code identifies the kind of a framed message. The same numbering is used
// on the client transport and inside broker envelopes.
type Code int32

const (
	CodeError            Code = -1
	CodeSuccess          Code = 0
	CodeForceLogout      Code = 104
	CodeRegister         Code = 200
	CodeHeartBeat        Code = 206
	CodeHeartBeatSuccess Code = 207
	CodeRegisterSuccess  Code = 209

	CodeSingleMessage Code = 1000
	CodeGroupMessage  Code = 1001
	CodeVideoMessage  Code = 1002
	CodeGroupOp       Code = 1005
	CodeMessageOp     Code = 1006
)

// String returns the symbolic name used in logs.
func (c Code) String() string {
	switch c {
	case CodeError:
		return "ERROR"
	case CodeSuccess:
		return "SUCCESS"
	case CodeForceLogout:
		return "FORCE_LOGOUT"
	case CodeRegister:
		return "REGISTER"
	case CodeHeartBeat:
		return "HEART_BEAT"
	case CodeHeartBeatSuccess:
		return "HEART_BEAT_SUCCESS"
	case CodeRegisterSuccess:
		return "REGISTER_SUCCESS"
	case CodeSingleMessage:
		return "SINGLE_MESSAGE"
	case CodeGroupMessage:
		return "GROUP_MESSAGE"
	case CodeVideoMessage:
		return "VIDEO_MESSAGE"
	case CodeGroupOp:
		return "GROUP_OP"
	case CodeMessageOp:
		return "MESSAGE_OP"
	default:
		return "UNKNOWN"
	}
}

// IsDeliverable reports whether a broker envelope with this code is fanned
// out to user sessions. Anything else is logged and dropped.
func (c Code) IsDeliverable() bool {
	switch c {
	case CodeSingleMessage, CodeGroupMessage, CodeVideoMessage, CodeGroupOp, CodeMessageOp:
		return true
	default:
		return false
	}
}

// Chat types as stored in chat records and carried in ChatMessage frames.
const (
	ChatTypeSingle int32 = 1
	ChatTypeGroup  int32 = 2
)

// ContentTypeCallInvite marks an ephemeral call invitation. Call invites
// must never be delivered after expiry and are excluded from history and
// the offline queue when the recipient is unroutable.
const ContentTypeCallInvite int32 = 4
