package chat

import (
	"errors"
	"fmt"
	"strings"
)

// ErrJoinTimeout is returned by Join when no confirmation or failure notice
// arrived within the configured join timeout.
var ErrJoinTimeout = errors.New("join not confirmed in time")

// ErrorKind classifies transport failures.
type ErrorKind int

const (
	Unknown ErrorKind = iota
	JoinFailed
	Banphrase
	ChannelSuspended
	Banned
	SendFailed
	NoPermission
)

func (k ErrorKind) String() string {
	switch k {
	case JoinFailed:
		return "join_failed"
	case Banphrase:
		return "banphrase"
	case ChannelSuspended:
		return "channel_suspended"
	case Banned:
		return "banned"
	case SendFailed:
		return "send_failed"
	case NoPermission:
		return "no_permission"
	default:
		return "unknown"
	}
}

// TransportError is a failure reported by the chat service.
type TransportError struct {
	Kind    ErrorKind
	Channel string
	Code    string // NOTICE msg-id, if any
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Channel != "" {
		fmt.Fprintf(&b, " in #%s", e.Channel)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	} else if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsKind reports whether err is a TransportError of kind k.
func IsKind(err error, k ErrorKind) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == k
}

// noticeKinds maps NOTICE msg-ids to error kinds. Codes missing here are
// informational.
var noticeKinds = map[string]ErrorKind{
	"msg_banned":                         Banned,
	"msg_channel_suspended":              ChannelSuspended,
	"tos_ban":                            ChannelSuspended,
	"msg_channel_blocked":                ChannelSuspended,
	"msg_rejected":                       Banphrase,
	"msg_rejected_mandatory":             Banphrase,
	"no_permission":                      NoPermission,
	"msg_ratelimit":                      SendFailed,
	"msg_duplicate":                      SendFailed,
	"msg_slowmode":                       SendFailed,
	"msg_subsonly":                       SendFailed,
	"msg_followersonly":                  SendFailed,
	"msg_followersonly_zero":             SendFailed,
	"msg_followersonly_followed":         SendFailed,
	"msg_emoteonly":                      SendFailed,
	"msg_r9k":                            SendFailed,
	"msg_timedout":                       SendFailed,
	"msg_suspended":                      SendFailed,
	"msg_verified_email":                 SendFailed,
	"msg_requires_verified_phone_number": SendFailed,
}

// ignoredNotices carry nothing the connector acts on.
var ignoredNotices = map[string]bool{
	"host_on":                  true,
	"host_off":                 true,
	"host_target_went_offline": true,
}

// classifyNotice returns the error kind of a NOTICE msg-id and whether it is an error at all.
func classifyNotice(msgID string) (ErrorKind, bool) {
	k, ok := noticeKinds[msgID]
	return k, ok
}

// failsJoin reports whether a notice of this kind answers a pending JOIN.
func (k ErrorKind) failsJoin() bool {
	return k == Banned || k == ChannelSuspended
}
