// Package wechat defines the wire types spoken by the WeChat protocol
// gateway: the sync-message envelope, the AddMsg structure, and the XML
// payloads embedded in message content.
package wechat

import (
	"bytes"
	"encoding/json"
	"strings"
)

// MsgType is the top-level WeChat message type carried in AddMsg.MsgType.
type MsgType int

const (
	MsgText     MsgType = 1
	MsgImage    MsgType = 3
	MsgVoice    MsgType = 34
	MsgContact  MsgType = 42
	MsgVideo    MsgType = 43
	MsgEmoji    MsgType = 47
	MsgLocation MsgType = 48
	MsgApp      MsgType = 49
	MsgVoIP     MsgType = 50
	MsgSystem   MsgType = 10000
	MsgSysNotif MsgType = 10002
)

// String returns the string representation of a MsgType.
func (t MsgType) String() string {
	switch t {
	case MsgText:
		return "text"
	case MsgImage:
		return "image"
	case MsgVoice:
		return "voice"
	case MsgContact:
		return "contact"
	case MsgVideo:
		return "video"
	case MsgEmoji:
		return "emoji"
	case MsgLocation:
		return "location"
	case MsgApp:
		return "app"
	case MsgVoIP:
		return "voip"
	case MsgSystem:
		return "system"
	case MsgSysNotif:
		return "sysnotif"
	default:
		return "unknown"
	}
}

// AppMsgType is the inner classifier of MsgType 49 (appmsg.type).
type AppMsgType int

const (
	AppMsgLink        AppMsgType = 5
	AppMsgFile        AppMsgType = 6
	AppMsgChatHistory AppMsgType = 19
	AppMsgMiniProgram AppMsgType = 33
	AppMsgChannel     AppMsgType = 51
	AppMsgNote        AppMsgType = 53
	AppMsgQuote       AppMsgType = 57
	AppMsgTransfer    AppMsgType = 2000
)

// Str is a string field that the gateway serializes either as a plain JSON
// string or as the protobuf-derived {"string": "..."} wrapper, depending on
// the endpoint. Both forms decode to the same value.
type Str string

// UnmarshalJSON accepts "value" and {"string":"value"}.
func (s *Str) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var wrapped struct {
			String string `json:"string"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return err
		}
		*s = Str(wrapped.String)
		return nil
	}
	var plain string
	if err := json.Unmarshal(data, &plain); err != nil {
		return err
	}
	*s = Str(plain)
	return nil
}

// MarshalJSON always emits the plain form.
func (s Str) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

func (s Str) String() string { return string(s) }

// SyncEnvelope is the body of the gateway's SyncMessage callback and of each
// broker-queue delivery.
type SyncEnvelope struct {
	Message string `json:"Message"`
	Wxid    string `json:"Wxid,omitempty"`
	Data    struct {
		AddMsgs []AddMsg `json:"AddMsgs"`
	} `json:"Data"`
}

// Control-message literals carried in SyncEnvelope.Message.
const (
	SyncOK             = "成功"
	SyncMaybeLoggedOut = "用户可能退出"
)

// AddMsg is one inbound WeChat message as delivered by the gateway.
type AddMsg struct {
	MsgID        int64   `json:"MsgId"`
	NewMsgID     int64   `json:"NewMsgId"`
	FromUserName Str     `json:"FromUserName"`
	ToUserName   Str     `json:"ToUserName"`
	MsgType      MsgType `json:"MsgType"`
	Content      Str     `json:"Content"`
	CreateTime   int64   `json:"CreateTime"`
	PushContent  string  `json:"PushContent,omitempty"`
	MsgSource    string  `json:"MsgSource,omitempty"`
	ImgStatus    int     `json:"ImgStatus,omitempty"`
}

// From returns the sender wxid.
func (m *AddMsg) From() string { return string(m.FromUserName) }

// To returns the receiver wxid.
func (m *AddMsg) To() string { return string(m.ToUserName) }

// GroupContent splits the "senderwxid:\ncontent" prefix that chatroom
// messages carry. For non-chatroom messages it returns ("", content).
func (m *AddMsg) GroupContent() (sender, content string) {
	content = string(m.Content)
	if !IsChatroom(m.From()) {
		return "", content
	}
	idx := strings.Index(content, ":\n")
	if idx < 0 {
		return "", content
	}
	return content[:idx], content[idx+2:]
}

// Conversation id classification, derived from wxid shape.

// IsChatroom reports whether the wxid names a WeChat group chat.
func IsChatroom(wxid string) bool { return strings.HasSuffix(wxid, "@chatroom") }

// IsOfficial reports whether the wxid names an official (subscription) account.
func IsOfficial(wxid string) bool { return strings.HasPrefix(wxid, "gh_") }

// IsEnterprise reports whether the wxid names an enterprise (WeCom) contact.
func IsEnterprise(wxid string) bool { return strings.HasSuffix(wxid, "@openim") }

// SystemSender is the reserved wxid used by WeChat service notices; messages
// from it are never bridged.
const SystemSender = "weixin"

// SendResult is the gateway response fragment shared by all send endpoints.
// The triple (NewMsgID, ClientMsgID, CreateTime) plus the receiver is exactly
// what the revocation endpoint later requires.
type SendResult struct {
	NewMsgID    int64 `json:"NewMsgId"`
	ClientMsgID int64 `json:"ClientMsgId"`
	CreateTime  int64 `json:"createTime"`
	ToUserName  Str   `json:"ToUsername"`
}

// ChatroomMember is one member row from the GROUP_MEMBER endpoint.
type ChatroomMember struct {
	UserName    string `json:"UserName"`
	NickName    string `json:"NickName"`
	DisplayName string `json:"DisplayName"`
}

// ChatroomInfo is the member listing of one group chat, versioned by the
// server so callers can cache it.
type ChatroomInfo struct {
	ChatroomID    string           `json:"ChatRoomName"`
	ServerVersion int64            `json:"ServerVersion"`
	MemberCount   int              `json:"MemberCount"`
	Members       []ChatroomMember `json:"ChatRoomMember"`
}

// DisplayNameOf resolves a member wxid to its best display name: the in-group
// display name when set, otherwise the nickname, otherwise the wxid itself.
func (c *ChatroomInfo) DisplayNameOf(wxid string) string {
	for i := range c.Members {
		m := &c.Members[i]
		if m.UserName != wxid {
			continue
		}
		if m.DisplayName != "" {
			return m.DisplayName
		}
		if m.NickName != "" {
			return m.NickName
		}
		return wxid
	}
	return wxid
}

// ContactProfile is the USER_INFO / USER_SEARCH response shape.
type ContactProfile struct {
	UserName  Str    `json:"UserName"`
	NickName  Str    `json:"NickName"`
	Remark    Str    `json:"Remark"`
	BigHead   string `json:"BigHeadImgUrl"`
	SmallHead string `json:"SmallHeadImgUrl"`
	Signature string `json:"Signature,omitempty"`
	// Ticket comes back from USER_SEARCH and is needed by USER_ADD.
	Ticket string `json:"AntispamTicket,omitempty"`
}

// DisplayName returns the remark when set, otherwise the nickname.
func (p *ContactProfile) DisplayName() string {
	if p.Remark != "" {
		return string(p.Remark)
	}
	return string(p.NickName)
}

// AvatarURL returns the best available avatar URL.
func (p *ContactProfile) AvatarURL() string {
	if p.BigHead != "" {
		return p.BigHead
	}
	return p.SmallHead
}
