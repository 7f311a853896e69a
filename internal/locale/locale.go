// Package locale holds the user-facing string tables. Messages shown in
// Telegram chats are selected by the configured language.
package locale

import "fmt"

// Stable message tokens.
const (
	Online            = "online"
	Offline           = "offline"
	RevokeFailed      = "revoke_failed"
	RevokeNotFound    = "revoke_not_found"
	Revoked           = "revoked"
	Unbind            = "unbind"
	NoBinding         = "no_binding"
	TwiceLoginSuccess = "twice_login_success"
	TwiceLoginFailed  = "twice_login_failed"
	NoReply           = "no_reply"
	Failed            = "failed"
	Done              = "done"
	ReceiveOn         = "receive_on"
	ReceiveOff        = "receive_off"
	WrongScope        = "wrong_scope"
	FriendRequested   = "friend_requested"
	FriendPassed      = "friend_passed"
	RemarkSet         = "remark_set"
	TimerSet          = "timer_set"
	GroupRecreated    = "group_recreated"
	UpdateDone        = "update_done"
)

var zh = map[string]string{
	Online:            "微信已上线",
	Offline:           "微信已离线，请检查手机端",
	RevokeFailed:      "撤回失败",
	RevokeNotFound:    "找不到可撤回的消息",
	Revoked:           "已撤回一条消息",
	Unbind:            "已解除绑定",
	NoBinding:         "当前会话没有绑定联系人",
	TwiceLoginSuccess: "二次登录成功",
	TwiceLoginFailed:  "二次登录失败",
	NoReply:           "请回复一条消息后再执行该命令",
	Failed:            "操作失败",
	Done:              "操作完成",
	ReceiveOn:         "已开启消息接收",
	ReceiveOff:        "已关闭消息接收",
	WrongScope:        "该命令不能在此会话使用",
	FriendRequested:   "好友请求已发送",
	FriendPassed:      "已通过好友请求",
	RemarkSet:         "备注已更新",
	TimerSet:          "定时消息已设置",
	GroupRecreated:    "群组已重建",
	UpdateDone:        "资料已更新",
}

var ja = map[string]string{
	Online:            "WeChatがオンラインになりました",
	Offline:           "WeChatがオフラインです。携帯端末を確認してください",
	RevokeFailed:      "取り消しに失敗しました",
	RevokeNotFound:    "取り消せるメッセージが見つかりません",
	Revoked:           "メッセージを取り消しました",
	Unbind:            "バインドを解除しました",
	NoBinding:         "このチャットには連絡先がバインドされていません",
	TwiceLoginSuccess: "再ログインに成功しました",
	TwiceLoginFailed:  "再ログインに失敗しました",
	NoReply:           "メッセージに返信してからコマンドを実行してください",
	Failed:            "操作に失敗しました",
	Done:              "完了しました",
	ReceiveOn:         "メッセージ受信を有効にしました",
	ReceiveOff:        "メッセージ受信を無効にしました",
	WrongScope:        "このコマンドはこのチャットでは使えません",
	FriendRequested:   "友達リクエストを送信しました",
	FriendPassed:      "友達リクエストを承認しました",
	RemarkSet:         "メモを更新しました",
	TimerSet:          "タイマー送信を設定しました",
	GroupRecreated:    "グループを再作成しました",
	UpdateDone:        "プロフィールを更新しました",
}

// Table resolves tokens for one language.
type Table struct {
	lang    string
	strings map[string]string
}

// ForLanguage returns the table for "zh" or "ja"; anything else falls back
// to zh.
func ForLanguage(lang string) *Table {
	if lang == "ja" {
		return &Table{lang: "ja", strings: ja}
	}
	return &Table{lang: "zh", strings: zh}
}

// Lang reports the selected language code.
func (t *Table) Lang() string { return t.lang }

// T resolves a token; unknown tokens come back bracketed so they are
// visible in chat instead of silently empty.
func (t *Table) T(token string) string {
	if s, ok := t.strings[token]; ok {
		return s
	}
	return fmt.Sprintf("[%s]", token)
}
