// Package wechat implements the HTTP client for the WeChat protocol gateway:
// message sends, contact management, and the chunked media download paths.
package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/wegram/wegram/pkg/wechat"
)

// ErrGateway marks semantic failures reported by the gateway
// (Success:false or HTTP >= 400).
var ErrGateway = errors.New("gateway error")

// GatewayError carries the gateway's failure message for a single call.
type GatewayError struct {
	Path    string
	Status  int
	Message string
}

func (e *GatewayError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("gateway %s: HTTP %d", e.Path, e.Status)
}

func (e *GatewayError) Unwrap() error { return ErrGateway }

// apiPath maps short aliases to gateway URL segments under /api/.
var apiPath = map[string]string{
	"SEND_TEXT":     "Msg/SendTxt",
	"SEND_IMAGE":    "Msg/UploadImg",
	"SEND_VIDEO":    "Msg/SendVideo",
	"SEND_VOICE":    "Msg/SendVoice",
	"SEND_APP":      "Msg/SendApp",
	"SEND_EMOJI":    "Msg/SendEmoji",
	"SEND_LOCATION": "Msg/ShareLocation",
	"SEND_FILE":     "Msg/SendFile",
	"UPLOAD_FILE":   "Msg/UploadFile",
	"REVOKE":        "Msg/Revoke",

	"GET_IMAGE":     "Tools/DownloadImg",
	"GET_IMAGE_CDN": "Tools/CdnDownloadImage",
	"GET_VIDEO":     "Tools/DownloadVideo",
	"GET_FILE":      "Tools/DownloadFile",
	"GET_VOICE":     "Tools/DownloadVoice",
	"GET_EMOJI":     "Tools/EmojiDownload",

	"USER_INFO":   "Friend/GetContractDetail",
	"USER_LIST":   "Friend/GetContractList",
	"USER_SEARCH": "Friend/Search",
	"USER_ADD":    "Friend/SendRequest",
	"USER_REMARK": "Friend/SetRemarks",
	"USER_PASS":   "Friend/PassVerify",

	"GROUP_MEMBER": "Group/GetChatRoomMemberDetail",
	"GROUP_QUIT":   "Group/Quit",

	"WECOM_ADD":   "QWContact/Add",
	"WECOM_APPLY": "QWContact/Apply",

	"MY_MOMENT": "FriendCircle/GetList",

	"LOGIN_TWICE": "Login/TwiceAutoAuth",
	"HEART_BEAT":  "Login/HeartBeat",
}

// Config configures the gateway client.
type Config struct {
	BaseURL string
	Wxid    string
	// SendInterval paces outbound sends; zero disables pacing.
	SendInterval time.Duration
	CacheDir     string
	Logger       *slog.Logger
}

// Client talks to the WeChat protocol gateway. Safe for concurrent use.
type Client struct {
	baseURL  string
	wxid     string
	cacheDir string
	http     *http.Client
	limiter  *rate.Limiter
	log      *slog.Logger
}

// NewClient creates a gateway client.
func NewClient(cfg Config) *Client {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.SendInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.SendInterval), 1)
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		wxid:     cfg.Wxid,
		cacheDir: cfg.CacheDir,
		http:     &http.Client{Timeout: 30 * time.Second},
		limiter:  limiter,
		log:      cfg.Logger.With("component", "wechat-client"),
	}
}

// Wxid returns the bridged identity.
func (c *Client) Wxid() string { return c.wxid }

type envelope struct {
	Success bool            `json:"Success"`
	Message string          `json:"Message"`
	Data    json.RawMessage `json:"Data"`
}

// call issues one JSON POST to {BASE_URL}/api/{path} and decodes Data into
// out when non-nil. Every body carries Wxid.
func (c *Client) call(ctx context.Context, alias string, body map[string]interface{}, out interface{}) error {
	path, ok := apiPath[alias]
	if !ok {
		return fmt.Errorf("unknown gateway alias %q", alias)
	}
	if body == nil {
		body = map[string]interface{}{}
	}
	if _, ok := body["Wxid"]; !ok {
		body["Wxid"] = c.wxid
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", alias, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/"+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", alias, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", alias, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", alias, err)
	}
	if resp.StatusCode >= 400 {
		return &GatewayError{Path: path, Status: resp.StatusCode, Message: string(bytes.TrimSpace(raw))}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode %s response: %w", alias, err)
	}
	if !env.Success {
		return &GatewayError{Path: path, Status: resp.StatusCode, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", alias, err)
		}
	}
	return nil
}

// send wraps call with outbound pacing and the shared SendResult decode.
func (c *Client) send(ctx context.Context, alias string, body map[string]interface{}) (*wechat.SendResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	res := &wechat.SendResult{}
	if err := c.call(ctx, alias, body, res); err != nil {
		return nil, err
	}
	return res, nil
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, toWxid, content string) (*wechat.SendResult, error) {
	return c.send(ctx, "SEND_TEXT", map[string]interface{}{
		"ToWxid":  toWxid,
		"Content": content,
		"Type":    1,
		"At":      "",
	})
}

// SendImage sends a base64-encoded image.
func (c *Client) SendImage(ctx context.Context, toWxid, b64 string) (*wechat.SendResult, error) {
	return c.send(ctx, "SEND_IMAGE", map[string]interface{}{
		"ToWxid": toWxid,
		"Base64": b64,
	})
}

// SendVideo sends a base64-encoded video with its thumbnail and play length
// in seconds.
func (c *Client) SendVideo(ctx context.Context, toWxid, b64, thumbB64 string, playLength int) (*wechat.SendResult, error) {
	return c.send(ctx, "SEND_VIDEO", map[string]interface{}{
		"ToWxid":      toWxid,
		"Base64":      b64,
		"ImageBase64": thumbB64,
		"PlayLength":  playLength,
	})
}

// SendVoice sends a base64-encoded SILK voice clip. voiceTimeMs is the clip
// duration in milliseconds.
func (c *Client) SendVoice(ctx context.Context, toWxid, b64 string, voiceTimeMs int) (*wechat.SendResult, error) {
	return c.send(ctx, "SEND_VOICE", map[string]interface{}{
		"ToWxid":    toWxid,
		"Base64":    b64,
		"Type":      4,
		"VoiceTime": voiceTimeMs,
	})
}

// SendApp sends a raw appmsg XML payload (links, quoted replies).
func (c *Client) SendApp(ctx context.Context, toWxid, appXML string, appType int) (*wechat.SendResult, error) {
	return c.send(ctx, "SEND_APP", map[string]interface{}{
		"ToWxid": toWxid,
		"Xml":    appXML,
		"Type":   appType,
	})
}

// SendEmoji sends a custom emoji by md5 reference. The gateway indexes the
// binary on its side; a previously used md5 needs no re-upload.
func (c *Client) SendEmoji(ctx context.Context, toWxid, md5 string, totalLen int64) (*wechat.SendResult, error) {
	return c.send(ctx, "SEND_EMOJI", map[string]interface{}{
		"ToWxid":   toWxid,
		"Md5":      md5,
		"TotalLen": totalLen,
	})
}

// SendEmojiData uploads sticker bytes with an empty md5; the gateway
// computes and indexes the digest on its side.
func (c *Client) SendEmojiData(ctx context.Context, toWxid, b64 string) (*wechat.SendResult, error) {
	return c.send(ctx, "SEND_EMOJI", map[string]interface{}{
		"ToWxid": toWxid,
		"Md5":    "",
		"Base64": b64,
	})
}

// SendLocation shares a location pin.
func (c *Client) SendLocation(ctx context.Context, toWxid string, lat, lon float64, label, poiName string) (*wechat.SendResult, error) {
	return c.send(ctx, "SEND_LOCATION", map[string]interface{}{
		"ToWxid":  toWxid,
		"X":       lat,
		"Y":       lon,
		"Label":   label,
		"PoiName": poiName,
	})
}

// UploadFile sends a document by base64 body.
func (c *Client) UploadFile(ctx context.Context, toWxid, fileName, b64 string) (*wechat.SendResult, error) {
	return c.send(ctx, "UPLOAD_FILE", map[string]interface{}{
		"ToWxid":   toWxid,
		"FileName": fileName,
		"Base64":   b64,
	})
}

// Revoke recalls a previously sent message. The argument quadruple comes
// from the SendResult captured at send time.
func (c *Client) Revoke(ctx context.Context, toWxid string, clientMsgID, createTime, newMsgID int64) error {
	return c.call(ctx, "REVOKE", map[string]interface{}{
		"ToUserName":  toWxid,
		"ClientMsgId": clientMsgID,
		"CreateTime":  createTime,
		"NewMsgId":    newMsgID,
	}, nil)
}

// UserInfo fetches a contact's profile.
func (c *Client) UserInfo(ctx context.Context, wxid string) (*wechat.ContactProfile, error) {
	p := &wechat.ContactProfile{}
	if err := c.call(ctx, "USER_INFO", map[string]interface{}{"ToWxid": wxid}, p); err != nil {
		return nil, err
	}
	return p, nil
}

// UserSearch resolves an id or phone number to a profile carrying the
// antispam ticket USER_ADD needs.
func (c *Client) UserSearch(ctx context.Context, query string) (*wechat.ContactProfile, error) {
	p := &wechat.ContactProfile{}
	if err := c.call(ctx, "USER_SEARCH", map[string]interface{}{"ToUserName": query}, p); err != nil {
		return nil, err
	}
	return p, nil
}

// UserAdd sends a friend request using a ticket from UserSearch.
func (c *Client) UserAdd(ctx context.Context, userName, ticket, greeting string, scene int) error {
	return c.call(ctx, "USER_ADD", map[string]interface{}{
		"V1":            userName,
		"V2":            ticket,
		"VerifyContent": greeting,
		"Scene":         scene,
	}, nil)
}

// UserPass accepts an inbound friend request.
func (c *Client) UserPass(ctx context.Context, userName, ticket string, scene int) error {
	return c.call(ctx, "USER_PASS", map[string]interface{}{
		"V1":    userName,
		"V2":    ticket,
		"Scene": scene,
	}, nil)
}

// UserRemark sets the remark name of a contact.
func (c *Client) UserRemark(ctx context.Context, wxid, remark string) error {
	return c.call(ctx, "USER_REMARK", map[string]interface{}{
		"ToWxid":  wxid,
		"Remarks": remark,
	}, nil)
}

// UserList fetches the full contact roster.
func (c *Client) UserList(ctx context.Context) ([]wechat.ContactProfile, error) {
	var data struct {
		ContactList []wechat.ContactProfile `json:"ContactList"`
	}
	if err := c.call(ctx, "USER_LIST", nil, &data); err != nil {
		return nil, err
	}
	return data.ContactList, nil
}

// GroupMember fetches the member listing of a chatroom.
func (c *Client) GroupMember(ctx context.Context, chatroomID string) (*wechat.ChatroomInfo, error) {
	info := &wechat.ChatroomInfo{}
	if err := c.call(ctx, "GROUP_MEMBER", map[string]interface{}{"QID": chatroomID}, info); err != nil {
		return nil, err
	}
	if info.ChatroomID == "" {
		info.ChatroomID = chatroomID
	}
	return info, nil
}

// GroupQuit leaves a chatroom.
func (c *Client) GroupQuit(ctx context.Context, chatroomID string) error {
	return c.call(ctx, "GROUP_QUIT", map[string]interface{}{"QID": chatroomID}, nil)
}

// WecomAdd sends an add request to an enterprise contact.
func (c *Client) WecomAdd(ctx context.Context, userName string) error {
	return c.call(ctx, "WECOM_ADD", map[string]interface{}{"ToUserName": userName}, nil)
}

// WecomApply accepts an enterprise contact application.
func (c *Client) WecomApply(ctx context.Context, userName string) error {
	return c.call(ctx, "WECOM_APPLY", map[string]interface{}{"ToUserName": userName}, nil)
}

// Moments fetches one page of the user's own moments feed. The raw payload
// goes to the peripheral extractor; only the anchor is interpreted here.
func (c *Client) Moments(ctx context.Context, maxID int64) (json.RawMessage, error) {
	var data json.RawMessage
	if err := c.call(ctx, "MY_MOMENT", map[string]interface{}{"Maxid": maxID}, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// TwiceLogin triggers the gateway's secondary login for a session that is
// still cached server-side.
func (c *Client) TwiceLogin(ctx context.Context) error {
	return c.call(ctx, "LOGIN_TWICE", nil, nil)
}

// Heartbeat probes whether the gateway session is alive.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.call(ctx, "HEART_BEAT", nil, nil)
}
