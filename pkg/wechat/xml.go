package wechat

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// The gateway embeds XML documents in AddMsg.Content. Each document is
// decoded exactly once, at ingress, into one of the tagged structures below;
// translators dispatch on the concrete variant instead of re-parsing.

// ImageInfo is the <img> element of an image message.
type ImageInfo struct {
	AESKey    string `xml:"aeskey,attr"`
	CDNBig    string `xml:"cdnbigimgurl,attr"`
	CDNMid    string `xml:"cdnmidimgurl,attr"`
	CDNThumb  string `xml:"cdnthumburl,attr"`
	Length    int64  `xml:"length,attr"`
	HDLength  int64  `xml:"hdlength,attr"`
	MD5       string `xml:"md5,attr"`
}

// BestCDNURL returns the highest-quality CDN URL available, big before mid
// before thumb.
func (i *ImageInfo) BestCDNURL() string {
	if i.CDNBig != "" {
		return i.CDNBig
	}
	if i.CDNMid != "" {
		return i.CDNMid
	}
	return i.CDNThumb
}

// DataLength returns the download length, preferring the HD variant.
func (i *ImageInfo) DataLength() int64 {
	if i.HDLength > 0 {
		return i.HDLength
	}
	return i.Length
}

// VideoInfo is the <videomsg> element of a video message.
type VideoInfo struct {
	Length     int64  `xml:"length,attr"`
	PlayLength int    `xml:"playlength,attr"`
	AESKey     string `xml:"aeskey,attr"`
	CDNURL     string `xml:"cdnvideourl,attr"`
	MD5        string `xml:"md5,attr"`
}

// VoiceInfo is the <voicemsg> element of a voice message. VoiceLength is in
// milliseconds.
type VoiceInfo struct {
	Length      int64  `xml:"length,attr"`
	VoiceLength int    `xml:"voicelength,attr"`
	AESKey      string `xml:"aeskey,attr"`
	BufID       string `xml:"bufid,attr"`
}

// EmojiInfo is the <emoji> element of a sticker message.
type EmojiInfo struct {
	MD5      string `xml:"md5,attr"`
	Length   int64  `xml:"len,attr"`
	CDNURL   string `xml:"cdnurl,attr"`
	AESKey   string `xml:"aeskey,attr"`
	Width    int    `xml:"width,attr"`
	Height   int    `xml:"height,attr"`
}

// LocationInfo is the <location> element of a location message.
type LocationInfo struct {
	X       float64 `xml:"x,attr"`
	Y       float64 `xml:"y,attr"`
	Label   string  `xml:"label,attr"`
	PoiName string  `xml:"poiname,attr"`
}

// AttachInfo is the <appattach> element of a file appmsg.
type AttachInfo struct {
	TotalLen int64  `xml:"totallen"`
	AttachID string `xml:"attachid"`
	FileExt  string `xml:"fileext"`
	AESKey   string `xml:"aeskey"`
	CDNURL   string `xml:"cdnattachurl"`
	AppID    string `xml:"-"`
}

// QuoteInfo is the <refermsg> element of a quoted-reply appmsg.
type QuoteInfo struct {
	Type        int    `xml:"type"`
	SvrID       int64  `xml:"svrid"`
	FromUser    string `xml:"fromusr"`
	ChatUser    string `xml:"chatusr"`
	DisplayName string `xml:"displayname"`
	Content     string `xml:"content"`
}

// ArticleItem is one published article of an official-account link push.
type ArticleItem struct {
	Title  string `xml:"title"`
	URL    string `xml:"url"`
	Digest string `xml:"digest"`
}

// ChatHistoryItem is one entry of a forwarded chat-history bundle.
type ChatHistoryItem struct {
	SourceName string `xml:"sourcename"`
	SourceTime string `xml:"sourcetime"`
	DataDesc   string `xml:"datadesc"`
}

// TransferInfo is the <wcpayinfo> element of a money-transfer appmsg.
type TransferInfo struct {
	FeeDesc string `xml:"feedesc"`
	Memo    string `xml:"pay_memo"`
}

// MiniProgramInfo carries the identifying fields of a mini-program card.
type MiniProgramInfo struct {
	SourceName string `xml:"sourcedisplayname"`
}

// ChannelInfo carries the identifying fields of a video-channel share.
type ChannelInfo struct {
	Nickname    string `xml:"nickname"`
	Description string `xml:"desc"`
}

// AppMessage is a decoded <appmsg> document (MsgType 49). Exactly the
// sub-structure matching Type is populated.
type AppMessage struct {
	Type  AppMsgType
	Title string
	Desc  string
	URL   string

	Attach      *AttachInfo
	Quote       *QuoteInfo
	Articles    []ArticleItem
	History     []ChatHistoryItem
	Transfer    *TransferInfo
	MiniProgram *MiniProgramInfo
	Channel     *ChannelInfo
}

type rawAppMsg struct {
	AppMsg struct {
		Type   int    `xml:"type"`
		Title  string `xml:"title"`
		Des    string `xml:"des"`
		URL    string `xml:"url"`
		Attach struct {
			TotalLen int64  `xml:"totallen"`
			AttachID string `xml:"attachid"`
			FileExt  string `xml:"fileext"`
			AESKey   string `xml:"aeskey"`
			CDNURL   string `xml:"cdnattachurl"`
		} `xml:"appattach"`
		Refer      *QuoteInfo `xml:"refermsg"`
		RecordItem string     `xml:"recorditem"`
		MMReader   struct {
			Category struct {
				Items []ArticleItem `xml:"item"`
			} `xml:"category"`
		} `xml:"mmreader"`
		WCPayInfo *TransferInfo    `xml:"wcpayinfo"`
		WeApp     *MiniProgramInfo `xml:"weappinfo"`
		Finder    *ChannelInfo     `xml:"finderFeed"`
		SourceDisplayName string   `xml:"sourcedisplayname"`
	} `xml:"appmsg"`
	AppInfo struct {
		AppID string `xml:"appid,attr"`
	} `xml:"appinfo"`
}

type recordInfo struct {
	Items []ChatHistoryItem `xml:"datalist>dataitem"`
}

// ParseAppMessage decodes the <msg><appmsg> document embedded in a MsgType 49
// message.
func ParseAppMessage(content string) (*AppMessage, error) {
	var raw rawAppMsg
	if err := xml.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("decode appmsg: %w", err)
	}

	app := &AppMessage{
		Type:  AppMsgType(raw.AppMsg.Type),
		Title: raw.AppMsg.Title,
		Desc:  raw.AppMsg.Des,
		URL:   raw.AppMsg.URL,
	}

	switch app.Type {
	case AppMsgLink:
		app.Articles = raw.AppMsg.MMReader.Category.Items
	case AppMsgFile:
		app.Attach = &AttachInfo{
			TotalLen: raw.AppMsg.Attach.TotalLen,
			AttachID: raw.AppMsg.Attach.AttachID,
			FileExt:  raw.AppMsg.Attach.FileExt,
			AESKey:   raw.AppMsg.Attach.AESKey,
			CDNURL:   raw.AppMsg.Attach.CDNURL,
			AppID:    raw.AppInfo.AppID,
		}
	case AppMsgChatHistory:
		if raw.AppMsg.RecordItem != "" {
			var rec recordInfo
			// recorditem carries a nested, separately-encoded XML document.
			if err := xml.Unmarshal([]byte(raw.AppMsg.RecordItem), &rec); err == nil {
				app.History = rec.Items
			}
		}
	case AppMsgMiniProgram:
		app.MiniProgram = raw.AppMsg.WeApp
		if app.MiniProgram == nil {
			app.MiniProgram = &MiniProgramInfo{SourceName: raw.AppMsg.SourceDisplayName}
		} else if app.MiniProgram.SourceName == "" {
			app.MiniProgram.SourceName = raw.AppMsg.SourceDisplayName
		}
	case AppMsgChannel:
		app.Channel = raw.AppMsg.Finder
	case AppMsgQuote:
		app.Quote = raw.AppMsg.Refer
	case AppMsgTransfer:
		app.Transfer = raw.AppMsg.WCPayInfo
	}

	return app, nil
}

// RevokeNotice is a decoded <sysmsg type="revokemsg"> document.
type RevokeNotice struct {
	Session    string `xml:"session"`
	MsgID      int64  `xml:"msgid"`
	NewMsgID   int64  `xml:"newmsgid"`
	ReplaceMsg string `xml:"replacemsg"`
}

// PatNotice is a decoded <sysmsg type="pat"> document. Template contains
// "${wxid}" placeholders to be substituted with display names.
type PatNotice struct {
	FromUser   string `xml:"fromusername"`
	PattedUser string `xml:"pattedusername"`
	Template   string `xml:"template"`
}

// SysMessage is a decoded MsgType 10002 document; exactly one field is set.
type SysMessage struct {
	Revoke *RevokeNotice
	Pat    *PatNotice
	// Kind is the raw sysmsg type attribute, kept for drop-logging of
	// variants the bridge does not handle.
	Kind string
}

type rawSysMsg struct {
	Type   string        `xml:"type,attr"`
	Revoke *RevokeNotice `xml:"revokemsg"`
	Pat    *PatNotice    `xml:"pat"`
}

// ParseSysMessage decodes the <sysmsg> document embedded in a MsgType 10002
// message. Chatroom system messages prefix the XML with "wxid:\n"; callers
// pass the stripped content.
func ParseSysMessage(content string) (*SysMessage, error) {
	var raw rawSysMsg
	if err := xml.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("decode sysmsg: %w", err)
	}
	sys := &SysMessage{Kind: raw.Type}
	switch raw.Type {
	case "revokemsg":
		sys.Revoke = raw.Revoke
	case "pat":
		sys.Pat = raw.Pat
	}
	return sys, nil
}

// ExpandPatTemplate substitutes every "${wxid}" placeholder in a pat template
// using the supplied resolver.
func ExpandPatTemplate(template string, resolve func(wxid string) string) string {
	var b strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:start])
		b.WriteString(resolve(rest[start+2 : start+end]))
		rest = rest[start+end+1:]
	}
}

// ParseImage decodes the <msg><img> document of an image message.
func ParseImage(content string) (*ImageInfo, error) {
	var raw struct {
		Img ImageInfo `xml:"img"`
	}
	if err := xml.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("decode image msg: %w", err)
	}
	return &raw.Img, nil
}

// ParseVideo decodes the <msg><videomsg> document of a video message.
func ParseVideo(content string) (*VideoInfo, error) {
	var raw struct {
		Video VideoInfo `xml:"videomsg"`
	}
	if err := xml.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("decode video msg: %w", err)
	}
	return &raw.Video, nil
}

// ParseVoice decodes the <msg><voicemsg> document of a voice message.
func ParseVoice(content string) (*VoiceInfo, error) {
	var raw struct {
		Voice VoiceInfo `xml:"voicemsg"`
	}
	if err := xml.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("decode voice msg: %w", err)
	}
	return &raw.Voice, nil
}

// ParseEmoji decodes the <msg><emoji> document of a sticker message.
func ParseEmoji(content string) (*EmojiInfo, error) {
	var raw struct {
		Emoji EmojiInfo `xml:"emoji"`
	}
	if err := xml.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("decode emoji msg: %w", err)
	}
	return &raw.Emoji, nil
}

// ParseLocation decodes the <msg><location> document of a location message.
func ParseLocation(content string) (*LocationInfo, error) {
	var raw struct {
		Location LocationInfo `xml:"location"`
	}
	if err := xml.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("decode location msg: %w", err)
	}
	return &raw.Location, nil
}

// BuildLinkAppMsg renders the <appmsg> payload for SEND_APP link cards.
func BuildLinkAppMsg(title, desc, url string) string {
	var b strings.Builder
	b.WriteString("<appmsg appid=\"\" sdkver=\"0\">")
	b.WriteString("<title>")
	xml.EscapeText(&b, []byte(title))
	b.WriteString("</title><des>")
	xml.EscapeText(&b, []byte(desc))
	b.WriteString("</des><type>5</type><url>")
	xml.EscapeText(&b, []byte(url))
	b.WriteString("</url></appmsg>")
	return b.String()
}

// BuildQuoteAppMsg renders the <appmsg> payload for SEND_APP quoted replies
// (type 57), referencing the quoted message by its server id.
func BuildQuoteAppMsg(text string, svrID int64, quotedSender, quotedContent string) string {
	var b strings.Builder
	b.WriteString("<appmsg appid=\"\" sdkver=\"0\">")
	b.WriteString("<title>")
	xml.EscapeText(&b, []byte(text))
	b.WriteString("</title><type>57</type><refermsg><type>1</type><svrid>")
	fmt.Fprintf(&b, "%d", svrID)
	b.WriteString("</svrid><fromusr>")
	xml.EscapeText(&b, []byte(quotedSender))
	b.WriteString("</fromusr><content>")
	xml.EscapeText(&b, []byte(quotedContent))
	b.WriteString("</content></refermsg></appmsg>")
	return b.String()
}
