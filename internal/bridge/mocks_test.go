package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/go-telegram/bot/models"

	"github.com/wegram/wegram/internal/correlator"
	"github.com/wegram/wegram/internal/database"
	"github.com/wegram/wegram/internal/telegram"
	"github.com/wegram/wegram/pkg/wechat"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway records WeChat-side calls and answers from canned data.
type fakeGateway struct {
	mu   sync.Mutex
	wxid string

	result  *wechat.SendResult
	sendErr error

	texts     []gwText
	images    []string
	videos    []string
	voices    []string
	apps      []gwApp
	emojis    []gwEmoji
	emojiData []string
	files     []gwFile
	locations []gwLocation
	revokes   []gwRevoke
	remarks   []gwRemark
	quits     []string
	adds      []gwAdd

	profile    *wechat.ContactProfile
	profileErr error
	listing    []wechat.ContactProfile
	members    *wechat.ChatroomInfo
	membersErr error

	downloadData []byte
	downloadErr  error
	fetched      [][]byte
	twiceErr     error
	twiceCalls   int
}

type gwText struct{ to, content string }
type gwApp struct {
	to, xml string
	typ     int
}
type gwEmoji struct {
	to, md5 string
	length  int64
}
type gwFile struct{ to, name string }
type gwLocation struct {
	to         string
	lat, lon   float64
	label, poi string
}
type gwRevoke struct {
	to                           string
	clientMsgID, create, newMsgID int64
}
type gwRemark struct{ wxid, remark string }
type gwAdd struct {
	userName, ticket, greeting string
	scene                      int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		wxid:   "wxid_self",
		result: &wechat.SendResult{NewMsgID: 900001, ClientMsgID: 555, CreateTime: 1700000000},
	}
}

func (g *fakeGateway) Wxid() string { return g.wxid }

func (g *fakeGateway) SendText(ctx context.Context, to, content string) (*wechat.SendResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.texts = append(g.texts, gwText{to, content})
	return g.result, g.sendErr
}

func (g *fakeGateway) SendImage(ctx context.Context, to, b64 string) (*wechat.SendResult, error) {
	g.images = append(g.images, b64)
	return g.result, g.sendErr
}

func (g *fakeGateway) SendVideo(ctx context.Context, to, b64, thumbB64 string, playLength int) (*wechat.SendResult, error) {
	g.videos = append(g.videos, b64)
	return g.result, g.sendErr
}

func (g *fakeGateway) SendVoice(ctx context.Context, to, b64 string, voiceTimeMs int) (*wechat.SendResult, error) {
	g.voices = append(g.voices, b64)
	return g.result, g.sendErr
}

func (g *fakeGateway) SendApp(ctx context.Context, to, appXML string, appType int) (*wechat.SendResult, error) {
	g.apps = append(g.apps, gwApp{to, appXML, appType})
	return g.result, g.sendErr
}

func (g *fakeGateway) SendEmoji(ctx context.Context, to, md5 string, totalLen int64) (*wechat.SendResult, error) {
	g.emojis = append(g.emojis, gwEmoji{to, md5, totalLen})
	return g.result, g.sendErr
}

func (g *fakeGateway) SendEmojiData(ctx context.Context, to, b64 string) (*wechat.SendResult, error) {
	g.emojiData = append(g.emojiData, b64)
	return g.result, g.sendErr
}

func (g *fakeGateway) SendLocation(ctx context.Context, to string, lat, lon float64, label, poi string) (*wechat.SendResult, error) {
	g.locations = append(g.locations, gwLocation{to, lat, lon, label, poi})
	return g.result, g.sendErr
}

func (g *fakeGateway) UploadFile(ctx context.Context, to, fileName, b64 string) (*wechat.SendResult, error) {
	g.files = append(g.files, gwFile{to, fileName})
	return g.result, g.sendErr
}

func (g *fakeGateway) Revoke(ctx context.Context, to string, clientMsgID, createTime, newMsgID int64) error {
	g.revokes = append(g.revokes, gwRevoke{to, clientMsgID, createTime, newMsgID})
	return g.sendErr
}

func (g *fakeGateway) UserInfo(ctx context.Context, wxid string) (*wechat.ContactProfile, error) {
	return g.profile, g.profileErr
}

func (g *fakeGateway) UserSearch(ctx context.Context, query string) (*wechat.ContactProfile, error) {
	return g.profile, g.profileErr
}

func (g *fakeGateway) UserAdd(ctx context.Context, userName, ticket, greeting string, scene int) error {
	g.adds = append(g.adds, gwAdd{userName, ticket, greeting, scene})
	return nil
}

func (g *fakeGateway) UserRemark(ctx context.Context, wxid, remark string) error {
	g.remarks = append(g.remarks, gwRemark{wxid, remark})
	return nil
}

func (g *fakeGateway) UserList(ctx context.Context) ([]wechat.ContactProfile, error) {
	return g.listing, nil
}

func (g *fakeGateway) GroupMember(ctx context.Context, chatroomID string) (*wechat.ChatroomInfo, error) {
	return g.members, g.membersErr
}

func (g *fakeGateway) GroupQuit(ctx context.Context, chatroomID string) error {
	g.quits = append(g.quits, chatroomID)
	return nil
}

func (g *fakeGateway) TwiceLogin(ctx context.Context) error {
	g.twiceCalls++
	return g.twiceErr
}

func (g *fakeGateway) DownloadImage(ctx context.Context, msg *wechat.AddMsg, info *wechat.ImageInfo) (string, []byte, error) {
	return "img.jpg", g.downloadData, g.downloadErr
}

func (g *fakeGateway) DownloadVideo(ctx context.Context, msg *wechat.AddMsg, info *wechat.VideoInfo) (string, []byte, error) {
	return "vid.mp4", g.downloadData, g.downloadErr
}

func (g *fakeGateway) DownloadFile(ctx context.Context, attach *wechat.AttachInfo, title string) (string, []byte, error) {
	return title, g.downloadData, g.downloadErr
}

func (g *fakeGateway) DownloadVoice(ctx context.Context, msg *wechat.AddMsg, info *wechat.VoiceInfo) (string, []byte, error) {
	return "voice.silk", g.downloadData, g.downloadErr
}

func (g *fakeGateway) DownloadEmoji(ctx context.Context, info *wechat.EmojiInfo) (string, []byte, error) {
	return "emoji.gif", g.downloadData, g.downloadErr
}

func (g *fakeGateway) FetchURL(ctx context.Context, url string) ([]byte, error) {
	if g.downloadErr != nil {
		return nil, g.downloadErr
	}
	g.fetched = append(g.fetched, g.downloadData)
	return g.downloadData, nil
}

// fakeBot records Bot API sends. nextErr fails exactly one call.
type fakeBot struct {
	mu     sync.Mutex
	nextID int

	nextErr error

	texts     []botText
	photos    []botUpload
	documents []botUpload
	videos    []botUpload
	voices    []botUpload
	anims     []botUpload
	stickers  []string
	venues    []botVenue
	locations []botVenue
	deleted   []botDelete
	titles    []botTitle
	setPhotos []int64

	fileData []byte
	filePath string
	fileErr  error
}

type botText struct {
	chatID  int64
	text    string
	replyTo int
}
type botUpload struct {
	chatID  int64
	name    string
	caption string
}
type botVenue struct {
	chatID   int64
	lat, lon float64
	title    string
	address  string
}
type botDelete struct {
	chatID int64
	msgID  int
}
type botTitle struct {
	chatID int64
	title  string
}

func (b *fakeBot) take() error {
	err := b.nextErr
	b.nextErr = nil
	return err
}

func (b *fakeBot) msg() *models.Message {
	b.nextID++
	return &models.Message{ID: b.nextID}
}

func (b *fakeBot) SendText(ctx context.Context, chatID int64, text string, replyTo int) (*models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.take(); err != nil {
		return nil, err
	}
	b.texts = append(b.texts, botText{chatID, text, replyTo})
	return b.msg(), nil
}

func (b *fakeBot) SendPhoto(ctx context.Context, chatID int64, photo Upload, caption string, replyTo int) (*models.Message, error) {
	if err := b.take(); err != nil {
		return nil, err
	}
	b.photos = append(b.photos, botUpload{chatID, photo.Name, caption})
	return b.msg(), nil
}

func (b *fakeBot) SendDocument(ctx context.Context, chatID int64, doc Upload, caption string, replyTo int) (*models.Message, error) {
	if err := b.take(); err != nil {
		return nil, err
	}
	b.documents = append(b.documents, botUpload{chatID, doc.Name, caption})
	return b.msg(), nil
}

func (b *fakeBot) SendVideo(ctx context.Context, chatID int64, video Upload, thumb *Upload, durationSec int, caption string, replyTo int) (*models.Message, error) {
	if err := b.take(); err != nil {
		return nil, err
	}
	b.videos = append(b.videos, botUpload{chatID, video.Name, caption})
	return b.msg(), nil
}

func (b *fakeBot) SendVoice(ctx context.Context, chatID int64, voice Upload, durationSec int, caption string, replyTo int) (*models.Message, error) {
	if err := b.take(); err != nil {
		return nil, err
	}
	b.voices = append(b.voices, botUpload{chatID, voice.Name, caption})
	return b.msg(), nil
}

func (b *fakeBot) SendAnimation(ctx context.Context, chatID int64, anim Upload, caption string, replyTo int) (*models.Message, error) {
	if err := b.take(); err != nil {
		return nil, err
	}
	b.anims = append(b.anims, botUpload{chatID, anim.Name, caption})
	return b.msg(), nil
}

func (b *fakeBot) SendSticker(ctx context.Context, chatID int64, fileID string) (*models.Message, error) {
	if err := b.take(); err != nil {
		return nil, err
	}
	b.stickers = append(b.stickers, fileID)
	return b.msg(), nil
}

func (b *fakeBot) SendLocation(ctx context.Context, chatID int64, lat, lon float64) (*models.Message, error) {
	if err := b.take(); err != nil {
		return nil, err
	}
	b.locations = append(b.locations, botVenue{chatID: chatID, lat: lat, lon: lon})
	return b.msg(), nil
}

func (b *fakeBot) SendVenue(ctx context.Context, chatID int64, lat, lon float64, title, address string) (*models.Message, error) {
	if err := b.take(); err != nil {
		return nil, err
	}
	b.venues = append(b.venues, botVenue{chatID, lat, lon, title, address})
	return b.msg(), nil
}

func (b *fakeBot) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	b.deleted = append(b.deleted, botDelete{chatID, messageID})
	return nil
}

func (b *fakeBot) DownloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	return b.fileData, b.filePath, b.fileErr
}

func (b *fakeBot) SetChatTitle(ctx context.Context, chatID int64, title string) error {
	b.titles = append(b.titles, botTitle{chatID, title})
	return nil
}

func (b *fakeBot) SetChatPhoto(ctx context.Context, chatID int64, photo Upload) error {
	b.setPhotos = append(b.setPhotos, chatID)
	return nil
}

// fakeRegistry is a map-backed contact store.
type fakeRegistry struct {
	mu      sync.Mutex
	byWxid  map[string]*database.Contact
	deleted []string
	saveErr error
}

func newFakeRegistry(contacts ...*database.Contact) *fakeRegistry {
	r := &fakeRegistry{byWxid: make(map[string]*database.Contact)}
	for _, c := range contacts {
		r.byWxid[c.Wxid] = c
	}
	return r
}

func (r *fakeRegistry) Get(ctx context.Context, wxid string) (*database.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byWxid[wxid], nil
}

func (r *fakeRegistry) GetByChatID(ctx context.Context, chatID int64) (*database.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.byWxid {
		if c.ChatID == chatID {
			return c, nil
		}
	}
	return nil, nil
}

func (r *fakeRegistry) SearchByName(ctx context.Context, query string) ([]*database.Contact, error) {
	var out []*database.Contact
	for _, c := range r.byWxid {
		if c.WxName == query {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *fakeRegistry) Save(ctx context.Context, c *database.Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.byWxid[c.Wxid] = c
	return nil
}

func (r *fakeRegistry) Delete(ctx context.Context, wxid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, wxid)
	delete(r.byWxid, wxid)
	return nil
}

func (r *fakeRegistry) DeleteByChatID(ctx context.Context, chatID int64) error {
	for wxid, c := range r.byWxid {
		if c.ChatID == chatID {
			return r.Delete(ctx, wxid)
		}
	}
	return nil
}

func (r *fakeRegistry) UpdateByChatID(ctx context.Context, chatID int64, p database.ContactPatch) (*database.Contact, error) {
	c, _ := r.GetByChatID(ctx, chatID)
	if c == nil {
		return nil, nil
	}
	if p.ChatID != nil {
		c.ChatID = *p.ChatID
	}
	if p.WxName != nil {
		c.WxName = *p.WxName
	}
	if p.IsReceive != nil {
		c.IsReceive = *p.IsReceive
	}
	if p.ToggleReceive {
		c.IsReceive = !c.IsReceive
	}
	return c, nil
}

func (r *fakeRegistry) Export(ctx context.Context) ([]byte, error) {
	return []byte(`[]`), nil
}

func (r *fakeRegistry) Import(ctx context.Context, data []byte) (int, error) {
	return 0, nil
}

func (r *fakeRegistry) Stats(ctx context.Context) (*database.ContactStats, error) {
	return &database.ContactStats{Total: len(r.byWxid)}, nil
}

// fakeCorr is an in-memory correlation map.
type fakeCorr struct {
	mu       sync.Mutex
	records  []correlator.Record
	wxToTg   map[int64]int
	tgToWx   map[int]*correlator.Record
	telethon map[int]int
	byTele   map[int]*correlator.Record
}

func newFakeCorr() *fakeCorr {
	return &fakeCorr{
		wxToTg:   make(map[int64]int),
		tgToWx:   make(map[int]*correlator.Record),
		telethon: make(map[int]int),
		byTele:   make(map[int]*correlator.Record),
	}
}

func (c *fakeCorr) Put(rec correlator.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	c.wxToTg[rec.WxMsgID] = rec.TgMsgID
	r := rec
	c.tgToWx[rec.TgMsgID] = &r
	return nil
}

func (c *fakeCorr) SetTelethonID(tgMsgID, telethonMsgID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.telethon[tgMsgID] = telethonMsgID
	if rec, ok := c.tgToWx[tgMsgID]; ok {
		c.byTele[telethonMsgID] = rec
	}
	return nil
}

func (c *fakeCorr) TgToWx(tgMsgID int) (*correlator.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.tgToWx[tgMsgID]; ok {
		return rec, nil
	}
	return nil, fmt.Errorf("no record for tg msg %d", tgMsgID)
}

func (c *fakeCorr) WxToTg(wxMsgID int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.wxToTg[wxMsgID]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("no record for wx msg %d", wxMsgID)
}

func (c *fakeCorr) TelethonToWx(telethonMsgID int) (*correlator.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.byTele[telethonMsgID]; ok {
		return rec, nil
	}
	return nil, fmt.Errorf("no record for telethon msg %d", telethonMsgID)
}

// fakeMembers serves one canned chatroom roster.
type fakeMembers struct {
	info  *wechat.ChatroomInfo
	fresh bool
	puts  int
}

func (m *fakeMembers) Get(ctx context.Context, chatroomID string) (*wechat.ChatroomInfo, bool, error) {
	return m.info, m.fresh, nil
}

func (m *fakeMembers) Put(ctx context.Context, info *wechat.ChatroomInfo) error {
	m.info = info
	m.fresh = true
	m.puts++
	return nil
}

// fakeProvisioner hands out pre-built contacts.
type fakeProvisioner struct {
	contact *database.Contact
	err     error
	calls   int
}

func (p *fakeProvisioner) Provision(ctx context.Context, wxid string) (*database.Contact, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.contact, nil
}

// fakeSession covers the user-session surface.
type fakeSession struct {
	createdID   int64
	createErr   error
	created     []string
	photoChats  []int64
	folders     map[int64]string
	deleted     map[int64][]int
	recent      []telegram.OwnMessage
	recentErr   error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		createdID: -4200,
		folders:   make(map[int64]string),
		deleted:   make(map[int64][]int),
	}
}

func (s *fakeSession) CreateMirrorGroup(title, botUsername string) (int64, error) {
	if s.createErr != nil {
		return 0, s.createErr
	}
	s.created = append(s.created, title)
	return s.createdID, nil
}

func (s *fakeSession) SetGroupPhoto(botChatID int64, avatar []byte) error {
	s.photoChats = append(s.photoChats, botChatID)
	return nil
}

func (s *fakeSession) MoveToFolder(botChatID int64, folderTitle string) error {
	s.folders[botChatID] = folderTitle
	return nil
}

func (s *fakeSession) DeleteMessages(botChatID int64, ids []int) error {
	s.deleted[botChatID] = append(s.deleted[botChatID], ids...)
	return nil
}

func (s *fakeSession) RecentOwnMessages(botChatID int64, limit int) ([]telegram.OwnMessage, error) {
	return s.recent, s.recentErr
}

// fakeStickers is a map-backed sticker index.
type fakeStickers struct {
	byID map[string]*database.StickerRecord
	puts int
}

func newFakeStickers() *fakeStickers {
	return &fakeStickers{byID: make(map[string]*database.StickerRecord)}
}

func (s *fakeStickers) Get(ctx context.Context, fileUniqueID string) (*database.StickerRecord, error) {
	return s.byID[fileUniqueID], nil
}

func (s *fakeStickers) Put(ctx context.Context, r *database.StickerRecord) error {
	s.byID[r.FileUniqueID] = r
	s.puts++
	return nil
}
