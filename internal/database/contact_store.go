package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UnboundChatID marks a contact that is known but has no Telegram mirror
// group yet.
const UnboundChatID int64 = -9999999999

// Contact is one WeChat conversation and its Telegram binding.
type Contact struct {
	Wxid       string
	ChatID     int64
	IsGroup    bool
	IsReceive  bool
	AvatarLink string
	WxName     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Bound reports whether the contact has a mirror group.
func (c *Contact) Bound() bool { return c.ChatID != UnboundChatID }

// ContactStore provides CRUD operations for contacts.
type ContactStore struct {
	db *sql.DB
}

const contactColumns = `wxid, chat_id, is_group, is_receive, avatar_link, wx_name, created_at, updated_at`

func scanContact(scanner interface{ Scan(...interface{}) error }, c *Contact) error {
	return scanner.Scan(
		&c.Wxid, &c.ChatID, &c.IsGroup, &c.IsReceive,
		&c.AvatarLink, &c.WxName, &c.CreatedAt, &c.UpdatedAt,
	)
}

// Get looks up a contact by wxid. Returns (nil, nil) when absent.
func (s *ContactStore) Get(ctx context.Context, wxid string) (*Contact, error) {
	c := &Contact{}
	err := scanContact(s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE wxid = $1`, wxid), c)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return c, nil
}

// GetByChatID looks up the contact bound to a Telegram chat. Returns
// (nil, nil) when absent.
func (s *ContactStore) GetByChatID(ctx context.Context, chatID int64) (*Contact, error) {
	c := &Contact{}
	err := scanContact(s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE chat_id = $1`, chatID), c)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contact by chat id: %w", err)
	}
	return c, nil
}

// SearchByName finds contacts whose stored name contains the query,
// case-insensitively.
func (s *ContactStore) SearchByName(ctx context.Context, query string) ([]*Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE wx_name ILIKE '%' || $1 || '%' ORDER BY wx_name`,
		query)
	if err != nil {
		return nil, fmt.Errorf("search contacts: %w", err)
	}
	defer rows.Close()

	var out []*Contact
	for rows.Next() {
		c := &Contact{}
		if err := scanContact(rows, c); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Save upserts a contact keyed by wxid.
func (s *ContactStore) Save(ctx context.Context, c *Contact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (wxid, chat_id, is_group, is_receive, avatar_link, wx_name)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (wxid) DO UPDATE SET
			chat_id = EXCLUDED.chat_id,
			is_group = EXCLUDED.is_group,
			is_receive = EXCLUDED.is_receive,
			avatar_link = EXCLUDED.avatar_link,
			wx_name = EXCLUDED.wx_name,
			updated_at = NOW()
	`, c.Wxid, c.ChatID, c.IsGroup, c.IsReceive, c.AvatarLink, c.WxName)
	if err != nil {
		return fmt.Errorf("save contact: %w", err)
	}
	return nil
}

// Delete removes a contact by wxid.
func (s *ContactStore) Delete(ctx context.Context, wxid string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM contacts WHERE wxid = $1`, wxid)
	if err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	return nil
}

// DeleteByChatID removes the contact bound to a Telegram chat.
func (s *ContactStore) DeleteByChatID(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM contacts WHERE chat_id = $1`, chatID)
	if err != nil {
		return fmt.Errorf("delete contact by chat id: %w", err)
	}
	return nil
}

// ContactPatch is a partial update; nil fields are left untouched.
// ToggleReceive flips is_receive in place and wins over IsReceive.
type ContactPatch struct {
	ChatID        *int64
	WxName        *string
	AvatarLink    *string
	IsReceive     *bool
	ToggleReceive bool
}

// UpdateByChatID applies a partial update to the contact bound to a Telegram
// chat and returns the updated row. Returns (nil, nil) when no contact is
// bound to the chat.
func (s *ContactStore) UpdateByChatID(ctx context.Context, chatID int64, p ContactPatch) (*Contact, error) {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{chatID}
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if p.ChatID != nil {
		sets = append(sets, "chat_id = "+arg(*p.ChatID))
	}
	if p.WxName != nil {
		sets = append(sets, "wx_name = "+arg(*p.WxName))
	}
	if p.AvatarLink != nil {
		sets = append(sets, "avatar_link = "+arg(*p.AvatarLink))
	}
	if p.ToggleReceive {
		sets = append(sets, "is_receive = NOT is_receive")
	} else if p.IsReceive != nil {
		sets = append(sets, "is_receive = "+arg(*p.IsReceive))
	}

	c := &Contact{}
	err := scanContact(s.db.QueryRowContext(ctx,
		`UPDATE contacts SET `+strings.Join(sets, ", ")+` WHERE chat_id = $1 RETURNING `+contactColumns,
		args...), c)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("update contact by chat id: %w", err)
	}
	return c, nil
}

// contactJSON is the import/export wire shape.
type contactJSON struct {
	WxID       string `json:"wxId"`
	ChatID     int64  `json:"chatId"`
	IsGroup    bool   `json:"isGroup"`
	IsReceive  bool   `json:"isReceive"`
	AvatarLink string `json:"avatarLink"`
	WxName     string `json:"wxName"`
}

// Export serializes all contacts as a JSON array.
func (s *ContactStore) Export(ctx context.Context) ([]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts ORDER BY wxid`)
	if err != nil {
		return nil, fmt.Errorf("export contacts: %w", err)
	}
	defer rows.Close()

	out := []contactJSON{}
	for rows.Next() {
		c := &Contact{}
		if err := scanContact(rows, c); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, contactJSON{
			WxID: c.Wxid, ChatID: c.ChatID, IsGroup: c.IsGroup,
			IsReceive: c.IsReceive, AvatarLink: c.AvatarLink, WxName: c.WxName,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return json.MarshalIndent(out, "", "  ")
}

// Import upserts contacts from a JSON array previously produced by Export.
// Returns the number of rows applied.
func (s *ContactStore) Import(ctx context.Context, data []byte) (int, error) {
	var in []contactJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return 0, fmt.Errorf("parse contacts json: %w", err)
	}
	n := 0
	for i := range in {
		j := &in[i]
		if j.WxID == "" {
			continue
		}
		err := s.Save(ctx, &Contact{
			Wxid: j.WxID, ChatID: j.ChatID, IsGroup: j.IsGroup,
			IsReceive: j.IsReceive, AvatarLink: j.AvatarLink, WxName: j.WxName,
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// ContactStats summarizes the registry for the /friend command.
type ContactStats struct {
	Total     int
	Groups    int
	Personal  int
	Bound     int
	Receiving int
}

// Stats counts the registry in one query.
func (s *ContactStore) Stats(ctx context.Context) (*ContactStats, error) {
	st := &ContactStats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE is_group),
			COUNT(*) FILTER (WHERE NOT is_group),
			COUNT(*) FILTER (WHERE chat_id <> $1),
			COUNT(*) FILTER (WHERE is_receive)
		FROM contacts
	`, UnboundChatID).Scan(&st.Total, &st.Groups, &st.Personal, &st.Bound, &st.Receiving)
	if err != nil {
		return nil, fmt.Errorf("contact stats: %w", err)
	}
	return st, nil
}
