package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wegram/wegram/pkg/wechat"
)

// memberCacheTTL bounds how long a cached member listing is trusted before
// the gateway is asked again.
const memberCacheTTL = 2 * time.Hour

// GroupMemberStore caches chatroom member listings.
type GroupMemberStore struct {
	db *sql.DB
}

// Get returns the cached listing for a chatroom and whether it is still
// fresh. Returns (nil, false, nil) when absent.
func (s *GroupMemberStore) Get(ctx context.Context, chatroomID string) (*wechat.ChatroomInfo, bool, error) {
	var (
		info      wechat.ChatroomInfo
		raw       []byte
		fetchedAt time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT chatroom_id, server_version, member_count, members, fetched_at
		FROM group_members WHERE chatroom_id = $1
	`, chatroomID).Scan(&info.ChatroomID, &info.ServerVersion, &info.MemberCount, &raw, &fetchedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get group members: %w", err)
	}
	if err := json.Unmarshal(raw, &info.Members); err != nil {
		return nil, false, fmt.Errorf("decode cached members: %w", err)
	}
	return &info, time.Since(fetchedAt) < memberCacheTTL, nil
}

// Put upserts the listing for a chatroom and stamps it fresh.
func (s *GroupMemberStore) Put(ctx context.Context, info *wechat.ChatroomInfo) error {
	raw, err := json.Marshal(info.Members)
	if err != nil {
		return fmt.Errorf("encode members: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO group_members (chatroom_id, server_version, member_count, members, fetched_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (chatroom_id) DO UPDATE SET
			server_version = EXCLUDED.server_version,
			member_count = EXCLUDED.member_count,
			members = EXCLUDED.members,
			fetched_at = NOW()
	`, info.ChatroomID, info.ServerVersion, info.MemberCount, raw)
	if err != nil {
		return fmt.Errorf("put group members: %w", err)
	}
	return nil
}

// Delete drops the cached listing for a chatroom.
func (s *GroupMemberStore) Delete(ctx context.Context, chatroomID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM group_members WHERE chatroom_id = $1`, chatroomID)
	if err != nil {
		return fmt.Errorf("delete group members: %w", err)
	}
	return nil
}
