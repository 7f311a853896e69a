package database

import (
	"context"
	"database/sql"
	"fmt"
)

// StickerRecord maps a Telegram sticker to a WeChat emoji already known to
// the gateway, so repeat sends skip conversion and upload.
type StickerRecord struct {
	FileUniqueID string
	EmojiMD5     string
	EmojiLen     int64
}

// StickerStore provides lookups on the sticker index.
type StickerStore struct {
	db *sql.DB
}

// Get looks up a sticker by its Telegram file_unique_id. Returns (nil, nil)
// when the sticker has not been sent before.
func (s *StickerStore) Get(ctx context.Context, fileUniqueID string) (*StickerRecord, error) {
	r := &StickerRecord{}
	err := s.db.QueryRowContext(ctx, `
		SELECT file_unique_id, emoji_md5, emoji_len FROM sticker_index WHERE file_unique_id = $1
	`, fileUniqueID).Scan(&r.FileUniqueID, &r.EmojiMD5, &r.EmojiLen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sticker: %w", err)
	}
	return r, nil
}

// Put records a successfully uploaded sticker.
func (s *StickerStore) Put(ctx context.Context, r *StickerRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sticker_index (file_unique_id, emoji_md5, emoji_len)
		VALUES ($1, $2, $3)
		ON CONFLICT (file_unique_id) DO UPDATE SET
			emoji_md5 = EXCLUDED.emoji_md5,
			emoji_len = EXCLUDED.emoji_len
	`, r.FileUniqueID, r.EmojiMD5, r.EmojiLen)
	if err != nil {
		return fmt.Errorf("put sticker: %w", err)
	}
	return nil
}
