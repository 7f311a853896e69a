package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/wegram/wegram/pkg/wechat"
)

func memberRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"chatroom_id", "server_version", "member_count", "members", "fetched_at",
	})
}

func TestGroupMemberGetFresh(t *testing.T) {
	d, mock := newMockDB(t)
	members := `[{"UserName":"wxid_a","NickName":"Alice","DisplayName":"小A"}]`
	mock.ExpectQuery(`SELECT .+ FROM group_members WHERE chatroom_id = \$1`).
		WithArgs("123@chatroom").
		WillReturnRows(memberRows().
			AddRow("123@chatroom", int64(7), 1, []byte(members), time.Now().Add(-time.Hour)))

	info, fresh, err := d.GroupMember.Get(context.Background(), "123@chatroom")
	if err != nil {
		t.Fatal(err)
	}
	if !fresh {
		t.Error("one hour old listing must still be fresh")
	}
	if info.ServerVersion != 7 || len(info.Members) != 1 {
		t.Errorf("info = %+v", info)
	}
	if info.DisplayNameOf("wxid_a") != "小A" {
		t.Error("decoded members must resolve names")
	}
}

func TestGroupMemberGetStale(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT .+ FROM group_members`).
		WithArgs("123@chatroom").
		WillReturnRows(memberRows().
			AddRow("123@chatroom", int64(7), 0, []byte(`[]`), time.Now().Add(-3*time.Hour)))

	_, fresh, err := d.GroupMember.Get(context.Background(), "123@chatroom")
	if err != nil {
		t.Fatal(err)
	}
	if fresh {
		t.Error("three hour old listing must be stale")
	}

	mock.ExpectQuery(`SELECT .+ FROM group_members`).
		WithArgs("missing@chatroom").
		WillReturnRows(memberRows())
	info, fresh, err := d.GroupMember.Get(context.Background(), "missing@chatroom")
	if err != nil || info != nil || fresh {
		t.Errorf("absent listing: %v %v %v", info, fresh, err)
	}
}

func TestGroupMemberPut(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectExec(`INSERT INTO group_members .*ON CONFLICT \(chatroom_id\) DO UPDATE`).
		WithArgs("123@chatroom", int64(8), 2, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := d.GroupMember.Put(context.Background(), &wechat.ChatroomInfo{
		ChatroomID:    "123@chatroom",
		ServerVersion: 8,
		MemberCount:   2,
		Members: []wechat.ChatroomMember{
			{UserName: "wxid_a"}, {UserName: "wxid_b"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestStickerStore(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT .+ FROM sticker_index WHERE file_unique_id = \$1`).
		WithArgs("AQAD123").
		WillReturnRows(sqlmock.NewRows([]string{"file_unique_id", "emoji_md5", "emoji_len"}).
			AddRow("AQAD123", "ffeedd", int64(40960)))

	r, err := d.Sticker.Get(context.Background(), "AQAD123")
	if err != nil {
		t.Fatal(err)
	}
	if r.EmojiMD5 != "ffeedd" || r.EmojiLen != 40960 {
		t.Errorf("record = %+v", r)
	}

	mock.ExpectQuery(`SELECT .+ FROM sticker_index`).
		WithArgs("unknown").
		WillReturnRows(sqlmock.NewRows([]string{"file_unique_id", "emoji_md5", "emoji_len"}))
	r, err = d.Sticker.Get(context.Background(), "unknown")
	if err != nil || r != nil {
		t.Errorf("absent sticker: %v %v", r, err)
	}
}

func TestMomentAnchor(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT last_create_time FROM moment_anchor`).
		WillReturnRows(sqlmock.NewRows([]string{"last_create_time"}))
	at, err := d.Moment.Anchor(context.Background())
	if err != nil || at != 0 {
		t.Errorf("empty anchor: %d %v", at, err)
	}

	mock.ExpectExec(`INSERT INTO moment_anchor`).
		WithArgs(int64(1718000000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := d.Moment.SetAnchor(context.Background(), 1718000000); err != nil {
		t.Fatal(err)
	}
}

func TestWarningSeen(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectExec(`INSERT INTO weather_warnings`).
		WithArgs("w-2026-08-24-01").
		WillReturnResult(sqlmock.NewResult(0, 1))
	seen, err := d.Warning.Seen(context.Background(), "w-2026-08-24-01")
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Error("first insert must report unseen")
	}

	mock.ExpectExec(`INSERT INTO weather_warnings`).
		WithArgs("w-2026-08-24-01").
		WillReturnResult(sqlmock.NewResult(0, 0))
	seen, err = d.Warning.Seen(context.Background(), "w-2026-08-24-01")
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Error("conflict must report seen")
	}
}
