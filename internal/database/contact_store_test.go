package database

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockDB(t *testing.T) (*Database, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return wrap(db), mock
}

func contactRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"wxid", "chat_id", "is_group", "is_receive",
		"avatar_link", "wx_name", "created_at", "updated_at",
	})
}

func TestContactGet(t *testing.T) {
	d, mock := newMockDB(t)
	now := time.Now()
	mock.ExpectQuery(`SELECT .+ FROM contacts WHERE wxid = \$1`).
		WithArgs("wxid_friend").
		WillReturnRows(contactRows().
			AddRow("wxid_friend", int64(-100200), false, true, "http://a", "朋友", now, now))

	c, err := d.Contact.Get(context.Background(), "wxid_friend")
	if err != nil {
		t.Fatal(err)
	}
	if c.ChatID != -100200 || c.WxName != "朋友" {
		t.Errorf("contact = %+v", c)
	}
	if !c.Bound() {
		t.Error("bound")
	}

	mock.ExpectQuery(`SELECT .+ FROM contacts WHERE wxid = \$1`).
		WithArgs("wxid_missing").
		WillReturnRows(contactRows())
	c, err = d.Contact.Get(context.Background(), "wxid_missing")
	if err != nil || c != nil {
		t.Errorf("absent contact: %v %v", c, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestContactBoundSentinel(t *testing.T) {
	c := Contact{ChatID: UnboundChatID}
	if c.Bound() {
		t.Error("sentinel chat id must read as unbound")
	}
}

func TestContactSaveUpsert(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectExec(`INSERT INTO contacts .*ON CONFLICT \(wxid\) DO UPDATE`).
		WithArgs("wxid_x", int64(-1), true, true, "", "群").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := d.Contact.Save(context.Background(), &Contact{
		Wxid: "wxid_x", ChatID: -1, IsGroup: true, IsReceive: true, WxName: "群",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestContactUpdateByChatIDToggle(t *testing.T) {
	d, mock := newMockDB(t)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(
		`UPDATE contacts SET updated_at = NOW(), is_receive = NOT is_receive WHERE chat_id = $1 RETURNING `+contactColumns)).
		WithArgs(int64(-55)).
		WillReturnRows(contactRows().
			AddRow("wxid_y", int64(-55), false, false, "", "y", now, now))

	c, err := d.Contact.UpdateByChatID(context.Background(), -55, ContactPatch{ToggleReceive: true})
	if err != nil {
		t.Fatal(err)
	}
	if c.IsReceive {
		t.Error("toggle must return flipped value")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestContactUpdateByChatIDFields(t *testing.T) {
	d, mock := newMockDB(t)
	now := time.Now()
	name := "新备注"
	mock.ExpectQuery(regexp.QuoteMeta(
		`UPDATE contacts SET updated_at = NOW(), wx_name = $2 WHERE chat_id = $1 RETURNING `+contactColumns)).
		WithArgs(int64(-55), name).
		WillReturnRows(contactRows().
			AddRow("wxid_y", int64(-55), false, true, "", name, now, now))

	c, err := d.Contact.UpdateByChatID(context.Background(), -55, ContactPatch{WxName: &name})
	if err != nil {
		t.Fatal(err)
	}
	if c.WxName != name {
		t.Errorf("name = %q", c.WxName)
	}

	// unknown chat id
	mock.ExpectQuery(`UPDATE contacts SET`).
		WithArgs(int64(-99), name).
		WillReturnRows(contactRows())
	c, err = d.Contact.UpdateByChatID(context.Background(), -99, ContactPatch{WxName: &name})
	if err != nil || c != nil {
		t.Errorf("unbound chat: %v %v", c, err)
	}
}

func TestContactStats(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\),`).
		WithArgs(UnboundChatID).
		WillReturnRows(sqlmock.NewRows([]string{"c1", "c2", "c3", "c4", "c5"}).
			AddRow(10, 3, 7, 8, 9))

	st, err := d.Contact.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 10 || st.Groups != 3 || st.Personal != 7 || st.Bound != 8 || st.Receiving != 9 {
		t.Errorf("stats = %+v", st)
	}
}

func TestContactExportImport(t *testing.T) {
	d, mock := newMockDB(t)
	now := time.Now()
	mock.ExpectQuery(`SELECT .+ FROM contacts ORDER BY wxid`).
		WillReturnRows(contactRows().
			AddRow("wxid_a", int64(-7), false, true, "http://a", "甲", now, now))

	data, err := d.Contact.Export(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var rawList []map[string]interface{}
	if err := json.Unmarshal(data, &rawList); err != nil {
		t.Fatal(err)
	}
	if len(rawList) != 1 {
		t.Fatalf("exported %d rows", len(rawList))
	}
	for _, key := range []string{"wxId", "chatId", "isGroup", "isReceive", "avatarLink", "wxName"} {
		if _, ok := rawList[0][key]; !ok {
			t.Errorf("export missing %q", key)
		}
	}

	mock.ExpectExec(`INSERT INTO contacts`).
		WithArgs("wxid_a", int64(-7), false, true, "http://a", "甲").
		WillReturnResult(sqlmock.NewResult(0, 1))
	n, err := d.Contact.Import(context.Background(), data)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("imported %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestContactImportSkipsEmptyWxid(t *testing.T) {
	d, _ := newMockDB(t)
	n, err := d.Contact.Import(context.Background(), []byte(`[{"wxId":"","chatId":1}]`))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("imported %d", n)
	}
}
