package correlator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestCorrelator(t *testing.T) *Correlator {
	t.Helper()
	c, err := New(t.TempDir(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestPutAndLookups(t *testing.T) {
	c := newTestCorrelator(t)
	rec := Record{
		TgMsgID:     101,
		FromWxid:    "wxid_friend",
		ToWxid:      "wxid_me",
		WxMsgID:     8243920395829384756,
		ClientMsgID: 555,
		CreateTime:  1718000000,
		Content:     "hello",
	}
	if err := c.Put(rec); err != nil {
		t.Fatal(err)
	}

	got, err := c.TgToWx(101)
	if err != nil {
		t.Fatal(err)
	}
	if got.WxMsgID != rec.WxMsgID || got.ClientMsgID != 555 {
		t.Errorf("record = %+v", got)
	}

	tgID, err := c.WxToTg(8243920395829384756)
	if err != nil {
		t.Fatal(err)
	}
	if tgID != 101 {
		t.Errorf("tg id = %d", tgID)
	}

	if _, err := c.TgToWx(999); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
	if _, err := c.WxToTg(1); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestPutUpsertsByTgID(t *testing.T) {
	c := newTestCorrelator(t)
	if err := c.Put(Record{TgMsgID: 7, WxMsgID: 1, FromWxid: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Put(Record{TgMsgID: 7, WxMsgID: 2, FromWxid: "a"}); err != nil {
		t.Fatal(err)
	}
	got, err := c.TgToWx(7)
	if err != nil {
		t.Fatal(err)
	}
	if got.WxMsgID != 2 {
		t.Errorf("wx id = %d, want updated value", got.WxMsgID)
	}
	// only one record may exist for the key
	ids, err := c.ByFromWxid("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Errorf("ids = %v", ids)
	}
}

func TestTelethonCapture(t *testing.T) {
	c := newTestCorrelator(t)
	if err := c.Put(Record{TgMsgID: 42, WxMsgID: 9, TelethonMsgID: 1042}); err != nil {
		t.Fatal(err)
	}
	got, err := c.TelethonToWx(1042)
	if err != nil {
		t.Fatal(err)
	}
	if got.TgMsgID != 42 {
		t.Errorf("record = %+v", got)
	}

	// zero telethon ids never match
	if err := c.Put(Record{TgMsgID: 43, WxMsgID: 10}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.TelethonToWx(0); !errors.Is(err, ErrNotFound) {
		t.Errorf("zero id lookup: %v", err)
	}

	// upsert without a telethon id keeps the captured one
	if err := c.Put(Record{TgMsgID: 42, WxMsgID: 9, Content: "edited"}); err != nil {
		t.Fatal(err)
	}
	got, err = c.TelethonToWx(1042)
	if err != nil {
		t.Fatalf("telethon id lost on upsert: %v", err)
	}
	if got.Content != "edited" {
		t.Errorf("content = %q", got.Content)
	}

	if err := c.SetTelethonID(43, 1043); err != nil {
		t.Fatal(err)
	}
	if _, err := c.TelethonToWx(1043); err != nil {
		t.Error(err)
	}
	if err := c.SetTelethonID(999, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown tg id: %v", err)
	}
}

func TestLookbackWindow(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatal(err)
	}

	writeShard := func(daysAgo int, records []Record) {
		day := time.Now().UTC().AddDate(0, 0, -daysAgo).Format("2006-01-02")
		data, _ := json.Marshal(records)
		if err := os.WriteFile(filepath.Join(dir, day+".json"), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	writeShard(1, []Record{{TgMsgID: 201, WxMsgID: 21, FromWxid: "wxid_old"}})
	writeShard(2, []Record{{TgMsgID: 202, WxMsgID: 22, FromWxid: "wxid_old"}})
	writeShard(3, []Record{{TgMsgID: 203, WxMsgID: 23, FromWxid: "wxid_old"}})

	if _, err := c.TgToWx(201); err != nil {
		t.Errorf("yesterday: %v", err)
	}
	if _, err := c.TgToWx(202); err != nil {
		t.Errorf("two days ago: %v", err)
	}
	if _, err := c.TgToWx(203); !errors.Is(err, ErrNotFound) {
		t.Errorf("three days ago must be outside the window: %v", err)
	}

	ids, err := c.ByFromWxid("wxid_old")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("ids in window = %v", ids)
	}
}

func TestShardPersistence(t *testing.T) {
	dir := t.TempDir()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	c, err := New(dir, log)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Put(Record{TgMsgID: 1, WxMsgID: 100}); err != nil {
		t.Fatal(err)
	}

	// a fresh instance over the same directory sees the record
	c2, err := New(dir, log)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c2.TgToWx(1); err != nil {
		t.Errorf("reload: %v", err)
	}

	day := time.Now().UTC().Format("2006-01-02")
	if _, err := os.Stat(filepath.Join(dir, day+".json")); err != nil {
		t.Errorf("shard file: %v", err)
	}
}

func TestLockContention(t *testing.T) {
	dir := t.TempDir()
	lock := filepath.Join(dir, "x.lock")
	unlock, err := acquireLock(lock)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if _, err := acquireLock(lock); err == nil {
		t.Fatal("second acquire must fail while held")
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Errorf("retries too fast: %v", elapsed)
	}

	unlock()
	unlock2, err := acquireLock(lock)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	unlock2()
}
