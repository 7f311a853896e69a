// Package correlator maintains the bidirectional index between Telegram
// message ids and WeChat message ids, sharded into one JSON file per UTC day.
package correlator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNotFound is returned when no record exists for a lookup key within the
// window.
var ErrNotFound = errors.New("correlator: record not found")

// lookbackDays is how many daily shards a lookup walks, current day included.
const lookbackDays = 3

// Record links one bridged message across both networks. The revocation
// endpoint needs the (ClientMsgID, CreateTime, WxMsgID, ToWxid) quadruple.
type Record struct {
	TgMsgID       int    `json:"tg_msg_id"`
	TelethonMsgID int    `json:"telethon_msg_id,omitempty"`
	FromWxid      string `json:"from_wxid"`
	ToWxid        string `json:"to_wxid"`
	WxMsgID       int64  `json:"wx_msg_id"`
	ClientMsgID   int64  `json:"client_msg_id"`
	CreateTime    int64  `json:"create_time"`
	// Content keeps the first text line for quote fallbacks.
	Content string `json:"content,omitempty"`
}

// Correlator stores records in daily JSON shards under dir. The current UTC
// day is also held in memory; writes go to both synchronously.
type Correlator struct {
	dir string
	log *slog.Logger

	mu       sync.Mutex
	cacheDay string
	cache    []Record

	// now is swappable in tests
	now func() time.Time
}

// New creates the shard directory if needed and loads the current day into
// memory.
func New(dir string, log *slog.Logger) (*Correlator, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create msgid dir: %w", err)
	}
	c := &Correlator{
		dir: dir,
		log: log.With("component", "correlator"),
		now: time.Now,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.rollCacheLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Correlator) day(offset int) string {
	return c.now().UTC().AddDate(0, 0, -offset).Format("2006-01-02")
}

func (c *Correlator) shardPath(day string) string {
	return filepath.Join(c.dir, day+".json")
}

// rollCacheLocked reloads the in-memory shard when the UTC day has changed.
func (c *Correlator) rollCacheLocked() error {
	day := c.day(0)
	if day == c.cacheDay {
		return nil
	}
	records, err := c.readShard(day)
	if err != nil {
		return err
	}
	c.cacheDay = day
	c.cache = records
	return nil
}

func (c *Correlator) readShard(day string) ([]Record, error) {
	data, err := os.ReadFile(c.shardPath(day))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read shard %s: %w", day, err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode shard %s: %w", day, err)
	}
	return records, nil
}

// Put inserts or updates a record. A record with the same TgMsgID already in
// today's shard is replaced in place.
func (c *Correlator) Put(rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.rollCacheLocked(); err != nil {
		return err
	}

	replaced := false
	for i := range c.cache {
		if c.cache[i].TgMsgID == rec.TgMsgID {
			// keep a telethon id captured earlier unless the update carries one
			if rec.TelethonMsgID == 0 {
				rec.TelethonMsgID = c.cache[i].TelethonMsgID
			}
			c.cache[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		c.cache = append(c.cache, rec)
	}
	return c.writeShardLocked()
}

// SetTelethonID attaches a user-session message id to an existing record.
func (c *Correlator) SetTelethonID(tgMsgID, telethonMsgID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.rollCacheLocked(); err != nil {
		return err
	}
	for i := range c.cache {
		if c.cache[i].TgMsgID == tgMsgID {
			c.cache[i].TelethonMsgID = telethonMsgID
			return c.writeShardLocked()
		}
	}
	return ErrNotFound
}

// writeShardLocked persists today's cache under the shard lock file.
func (c *Correlator) writeShardLocked() error {
	path := c.shardPath(c.cacheDay)
	unlock, err := acquireLock(path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()

	data, err := json.Marshal(c.cache)
	if err != nil {
		return fmt.Errorf("encode shard: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write shard: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace shard: %w", err)
	}
	return nil
}

// walk visits records of the current day from cache, then older shards from
// disk, newest first, until match returns true.
func (c *Correlator) walk(match func(*Record) bool) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.rollCacheLocked(); err != nil {
		return nil, err
	}
	for i := range c.cache {
		if match(&c.cache[i]) {
			rec := c.cache[i]
			return &rec, nil
		}
	}
	for offset := 1; offset < lookbackDays; offset++ {
		records, err := c.readShard(c.day(offset))
		if err != nil {
			c.log.Warn("skipping unreadable shard", "day", c.day(offset), "error", err)
			continue
		}
		for i := range records {
			if match(&records[i]) {
				rec := records[i]
				return &rec, nil
			}
		}
	}
	return nil, ErrNotFound
}

// TgToWx resolves a bot-API message id to the full record.
func (c *Correlator) TgToWx(tgMsgID int) (*Record, error) {
	return c.walk(func(r *Record) bool { return r.TgMsgID == tgMsgID })
}

// WxToTg resolves a gateway NewMsgId to the Telegram message id.
func (c *Correlator) WxToTg(wxMsgID int64) (int, error) {
	rec, err := c.walk(func(r *Record) bool { return r.WxMsgID == wxMsgID })
	if err != nil {
		return 0, err
	}
	return rec.TgMsgID, nil
}

// TelethonToWx resolves a user-session message id to the full record.
func (c *Correlator) TelethonToWx(telethonMsgID int) (*Record, error) {
	return c.walk(func(r *Record) bool {
		return r.TelethonMsgID != 0 && r.TelethonMsgID == telethonMsgID
	})
}

// ByFromWxid returns every Telegram message id in the window whose record
// originated from the given wxid.
func (c *Correlator) ByFromWxid(wxid string) ([]int, error) {
	var out []int
	seen := map[int]bool{}
	collect := func(records []Record) {
		for i := range records {
			if records[i].FromWxid == wxid && !seen[records[i].TgMsgID] {
				seen[records[i].TgMsgID] = true
				out = append(out, records[i].TgMsgID)
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.rollCacheLocked(); err != nil {
		return nil, err
	}
	collect(c.cache)
	for offset := 1; offset < lookbackDays; offset++ {
		records, err := c.readShard(c.day(offset))
		if err != nil {
			continue
		}
		collect(records)
	}
	return out, nil
}
