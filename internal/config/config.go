package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for wegram. Values come from an optional
// YAML file first, then environment variables override field by field, then
// Validate applies defaults and required-field checks. The environment is
// authoritative so deployments can run without any file at all.
type Config struct {
	WeChat   WeChatConfig   `yaml:"wechat"`
	Telegram TelegramConfig `yaml:"telegram"`
	Ingress  IngressConfig  `yaml:"ingress"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Database DatabaseConfig `yaml:"database"`
	Media    MediaConfig    `yaml:"media"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// WeChatConfig contains the protocol-gateway connection and identity.
type WeChatConfig struct {
	Wxid        string `yaml:"wxid"`
	PushWxid    string `yaml:"push_wxid"`
	DeviceID    string `yaml:"device_id"`
	DeviceModel string `yaml:"device_model"`
	BaseURL     string `yaml:"base_url"`
	// Minimum interval between outbound gateway sends.
	SendIntervalMs int `yaml:"send_interval_ms"`
}

// TelegramConfig contains Bot API and user-session settings.
type TelegramConfig struct {
	BotToken    string `yaml:"bot_token"`
	APIID       int    `yaml:"api_id"`
	APIHash     string `yaml:"api_hash"`
	PhoneNumber string `yaml:"phone_number"`
	// Mode is "polling" or "webhook".
	Mode          string `yaml:"mode"`
	WebhookDomain string `yaml:"webhook_domain"`
	WebhookPort   int    `yaml:"webhook_port"`
	SSLCertName   string `yaml:"ssl_cert_name"`
	SSLKeyName    string `yaml:"ssl_key_name"`
	SessionFile   string `yaml:"session_file"`
	// Dialog folders that mirror groups are filed into, matched by title.
	ChatFolder     string `yaml:"chat_folder"`
	OfficialFolder string `yaml:"official_folder"`
}

// IngressConfig selects and tunes the inbound message source.
type IngressConfig struct {
	// Mode is "callback", "queue" or "ws".
	Mode          string `yaml:"mode"`
	CallbackPort  int    `yaml:"callback_port"`
	RabbitURL     string `yaml:"rabbitmq_url"`
	WsURL         string `yaml:"ws_url"`
	DedupCapacity int    `yaml:"dedup_capacity"`
}

// BridgeConfig contains routing policy.
type BridgeConfig struct {
	AutoCreateGroups bool     `yaml:"auto_create_groups"`
	EnableBlacklist  bool     `yaml:"enable_blacklist"`
	Blacklist        []string `yaml:"blacklist"`
	// Lang selects the locale string table: "zh" or "ja".
	Lang string `yaml:"lang"`
	// MsgIDDir holds the daily message-id correlation shards.
	MsgIDDir string `yaml:"msgid_dir"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	URI          string `yaml:"uri"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// MediaConfig controls media processing.
type MediaConfig struct {
	// MaxRatio is the aspect-ratio cutoff above which images go out as
	// documents instead of photos.
	MaxRatio float64 `yaml:"max_ratio"`
	// MaxSizeMB is the size cutoff for the same decision.
	MaxSizeMB   int    `yaml:"max_size_mb"`
	CacheDir    string `yaml:"cache_dir"`
	FFmpegPath  string `yaml:"ffmpeg_path"`
	SilkDecoder string `yaml:"silk_decoder_path"`
	SilkEncoder string `yaml:"silk_encoder_path"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	MinLevel   string `yaml:"min_level"`
	Filename   string `yaml:"filename"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Ingress modes.
const (
	ModeCallback = "callback"
	ModeQueue    = "queue"
	ModeWs       = "ws"
)

// Telegram update modes.
const (
	TgPolling = "polling"
	TgWebhook = "webhook"
)

// Load builds the configuration: optional YAML file, environment overrides,
// then validation. path may be empty.
func Load(path string) (*Config, error) {
	// True-by-default booleans are seeded before the file and environment are
	// applied, so an explicit false from either source survives.
	cfg := &Config{
		Bridge: BridgeConfig{AutoCreateGroups: true, EnableBlacklist: true},
		Metrics: MetricsConfig{Enabled: true},
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		data = []byte(os.ExpandEnv(string(data)))
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envStr(&c.WeChat.Wxid, "MY_WXID")
	envStr(&c.WeChat.PushWxid, "PUSH_WXID")
	envStr(&c.WeChat.DeviceID, "DEVICE_ID")
	envStr(&c.WeChat.DeviceModel, "DEVICE_MODEL")
	envStr(&c.WeChat.BaseURL, "BASE_URL")

	envStr(&c.Telegram.BotToken, "BOT_TOKEN")
	if err := envInt(&c.Telegram.APIID, "API_ID"); err != nil {
		return err
	}
	envStr(&c.Telegram.APIHash, "API_HASH")
	envStr(&c.Telegram.PhoneNumber, "PHONE_NUMBER")
	envStr(&c.Telegram.Mode, "TG_MODE")
	envStr(&c.Telegram.WebhookDomain, "WEBHOOK_DOMAIN")
	if err := envInt(&c.Telegram.WebhookPort, "WEBHOOK_PORT"); err != nil {
		return err
	}
	envStr(&c.Telegram.SSLCertName, "SSL_CERT_NAME")
	envStr(&c.Telegram.SSLKeyName, "SSL_KEY_NAME")
	envStr(&c.Telegram.SessionFile, "SESSION_FILE")
	envStr(&c.Telegram.ChatFolder, "WECHAT_CHAT_FOLDER")
	envStr(&c.Telegram.OfficialFolder, "WECHAT_OFFICAL_FOLDER")

	envStr(&c.Ingress.Mode, "WECHAT_MODE")
	if err := envInt(&c.Ingress.CallbackPort, "CALLBACK_PORT"); err != nil {
		return err
	}
	envStr(&c.Ingress.RabbitURL, "RABBITMQ_URL")
	envStr(&c.Ingress.WsURL, "WECHAT_WS_URL")
	if err := envInt(&c.Ingress.DedupCapacity, "DEDUP_CAPACITY"); err != nil {
		return err
	}

	if err := envBool(&c.Bridge.AutoCreateGroups, "AUTO_CREATE_GROUPS"); err != nil {
		return err
	}
	if err := envBool(&c.Bridge.EnableBlacklist, "ENABLE_BLACKLIST"); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("BLACKLIST"); ok {
		c.Bridge.Blacklist = splitCSV(v)
	}
	// LANG doubles as the POSIX locale variable; only well-formed values
	// count, LANG_CODE always wins.
	if v, ok := os.LookupEnv("LANG"); ok && (v == "zh" || v == "ja") {
		c.Bridge.Lang = v
	}
	envStr(&c.Bridge.Lang, "LANG_CODE")
	envStr(&c.Bridge.MsgIDDir, "MSGID_DIR")

	envStr(&c.Database.URI, "DATABASE_URL")

	if err := envFloat(&c.Media.MaxRatio, "MAX_RATIO"); err != nil {
		return err
	}
	if err := envInt(&c.Media.MaxSizeMB, "MAX_SIZE"); err != nil {
		return err
	}
	envStr(&c.Media.CacheDir, "MEDIA_CACHE_DIR")
	envStr(&c.Media.FFmpegPath, "FFMPEG_PATH")
	envStr(&c.Media.SilkDecoder, "SILK_DECODER_PATH")
	envStr(&c.Media.SilkEncoder, "SILK_ENCODER_PATH")

	envStr(&c.Logging.MinLevel, "LOG_LEVEL")
	envStr(&c.Logging.Filename, "LOG_FILE")

	if err := envBool(&c.Metrics.Enabled, "METRICS_ENABLED"); err != nil {
		return err
	}
	envStr(&c.Metrics.Listen, "METRICS_LISTEN")
	return nil
}

// Validate checks that the configuration is valid and sets defaults.
func (c *Config) Validate() error {
	if c.WeChat.Wxid == "" {
		return fmt.Errorf("wechat.wxid (MY_WXID) is required")
	}
	if c.WeChat.BaseURL == "" {
		return fmt.Errorf("wechat.base_url (BASE_URL) is required")
	}
	c.WeChat.BaseURL = strings.TrimRight(c.WeChat.BaseURL, "/")
	if c.WeChat.DeviceModel == "" {
		c.WeChat.DeviceModel = "WeGram"
	}
	if c.WeChat.SendIntervalMs == 0 {
		c.WeChat.SendIntervalMs = 1000
	}

	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token (BOT_TOKEN) is required")
	}
	if c.Telegram.APIID == 0 {
		return fmt.Errorf("telegram.api_id (API_ID) is required")
	}
	if c.Telegram.APIHash == "" {
		return fmt.Errorf("telegram.api_hash (API_HASH) is required")
	}
	if c.Telegram.PhoneNumber == "" {
		return fmt.Errorf("telegram.phone_number (PHONE_NUMBER) is required")
	}
	if c.Telegram.Mode == "" {
		c.Telegram.Mode = TgPolling
	}
	if c.Telegram.Mode != TgPolling && c.Telegram.Mode != TgWebhook {
		return fmt.Errorf("telegram.mode must be %q or %q, got %q", TgPolling, TgWebhook, c.Telegram.Mode)
	}
	if c.Telegram.Mode == TgWebhook {
		if c.Telegram.WebhookDomain == "" {
			return fmt.Errorf("telegram.webhook_domain (WEBHOOK_DOMAIN) is required in webhook mode")
		}
		if c.Telegram.WebhookPort == 0 {
			c.Telegram.WebhookPort = 8443
		}
	}
	if c.Telegram.SessionFile == "" {
		c.Telegram.SessionFile = "data/session.json"
	}
	if c.Telegram.ChatFolder == "" {
		c.Telegram.ChatFolder = "聊天"
	}
	if c.Telegram.OfficialFolder == "" {
		c.Telegram.OfficialFolder = "公众号"
	}

	if c.Ingress.Mode == "" {
		c.Ingress.Mode = ModeCallback
	}
	switch c.Ingress.Mode {
	case ModeCallback:
		if c.Ingress.CallbackPort == 0 {
			c.Ingress.CallbackPort = 8088
		}
	case ModeQueue:
		if c.Ingress.RabbitURL == "" {
			return fmt.Errorf("ingress.rabbitmq_url (RABBITMQ_URL) is required in queue mode")
		}
	case ModeWs:
		if c.Ingress.WsURL == "" {
			return fmt.Errorf("ingress.ws_url (WECHAT_WS_URL) is required in ws mode")
		}
	default:
		return fmt.Errorf("ingress.mode must be %q, %q or %q, got %q", ModeCallback, ModeQueue, ModeWs, c.Ingress.Mode)
	}
	if c.Ingress.DedupCapacity == 0 {
		c.Ingress.DedupCapacity = 10000
	}

	if c.Bridge.Lang == "" {
		c.Bridge.Lang = "zh"
	}
	if c.Bridge.Lang != "zh" && c.Bridge.Lang != "ja" {
		return fmt.Errorf("bridge.lang must be \"zh\" or \"ja\", got %q", c.Bridge.Lang)
	}
	if c.Bridge.MsgIDDir == "" {
		c.Bridge.MsgIDDir = "data/msgid"
	}

	if c.Database.URI == "" {
		return fmt.Errorf("database.uri (DATABASE_URL) is required")
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Media.MaxRatio == 0 {
		c.Media.MaxRatio = 4.0
	}
	if c.Media.MaxSizeMB == 0 {
		c.Media.MaxSizeMB = 10
	}
	if c.Media.CacheDir == "" {
		c.Media.CacheDir = "download"
	}
	if c.Media.FFmpegPath == "" {
		c.Media.FFmpegPath = "ffmpeg"
	}
	if c.Media.SilkDecoder == "" {
		c.Media.SilkDecoder = "silk_v3_decoder"
	}
	if c.Media.SilkEncoder == "" {
		c.Media.SilkEncoder = "silk_v3_encoder"
	}

	if c.Logging.MinLevel == "" {
		c.Logging.MinLevel = "info"
	}
	if c.Logging.Filename == "" {
		c.Logging.Filename = "logs/wegram.log"
	}
	if c.Logging.MaxSize == 0 {
		c.Logging.MaxSize = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "0.0.0.0:9110"
	}
	return nil
}

// IsBlacklisted reports whether a wxid is on the blacklist (exact match).
func (c *Config) IsBlacklisted(wxid string) bool {
	if !c.Bridge.EnableBlacklist {
		return false
	}
	for _, b := range c.Bridge.Blacklist {
		if b == wxid {
			return true
		}
	}
	return false
}

func envStr(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func envFloat(dst *float64, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
