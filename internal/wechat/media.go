package wechat

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/wegram/wegram/pkg/wechat"
)

// chunkSize is the fixed section length of the gateway's download endpoints.
const chunkSize = 65536

// chunkData is the response fragment shared by the chunked download
// endpoints. The probe response carries totalLen instead of a buffer.
type chunkData struct {
	Data struct {
		Buffer string `json:"buffer"`
	} `json:"data"`
	TotalLen int64 `json:"totalLen"`
}

// downloadChunked fetches a binary in 64 KiB sections. base carries the
// endpoint-specific addressing fields. When the first section comes back
// empty, or totalLen is unknown, the request is re-issued once without a
// length to learn the gateway's totalLen and the download restarts; the
// gateway's answer is trusted even if it undershoots.
func (c *Client) downloadChunked(ctx context.Context, alias string, base map[string]interface{}, totalLen int64) ([]byte, error) {
	adaptiveUsed := false
	for {
		if totalLen <= 0 {
			if adaptiveUsed {
				return nil, fmt.Errorf("%s: no data length after adaptive retry", alias)
			}
			adaptiveUsed = true
			probed, err := c.probeTotalLen(ctx, alias, base)
			if err != nil {
				return nil, err
			}
			totalLen = probed
			continue
		}

		data, retry, err := c.fetchSections(ctx, alias, base, totalLen, !adaptiveUsed)
		if err != nil {
			return nil, err
		}
		if retry {
			adaptiveUsed = true
			probed, err := c.probeTotalLen(ctx, alias, base)
			if err != nil {
				return nil, err
			}
			totalLen = probed
			continue
		}
		return data, nil
	}
}

// fetchSections walks the sections serially. retry is reported when the
// first section had no buffer and the caller may still re-probe.
func (c *Client) fetchSections(ctx context.Context, alias string, base map[string]interface{}, totalLen int64, mayRetry bool) (data []byte, retry bool, err error) {
	out := make([]byte, 0, totalLen)
	for offset := int64(0); offset < totalLen; offset += chunkSize {
		n := totalLen - offset
		if n > chunkSize {
			n = chunkSize
		}
		body := map[string]interface{}{
			"CompressType": 0,
			"DataLen":      totalLen,
			"Section": map[string]interface{}{
				"DataLen":  n,
				"StartPos": offset,
			},
		}
		for k, v := range base {
			body[k] = v
		}

		var resp chunkData
		if err := c.call(ctx, alias, body, &resp); err != nil {
			return nil, false, err
		}
		if resp.Data.Buffer == "" {
			if offset == 0 && mayRetry {
				return nil, true, nil
			}
			return nil, false, fmt.Errorf("%s: empty section at offset %d", alias, offset)
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.Data.Buffer)
		if err != nil {
			return nil, false, fmt.Errorf("%s: decode section at offset %d: %w", alias, offset, err)
		}
		out = append(out, chunk...)
	}
	return out, false, nil
}

// probeTotalLen asks the endpoint for the real data length by omitting the
// top-level DataLen.
func (c *Client) probeTotalLen(ctx context.Context, alias string, base map[string]interface{}) (int64, error) {
	body := map[string]interface{}{
		"CompressType": 0,
		"Section": map[string]interface{}{
			"DataLen":  chunkSize,
			"StartPos": 0,
		},
	}
	for k, v := range base {
		body[k] = v
	}
	var resp chunkData
	if err := c.call(ctx, alias, body, &resp); err != nil {
		return 0, err
	}
	if resp.TotalLen <= 0 {
		return 0, fmt.Errorf("%s: gateway reported no totalLen", alias)
	}
	c.log.Debug("adopted gateway totalLen", "alias", alias, "total_len", resp.TotalLen)
	return resp.TotalLen, nil
}

// cachePath builds the content-addressed cache location, creating the kind
// directory. Empty when no cache directory is configured.
func (c *Client) cachePath(kind, key, ext string) (string, error) {
	if c.cacheDir == "" || key == "" {
		return "", nil
	}
	dir := filepath.Join(c.cacheDir, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	return filepath.Join(dir, key+ext), nil
}

// finish writes data to the cache when enabled and returns (path, data).
func (c *Client) finish(path string, data []byte) (string, []byte, error) {
	if path == "" {
		return "", data, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", nil, fmt.Errorf("write media cache: %w", err)
	}
	return path, data, nil
}

func cached(path string) ([]byte, bool) {
	if path == "" {
		return nil, false
	}
	data, err := os.ReadFile(path)
	return data, err == nil
}

// DownloadImage fetches an image, preferring the single-shot CDN decode over
// the chunked path. Returns the cache path (empty without a cache dir) and
// the bytes.
func (c *Client) DownloadImage(ctx context.Context, msg *wechat.AddMsg, info *wechat.ImageInfo) (string, []byte, error) {
	key := info.MD5
	if key == "" {
		key = digest(info.AESKey + info.BestCDNURL())
	}
	path, err := c.cachePath("image", key, ".jpg")
	if err != nil {
		return "", nil, err
	}
	if data, ok := cached(path); ok {
		return path, data, nil
	}

	if cdnURL := info.BestCDNURL(); cdnURL != "" && info.AESKey != "" {
		var resp struct {
			Image string `json:"Image"`
		}
		err := c.call(ctx, "GET_IMAGE_CDN", map[string]interface{}{
			"FileAesKey": info.AESKey,
			"FileNo":     cdnURL,
		}, &resp)
		if err == nil && resp.Image != "" {
			data, decErr := base64.StdEncoding.DecodeString(resp.Image)
			if decErr == nil {
				return c.finish(path, data)
			}
			err = decErr
		}
		c.log.Debug("cdn image decode failed, falling back to chunked", "error", err)
	}

	data, err := c.downloadChunked(ctx, "GET_IMAGE", map[string]interface{}{
		"MsgId":  msg.MsgID,
		"ToWxid": msg.From(),
	}, info.DataLength())
	if err != nil {
		return "", nil, err
	}
	return c.finish(path, data)
}

// DownloadVideo fetches a video via the chunked path.
func (c *Client) DownloadVideo(ctx context.Context, msg *wechat.AddMsg, info *wechat.VideoInfo) (string, []byte, error) {
	key := info.MD5
	if key == "" {
		key = digest(fmt.Sprintf("video-%d", msg.NewMsgID))
	}
	path, err := c.cachePath("video", key, ".mp4")
	if err != nil {
		return "", nil, err
	}
	if data, ok := cached(path); ok {
		return path, data, nil
	}
	data, err := c.downloadChunked(ctx, "GET_VIDEO", map[string]interface{}{
		"MsgId":  msg.MsgID,
		"ToWxid": msg.From(),
	}, info.Length)
	if err != nil {
		return "", nil, err
	}
	return c.finish(path, data)
}

// DownloadFile fetches an appmsg attachment via the chunked path.
func (c *Client) DownloadFile(ctx context.Context, attach *wechat.AttachInfo, title string) (string, []byte, error) {
	key := digest(attach.AttachID)
	ext := ""
	if attach.FileExt != "" {
		ext = "." + attach.FileExt
	}
	path, err := c.cachePath("file", key, ext)
	if err != nil {
		return "", nil, err
	}
	if data, ok := cached(path); ok {
		return path, data, nil
	}
	data, err := c.downloadChunked(ctx, "GET_FILE", map[string]interface{}{
		"AppID":    attach.AppID,
		"AttachId": attach.AttachID,
		"UserName": "",
	}, attach.TotalLen)
	if err != nil {
		return "", nil, err
	}
	return c.finish(path, data)
}

// DownloadVoice fetches a voice clip with the single-shot endpoint. The
// result is SILK-encoded.
func (c *Client) DownloadVoice(ctx context.Context, msg *wechat.AddMsg, info *wechat.VoiceInfo) (string, []byte, error) {
	key := digest(fmt.Sprintf("voice-%d", msg.NewMsgID))
	path, err := c.cachePath("voice", key, ".silk")
	if err != nil {
		return "", nil, err
	}
	if data, ok := cached(path); ok {
		return path, data, nil
	}

	var resp struct {
		Data struct {
			Buffer string `json:"buffer"`
		} `json:"data"`
	}
	err = c.call(ctx, "GET_VOICE", map[string]interface{}{
		"MsgId":        msg.MsgID,
		"Bufid":        info.BufID,
		"Length":       info.Length,
		"FromUserName": msg.From(),
	}, &resp)
	if err != nil {
		return "", nil, err
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data.Buffer)
	if err != nil {
		return "", nil, fmt.Errorf("decode voice buffer: %w", err)
	}
	return c.finish(path, data)
}

// DownloadEmoji fetches a sticker. The descriptor usually carries the CDN
// URL directly; otherwise GET_EMOJI resolves the md5 to one.
func (c *Client) DownloadEmoji(ctx context.Context, info *wechat.EmojiInfo) (string, []byte, error) {
	path, err := c.cachePath("sticker", info.MD5, ".gif")
	if err != nil {
		return "", nil, err
	}
	if data, ok := cached(path); ok {
		return path, data, nil
	}

	cdnURL := info.CDNURL
	if cdnURL == "" {
		var resp struct {
			URL string `json:"Url"`
		}
		if err := c.call(ctx, "GET_EMOJI", map[string]interface{}{"Md5": info.MD5}, &resp); err != nil {
			return "", nil, err
		}
		if resp.URL == "" {
			return "", nil, fmt.Errorf("emoji %s: gateway returned no url", info.MD5)
		}
		cdnURL = resp.URL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cdnURL, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build emoji request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("fetch emoji: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("fetch emoji: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return "", nil, fmt.Errorf("read emoji body: %w", err)
	}
	return c.finish(path, data)
}

// FetchURL downloads an arbitrary HTTP resource (avatars).
func (c *Client) FetchURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
}

func digest(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
