package wechat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/wegram/wegram/pkg/wechat"
)

// fakeGateway is an httptest-backed gateway with per-path handlers.
type fakeGateway struct {
	mu       sync.Mutex
	server   *httptest.Server
	handlers map[string]func(body map[string]interface{}) (interface{}, bool, string)
	requests map[string][]map[string]interface{}
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{
		handlers: map[string]func(map[string]interface{}) (interface{}, bool, string){},
		requests: map[string][]map[string]interface{}{},
	}
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		g.mu.Lock()
		path := r.URL.Path
		g.requests[path] = append(g.requests[path], body)
		h := g.handlers[path]
		g.mu.Unlock()
		if h == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		data, ok, msg := h(body)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"Success": ok,
			"Message": msg,
			"Data":    data,
		})
	}))
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) handle(path string, h func(map[string]interface{}) (interface{}, bool, string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[path] = h
}

func (g *fakeGateway) calls(path string) []map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[path]
}

func newTestClient(t *testing.T, g *fakeGateway) *Client {
	t.Helper()
	return NewClient(Config{
		BaseURL:  g.server.URL,
		Wxid:     "wxid_me",
		CacheDir: t.TempDir(),
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
	})
}

func TestSendTextCarriesIdentity(t *testing.T) {
	g := newFakeGateway(t)
	g.handle("/api/Msg/SendTxt", func(body map[string]interface{}) (interface{}, bool, string) {
		return map[string]interface{}{"NewMsgId": 1001, "ClientMsgId": 77, "createTime": 1718000000}, true, "成功"
	})
	c := newTestClient(t, g)

	res, err := c.SendText(context.Background(), "wxid_friend", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if res.NewMsgID != 1001 || res.ClientMsgID != 77 {
		t.Errorf("result = %+v", res)
	}

	calls := g.calls("/api/Msg/SendTxt")
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	if calls[0]["Wxid"] != "wxid_me" || calls[0]["ToWxid"] != "wxid_friend" {
		t.Errorf("request body = %v", calls[0])
	}
}

func TestGatewaySemanticFailure(t *testing.T) {
	g := newFakeGateway(t)
	g.handle("/api/Msg/Revoke", func(map[string]interface{}) (interface{}, bool, string) {
		return nil, false, "消息已超时"
	})
	c := newTestClient(t, g)

	err := c.Revoke(context.Background(), "wxid_friend", 1, 2, 3)
	if !errors.Is(err, ErrGateway) {
		t.Fatalf("want ErrGateway, got %v", err)
	}
	var ge *GatewayError
	if !errors.As(err, &ge) || ge.Message != "消息已超时" {
		t.Errorf("gateway error = %v", err)
	}
}

func TestGatewayHTTPFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()
	c := NewClient(Config{BaseURL: server.URL, Wxid: "wxid_me",
		Logger: slog.New(slog.NewTextHandler(os.Stderr, nil))})

	if err := c.Heartbeat(context.Background()); !errors.Is(err, ErrGateway) {
		t.Errorf("want ErrGateway, got %v", err)
	}
}

func chunkResponse(buf []byte) map[string]interface{} {
	return map[string]interface{}{
		"data": map[string]interface{}{"buffer": base64.StdEncoding.EncodeToString(buf)},
	}
}

func TestChunkedDownload(t *testing.T) {
	// 100 KiB payload: two sections
	payload := make([]byte, 100*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	g := newFakeGateway(t)
	g.handle("/api/Tools/DownloadVideo", func(body map[string]interface{}) (interface{}, bool, string) {
		section := body["Section"].(map[string]interface{})
		start := int64(section["StartPos"].(float64))
		n := int64(section["DataLen"].(float64))
		return chunkResponse(payload[start : start+n]), true, ""
	})
	c := newTestClient(t, g)

	msg := &wechat.AddMsg{MsgID: 5, NewMsgID: 50, FromUserName: "wxid_friend"}
	_, data, err := c.DownloadVideo(context.Background(), msg, &wechat.VideoInfo{Length: int64(len(payload))})
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != len(payload) {
		t.Fatalf("len = %d", len(data))
	}
	if data[70000] != payload[70000] {
		t.Error("payload mismatch")
	}
	if calls := g.calls("/api/Tools/DownloadVideo"); len(calls) != 2 {
		t.Errorf("sections fetched = %d, want 2", len(calls))
	}
}

func TestChunkedDownloadAdaptiveRetry(t *testing.T) {
	payload := []byte("real content")
	g := newFakeGateway(t)
	g.handle("/api/Tools/DownloadVideo", func(body map[string]interface{}) (interface{}, bool, string) {
		if _, hasLen := body["DataLen"]; !hasLen {
			// probe: report the real total
			return map[string]interface{}{"totalLen": len(payload)}, true, ""
		}
		section := body["Section"].(map[string]interface{})
		start := int64(section["StartPos"].(float64))
		end := start + int64(section["DataLen"].(float64))
		if end > int64(len(payload)) {
			end = int64(len(payload))
		}
		return chunkResponse(payload[start:end]), true, ""
	})
	c := newTestClient(t, g)

	// zero descriptor length must trigger exactly one adaptive probe
	msg := &wechat.AddMsg{MsgID: 6, NewMsgID: 60, FromUserName: "wxid_friend"}
	_, data, err := c.DownloadVideo(context.Background(), msg, &wechat.VideoInfo{Length: 0})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(payload) {
		t.Errorf("data = %q", data)
	}
	if calls := g.calls("/api/Tools/DownloadVideo"); len(calls) != 2 {
		t.Errorf("calls = %d, want probe + one section", len(calls))
	}
}

func TestChunkedDownloadAdaptiveRetryOnlyOnce(t *testing.T) {
	g := newFakeGateway(t)
	g.handle("/api/Tools/DownloadVideo", func(body map[string]interface{}) (interface{}, bool, string) {
		if _, hasLen := body["DataLen"]; !hasLen {
			return map[string]interface{}{"totalLen": 0}, true, ""
		}
		return map[string]interface{}{}, true, ""
	})
	c := newTestClient(t, g)

	msg := &wechat.AddMsg{MsgID: 7, NewMsgID: 70, FromUserName: "wxid_friend"}
	_, _, err := c.DownloadVideo(context.Background(), msg, &wechat.VideoInfo{Length: 0})
	if err == nil {
		t.Fatal("want failure when probe yields no length")
	}
	if calls := g.calls("/api/Tools/DownloadVideo"); len(calls) != 1 {
		t.Errorf("probe must run once, got %d calls", len(calls))
	}
}

func TestImageCDNFastPath(t *testing.T) {
	img := []byte{0xFF, 0xD8, 0xFF, 0xE0, 1, 2, 3}
	g := newFakeGateway(t)
	g.handle("/api/Tools/CdnDownloadImage", func(body map[string]interface{}) (interface{}, bool, string) {
		if body["FileNo"] != "cdn-big-url" {
			return nil, false, "bad FileNo"
		}
		return map[string]interface{}{"Image": base64.StdEncoding.EncodeToString(img)}, true, ""
	})
	c := newTestClient(t, g)

	msg := &wechat.AddMsg{MsgID: 8, NewMsgID: 80, FromUserName: "wxid_friend"}
	info := &wechat.ImageInfo{
		AESKey: "key", CDNBig: "cdn-big-url", CDNThumb: "cdn-thumb", Length: 7, MD5: "aabbcc",
	}
	path, data, err := c.DownloadImage(context.Background(), msg, info)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(img) {
		t.Error("payload mismatch")
	}
	if path == "" {
		t.Fatal("no cache path")
	}

	// second download must come from the cache with no further calls
	before := len(g.calls("/api/Tools/CdnDownloadImage"))
	_, data2, err := c.DownloadImage(context.Background(), msg, info)
	if err != nil {
		t.Fatal(err)
	}
	if string(data2) != string(img) {
		t.Error("cached payload mismatch")
	}
	if after := len(g.calls("/api/Tools/CdnDownloadImage")); after != before {
		t.Errorf("cache hit must not call the gateway: %d -> %d", before, after)
	}
}

func TestImageFallsBackToChunked(t *testing.T) {
	payload := []byte("chunked image bytes")
	g := newFakeGateway(t)
	g.handle("/api/Tools/CdnDownloadImage", func(map[string]interface{}) (interface{}, bool, string) {
		return nil, false, "cdn miss"
	})
	g.handle("/api/Tools/DownloadImg", func(body map[string]interface{}) (interface{}, bool, string) {
		section := body["Section"].(map[string]interface{})
		start := int64(section["StartPos"].(float64))
		end := start + int64(section["DataLen"].(float64))
		if end > int64(len(payload)) {
			end = int64(len(payload))
		}
		return chunkResponse(payload[start:end]), true, ""
	})
	c := newTestClient(t, g)

	msg := &wechat.AddMsg{MsgID: 9, NewMsgID: 90, FromUserName: "wxid_friend"}
	info := &wechat.ImageInfo{AESKey: "key", CDNThumb: "t", Length: int64(len(payload)), MD5: "ddeeff"}
	_, data, err := c.DownloadImage(context.Background(), msg, info)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(payload) {
		t.Errorf("data = %q", data)
	}
}

func TestDownloadVoiceSingleShot(t *testing.T) {
	silk := append([]byte("#!SILK_V3\n"), 1, 2, 3)
	g := newFakeGateway(t)
	g.handle("/api/Tools/DownloadVoice", func(body map[string]interface{}) (interface{}, bool, string) {
		return chunkResponse(silk), true, ""
	})
	c := newTestClient(t, g)

	msg := &wechat.AddMsg{MsgID: 10, NewMsgID: 100, FromUserName: "wxid_friend"}
	_, data, err := c.DownloadVoice(context.Background(), msg, &wechat.VoiceInfo{Length: int64(len(silk)), BufID: "42"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(silk) {
		t.Error("payload mismatch")
	}
}

func TestControlMessageStateMachine(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(t, g)

	offline := make(chan struct{}, 1)
	m := NewSessionMonitor(MonitorConfig{
		Client:    c,
		Log:       slog.New(slog.NewTextHandler(os.Stderr, nil)),
		OnOffline: func() { offline <- struct{}{} },
	})
	defer m.Stop()

	if m.HandleControlMessage("成功") {
		t.Error("success notice is not a control stop")
	}
	if !m.Online() {
		t.Error("must start online")
	}
	if !m.HandleControlMessage("用户可能退出") {
		t.Error("logout notice must be consumed")
	}
	if m.Online() {
		t.Error("logout notice must flip offline")
	}
	<-offline
}
