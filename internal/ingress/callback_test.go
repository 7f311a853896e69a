package ingress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wegram/wegram/pkg/wechat"
)

func newTestCallback(t *testing.T, handle EnvelopeHandler) *httptest.Server {
	t.Helper()
	if handle == nil {
		handle = func(env *wechat.SyncEnvelope) {}
	}
	s := NewCallbackServer(0, "wxid_self", handle, discardLogger())
	ts := httptest.NewServer(s.srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func syncBody(t *testing.T, msgs int) []byte {
	t.Helper()
	env := map[string]interface{}{
		"wxid": "wxid_self",
		"data": map[string]interface{}{
			"AddMsgs": make([]map[string]interface{}, msgs),
		},
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestCallbackAcceptsAndAcks(t *testing.T) {
	got := make(chan *wechat.SyncEnvelope, 1)
	ts := newTestCallback(t, func(env *wechat.SyncEnvelope) { got <- env })

	resp, err := http.Post(ts.URL+"/msg/SyncMessage/wxid_self", "application/json", bytes.NewReader(syncBody(t, 2)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var ack struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatal(err)
	}
	if !ack.Success || ack.Message != "received 2" {
		t.Errorf("ack = %+v", ack)
	}
	select {
	case env := <-got:
		if env.Wxid != "wxid_self" || len(env.Data.AddMsgs) != 2 {
			t.Errorf("handler env = %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestCallbackWrongWxid(t *testing.T) {
	ts := newTestCallback(t, func(env *wechat.SyncEnvelope) {
		t.Error("handler should not run for wrong wxid")
	})
	resp, err := http.Post(ts.URL+"/msg/SyncMessage/wxid_other", "application/json", bytes.NewReader(syncBody(t, 1)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCallbackBodySizeLimit(t *testing.T) {
	ts := newTestCallback(t, nil)

	// pad a valid envelope out to an exact byte count with trailing spaces,
	// which the JSON decoder tolerates
	pad := func(n int) []byte {
		base := []byte(`{"wxid":"wxid_self","data":{"AddMsgs":[]}}`)
		if n < len(base) {
			t.Fatalf("pad target %d too small", n)
		}
		return append(base, bytes.Repeat([]byte(" "), n-len(base))...)
	}

	resp, err := http.Post(ts.URL+"/msg/SyncMessage/wxid_self", "application/json", bytes.NewReader(pad(maxCallbackBody)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("exactly at limit: status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/msg/SyncMessage/wxid_self", "application/json", bytes.NewReader(pad(maxCallbackBody+1)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("one byte over limit: status = %d, want 400", resp.StatusCode)
	}
}

func TestCallbackMalformedBody(t *testing.T) {
	ts := newTestCallback(t, nil)
	resp, err := http.Post(ts.URL+"/msg/SyncMessage/wxid_self", "application/json", strings.NewReader("{broken"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCallbackPreflight(t *testing.T) {
	ts := newTestCallback(t, nil)
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/msg/SyncMessage/wxid_self", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS origin header")
	}
}

func TestCallbackAcksBeforeHandling(t *testing.T) {
	release := make(chan struct{})
	ts := newTestCallback(t, func(env *wechat.SyncEnvelope) { <-release })
	defer close(release)

	done := make(chan error, 1)
	go func() {
		resp, err := http.Post(ts.URL+"/msg/SyncMessage/wxid_self", "application/json", bytes.NewReader(syncBody(t, 1)))
		if err == nil {
			if resp.StatusCode != http.StatusOK {
				err = fmt.Errorf("status %d", resp.StatusCode)
			}
			resp.Body.Close()
		}
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("response blocked on handler")
	}
}

func TestCallbackHealth(t *testing.T) {
	ts := newTestCallback(t, nil)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "healthy" {
		t.Errorf("status = %q", body.Status)
	}
}
