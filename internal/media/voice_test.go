package media

import (
	"bytes"
	"compress/gzip"
	"errors"
	"testing"
)

func TestSilkHeaderRoundTrip(t *testing.T) {
	body := []byte{1, 2, 3, 4}
	framed := addSilkHeader(body)
	if !bytes.HasPrefix(framed, []byte("#!SILK_V3\n")) {
		t.Fatalf("framed = %q", framed)
	}
	if got := stripSilkHeader(framed); !bytes.Equal(got, body) {
		t.Errorf("strip = %v", got)
	}
	// header without trailing newline
	if got := stripSilkHeader(append([]byte("#!SILK_V3"), body...)); !bytes.Equal(got, body) {
		t.Errorf("strip bare header = %v", got)
	}
	// unframed data passes through
	if got := stripSilkHeader(body); !bytes.Equal(got, body) {
		t.Errorf("passthrough = %v", got)
	}
}

func TestStickerConverterRejectsUnknownFormat(t *testing.T) {
	sc := &StickerConverter{ffmpegPath: "ffmpeg", tempDir: t.TempDir()}
	if _, err := sc.ToGIF([]byte{1}, ".bmp"); !errors.Is(err, ErrUnsupportedSticker) {
		t.Errorf("want ErrUnsupportedSticker, got %v", err)
	}
}

func TestStickerConverterTgs(t *testing.T) {
	sc := &StickerConverter{ffmpegPath: "ffmpeg", tempDir: t.TempDir()}

	// valid gzip container is still unconvertible
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(`{"v":"5.5.7"}`))
	zw.Close()
	if _, err := sc.ToGIF(buf.Bytes(), ".tgs"); !errors.Is(err, ErrUnsupportedSticker) {
		t.Errorf("want ErrUnsupportedSticker, got %v", err)
	}

	// corrupt container is a decode failure, not an unsupported format
	if _, err := sc.ToGIF([]byte("not gzip"), ".tgs"); err == nil || errors.Is(err, ErrUnsupportedSticker) {
		t.Errorf("corrupt tgs: %v", err)
	}
}
