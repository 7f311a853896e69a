package media

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// StickerConverter turns Telegram sticker formats (.webp static, .tgs
// Lottie, .webm video) into GIFs the WeChat gateway accepts as custom
// emoji.
type StickerConverter struct {
	ffmpegPath string
	tempDir    string
}

// NewStickerConverter reuses the ffmpeg binary resolved for voice.
func NewStickerConverter(vc *VoiceConverter) *StickerConverter {
	return &StickerConverter{ffmpegPath: vc.ffmpegPath, tempDir: vc.tempDir}
}

// ToGIF converts sticker data to GIF based on the source file extension
// (".webp", ".tgs", ".webm").
func (sc *StickerConverter) ToGIF(data []byte, ext string) ([]byte, error) {
	switch strings.ToLower(ext) {
	case ".webp":
		return sc.convert(data, "webp_*.webp")
	case ".webm":
		return sc.convert(data, "webm_*.webm")
	case ".tgs":
		// tgs is gzipped Lottie JSON; ffmpeg cannot render it. Unpack to
		// verify, then fail with a typed error the caller turns into a
		// placeholder.
		if _, err := gunzip(data); err != nil {
			return nil, fmt.Errorf("unpack tgs: %w", err)
		}
		return nil, fmt.Errorf("animated tgs stickers are not convertible: %w", ErrUnsupportedSticker)
	default:
		return nil, fmt.Errorf("sticker format %q: %w", ext, ErrUnsupportedSticker)
	}
}

// ErrUnsupportedSticker marks sticker inputs with no GIF rendition.
var ErrUnsupportedSticker = fmt.Errorf("unsupported sticker format")

// convert runs ffmpeg file-to-file; webp/webm pipe input is unreliable with
// some ffmpeg builds, temp files are not.
func (sc *StickerConverter) convert(data []byte, pattern string) ([]byte, error) {
	inFile, err := writeTempFile(sc.tempDir, pattern, data)
	if err != nil {
		return nil, fmt.Errorf("write temp sticker: %w", err)
	}
	defer os.Remove(inFile)

	outFile := strings.TrimSuffix(inFile, filepath.Ext(inFile)) + ".gif"
	defer os.Remove(outFile)

	cmd := ffmpegFileCmd(sc.ffmpegPath, inFile, outFile)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("sticker to gif: %w, output: %s", err, string(output))
	}
	gif, err := os.ReadFile(outFile)
	if err != nil {
		return nil, fmt.Errorf("read gif output: %w", err)
	}
	return gif, nil
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(io.LimitReader(zr, 16<<20))
}
