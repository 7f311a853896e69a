// Package media converts between the formats the two networks speak: SILK
// voice clips, sticker animations, and avatar/photo images.
package media

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// sampleRate is the PCM intermediate contract for both voice directions.
const sampleRate = "44100"

// VoiceConverter converts between WeChat's SILK v3 voice encoding and the
// ogg/opus format Telegram voice notes use.
type VoiceConverter struct {
	ffmpegPath      string
	silkDecoderPath string
	silkEncoderPath string
	tempDir         string
}

// NewVoiceConverter resolves the external binaries. Paths may be bare names
// resolved via PATH.
func NewVoiceConverter(ffmpegPath, silkDecoderPath, silkEncoderPath, tempDir string) (*VoiceConverter, error) {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	resolved, err := exec.LookPath(ffmpegPath)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	vc := &VoiceConverter{ffmpegPath: resolved, tempDir: tempDir}
	if p, err := exec.LookPath(silkDecoderPath); err == nil {
		vc.silkDecoderPath = p
	}
	if p, err := exec.LookPath(silkEncoderPath); err == nil {
		vc.silkEncoderPath = p
	}
	return vc, nil
}

// CanDecode reports whether SILK input can be handled.
func (vc *VoiceConverter) CanDecode() bool { return vc.silkDecoderPath != "" }

// CanEncode reports whether SILK output can be produced.
func (vc *VoiceConverter) CanEncode() bool { return vc.silkEncoderPath != "" }

// SilkToOgg converts a WeChat voice clip to ogg/opus.
// Flow: silk -> PCM (silk_v3_decoder) -> ogg/opus (ffmpeg).
func (vc *VoiceConverter) SilkToOgg(silkData []byte) ([]byte, error) {
	if vc.silkDecoderPath == "" {
		return nil, fmt.Errorf("silk_v3_decoder not available")
	}
	raw := stripSilkHeader(silkData)

	silkFile, err := writeTempFile(vc.tempDir, "voice_*.silk", raw)
	if err != nil {
		return nil, fmt.Errorf("write temp silk: %w", err)
	}
	defer os.Remove(silkFile)

	pcmFile := strings.TrimSuffix(silkFile, filepath.Ext(silkFile)) + ".pcm"
	defer os.Remove(pcmFile)

	cmd := exec.Command(vc.silkDecoderPath, silkFile, pcmFile, "-Fs_API", sampleRate)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("silk decode: %w, output: %s", err, string(output))
	}

	pcm, err := os.ReadFile(pcmFile)
	if err != nil {
		return nil, fmt.Errorf("read pcm: %w", err)
	}
	return vc.ffmpegConvert(pcm, []string{
		"-f", "s16le",
		"-ar", sampleRate,
		"-ac", "1",
	}, []string{
		"-c:a", "libopus",
		"-b:a", "64k",
		"-f", "ogg",
	})
}

// OggToSilk converts a Telegram voice note to a WeChat SILK clip.
// Flow: ogg/opus -> PCM 44.1 kHz s16le mono (ffmpeg) -> silk (silk_v3_encoder).
func (vc *VoiceConverter) OggToSilk(oggData []byte) ([]byte, error) {
	if vc.silkEncoderPath == "" {
		return nil, fmt.Errorf("silk_v3_encoder not available")
	}

	pcm, err := vc.ffmpegConvert(oggData, []string{
		"-f", "ogg",
	}, []string{
		"-f", "s16le",
		"-ar", sampleRate,
		"-ac", "1",
		"-acodec", "pcm_s16le",
	})
	if err != nil {
		return nil, fmt.Errorf("ogg to pcm: %w", err)
	}

	pcmFile, err := writeTempFile(vc.tempDir, "voice_*.pcm", pcm)
	if err != nil {
		return nil, fmt.Errorf("write temp pcm: %w", err)
	}
	defer os.Remove(pcmFile)

	silkFile := strings.TrimSuffix(pcmFile, filepath.Ext(pcmFile)) + ".silk"
	defer os.Remove(silkFile)

	cmd := exec.Command(vc.silkEncoderPath, pcmFile, silkFile,
		"-Fs_API", sampleRate,
		"-rate", "24000",
		"-tencent",
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("silk encode: %w, output: %s", err, string(output))
	}

	silk, err := os.ReadFile(silkFile)
	if err != nil {
		return nil, fmt.Errorf("read silk output: %w", err)
	}
	return addSilkHeader(silk), nil
}

// ffmpegConvert pipes input through ffmpeg.
func (vc *VoiceConverter) ffmpegConvert(input []byte, inputArgs, outputArgs []string) ([]byte, error) {
	args := make([]string, 0, len(inputArgs)+len(outputArgs)+6)
	args = append(args, "-y", "-hide_banner", "-loglevel", "error")
	args = append(args, inputArgs...)
	args = append(args, "-i", "pipe:0")
	args = append(args, outputArgs...)
	args = append(args, "pipe:1")

	cmd := exec.Command(vc.ffmpegPath, args...)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w, stderr: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}

var silkHeader = []byte("#!SILK_V3\n")

// stripSilkHeader removes the "#!SILK_V3" marker WeChat prepends.
func stripSilkHeader(data []byte) []byte {
	if bytes.HasPrefix(data, silkHeader) {
		return data[len(silkHeader):]
	}
	if bytes.HasPrefix(data, silkHeader[:len(silkHeader)-1]) {
		return data[len(silkHeader)-1:]
	}
	return data
}

// addSilkHeader prepends the marker.
func addSilkHeader(data []byte) []byte {
	return append(append([]byte{}, silkHeader...), data...)
}

func writeTempFile(dir, pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}
