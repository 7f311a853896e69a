package media

import "os/exec"

// ffmpegFileCmd builds the file-to-file GIF transcode command. The palette
// filter keeps WeChat's renderer happy with animated sources.
func ffmpegFileCmd(ffmpegPath, inFile, outFile string) *exec.Cmd {
	return exec.Command(ffmpegPath,
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", inFile,
		"-vf", "split[s0][s1];[s0]palettegen[p];[s1][p]paletteuse",
		"-f", "gif",
		outFile,
	)
}
