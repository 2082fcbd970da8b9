/*
Copyright (C) 2026 Streamhost Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"fmt"
	"time"

	"github.com/streamhost/streamhost/internal/config"
)

// encoderFor maps the hardware-accel mode to an ffmpeg h264 encoder. "auto"
// stays on libx264; probing GPUs at startup is not worth a black frame when
// the probe is wrong.
func encoderFor(mode string) string {
	switch mode {
	case "nvenc":
		return "h264_nvenc"
	case "qsv":
		return "h264_qsv"
	case "videotoolbox":
		return "h264_videotoolbox"
	default:
		return "libx264"
	}
}

// buildArgs constructs the ffmpeg argument list for streaming one media file
// to the RTMP destination. Progress is emitted as key=value lines on stdout
// so the supervisor can sample bitrate and dropped frames without scraping
// log output.
func buildArgs(profile config.StreamProfile, input string, offset time.Duration, destination string) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-progress", "pipe:1",
		"-re",
	}
	if offset > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", offset.Seconds()))
	}
	args = append(args, "-i", input)

	encoder := encoderFor(profile.HardwareAccel)
	args = append(args, "-c:v", encoder)
	if profile.Preset != "" && encoder == "libx264" {
		args = append(args, "-preset", profile.Preset)
	}
	if profile.BitrateKbps > 0 {
		rate := fmt.Sprintf("%dk", profile.BitrateKbps)
		buf := fmt.Sprintf("%dk", profile.BitrateKbps*2)
		args = append(args, "-b:v", rate, "-maxrate", rate, "-bufsize", buf)
	}
	if profile.Resolution != "" {
		args = append(args, "-s", profile.Resolution)
	}
	if profile.FPS > 0 {
		args = append(args, "-r", fmt.Sprintf("%d", profile.FPS))
		// Keyframe every two seconds keeps cut points close to item ends.
		args = append(args, "-g", fmt.Sprintf("%d", profile.FPS*2))
	}

	args = append(args,
		"-c:a", "aac",
		"-b:a", "160k",
		"-ar", "44100",
		"-f", "flv",
		destination,
	)
	return args
}
