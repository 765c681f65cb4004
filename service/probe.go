package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// 媒体类型
const (
	MediaKindAudio = "audio"
	MediaKindVideo = "video"
	MediaKindImage = "image"
)

type ProbeResult struct {
	Duration float64 `json:"duration_seconds"`
	Kind     string  `json:"kind"`
	HasAudio bool    `json:"has_audio"`
	OK       bool    `json:"ok"`
}

// ffprobe 输出中本服务关心的字段
type probePayload struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		NbFrames  string `json:"nb_frames"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ProbeMedia 探测本地媒体文件的时长与类型。
// 失败返回 OK=false，调用方不得假定时长可用。
func ProbeMedia(path string) (ProbeResult, error) {
	raw, err := ffmpeg.Probe(path)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("%w: %v", ErrProbeFailure, err)
	}
	var payload probePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return ProbeResult{}, fmt.Errorf("%w: parse ffprobe output: %v", ErrProbeFailure, err)
	}

	res := ProbeResult{OK: true}
	hasVideo := false
	singleFrame := false
	for _, s := range payload.Streams {
		switch s.CodecType {
		case "video":
			hasVideo = true
			if s.NbFrames == "1" {
				singleFrame = true
			}
		case "audio":
			res.HasAudio = true
		}
	}
	if payload.Format.Duration != "" {
		d, err := strconv.ParseFloat(payload.Format.Duration, 64)
		if err != nil {
			return ProbeResult{}, fmt.Errorf("%w: parse duration %q: %v", ErrProbeFailure, payload.Format.Duration, err)
		}
		res.Duration = d
	}

	switch {
	case hasVideo && singleFrame:
		res.Kind = MediaKindImage
	case hasVideo:
		res.Kind = MediaKindVideo
	case res.HasAudio:
		res.Kind = MediaKindAudio
	default:
		return ProbeResult{}, fmt.Errorf("%w: no media streams in %s", ErrProbeFailure, path)
	}
	return res, nil
}

// ProbeMediaRetry 带退避重试的探测，重试耗尽后错误上抛由所在阶段处理
func ProbeMediaRetry(ctx context.Context, path string, attempts int, backoff time.Duration) (ProbeResult, error) {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := ProbeMedia(path)
		if err == nil {
			return res, nil
		}
		lastErr = err
		logrus.Warnf("探测失败 (attempt %d/%d): %v", attempt, attempts, err)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ProbeResult{}, ctx.Err()
		case <-time.After(backoff * time.Duration(1<<uint(attempt-1))):
		}
	}
	return ProbeResult{}, lastErr
}
