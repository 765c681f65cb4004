package service

import (
	"fmt"
	"os"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// MixSceneAudio 把旁白与配乐混成一条音轨（配乐压低铺底），时长跟随旁白。
func MixSceneAudio(speechPath, musicPath string) (string, error) {
	out := tempMediaPath(".m4a")
	err := ffmpeg.Output(
		[]*ffmpeg.Stream{ffmpeg.Input(speechPath), ffmpeg.Input(musicPath)},
		out,
		ffmpeg.KwArgs{
			"filter_complex": "[1:a]volume=0.3[bed];[0:a][bed]amix=inputs=2:duration=first:dropout_transition=2[mix]",
			"map":            "[mix]",
			"c:a":            "aac",
		},
	).OverWriteOutput().Run()
	if err != nil {
		os.Remove(out)
		return "", fmt.Errorf("ffmpeg amix failed: %w", err)
	}
	return out, nil
}

// MuxSceneClip 把场景视频与混音后的音轨合成最终场景片段
func MuxSceneClip(videoPath, audioPath string) (string, error) {
	out := tempMediaPath(".mp4")
	err := ffmpeg.Output(
		[]*ffmpeg.Stream{ffmpeg.Input(videoPath), ffmpeg.Input(audioPath)},
		out,
		ffmpeg.KwArgs{
			"map":      []string{"0:v:0", "1:a:0"},
			"c:v":      "libx264",
			"c:a":      "aac",
			"b:a":      "192k",
			"preset":   "fast",
			"shortest": "",
		},
	).OverWriteOutput().Run()
	if err != nil {
		os.Remove(out)
		return "", fmt.Errorf("ffmpeg mux failed: %w", err)
	}
	return out, nil
}

// ConcatSceneClips 按场景顺序拼接片段（concat demuxer，流拷贝不重编码）
func ConcatSceneClips(clipPaths []string) (string, error) {
	if len(clipPaths) == 0 {
		return "", fmt.Errorf("no clips to concat")
	}
	listFile, err := os.CreateTemp("", "p2v_concat_*.txt")
	if err != nil {
		return "", err
	}
	defer os.Remove(listFile.Name())
	var b strings.Builder
	for _, p := range clipPaths {
		fmt.Fprintf(&b, "file '%s'\n", p)
	}
	if _, err := listFile.WriteString(b.String()); err != nil {
		listFile.Close()
		return "", err
	}
	listFile.Close()

	out := tempMediaPath(".mp4")
	err = ffmpeg.Input(listFile.Name(), ffmpeg.KwArgs{"f": "concat", "safe": "0"}).
		Output(out, ffmpeg.KwArgs{"c": "copy"}).
		OverWriteOutput().Run()
	if err != nil {
		os.Remove(out)
		return "", fmt.Errorf("ffmpeg concat failed: %w", err)
	}
	return out, nil
}
