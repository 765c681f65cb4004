package service

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"PromptToVideo-server/config"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// AdjustOptions 时长校正选项。PreservePitch 仅对音频变速有效。
type AdjustOptions struct {
	FadeIn        bool
	FadeOut       bool
	PreservePitch bool
}

// 校正动作
const (
	adjustCopy    = "copy"
	adjustTrim    = "trim"
	adjustStretch = "stretch"
	adjustHold    = "hold"
)

// adjustPlan 一次 ffmpeg 调用的参数集合，planAdjustment 纯函数产出，便于单测
type adjustPlan struct {
	Action      string
	TrimTo      float64 // Action == adjustTrim 时的 -t 值
	VideoFilter string
	AudioFilter string
}

// planAdjustment 根据实际/目标时长决定校正动作与滤镜。
//   - 误差在 epsilon 内：copy，不做无谓的重编码
//   - 过长：从尾部裁剪到目标，按需加首尾淡入淡出
//   - 音频过短：变速拉伸（atempo 保音高 / asetrate 简单重采样）
//   - 视频过短：末帧定格补足（画面变速不可接受），自带音轨按音频策略处理
func planAdjustment(kind string, hasAudio bool, actual, target, epsilon float64, opts AdjustOptions) adjustPlan {
	if math.Abs(actual-target) <= epsilon {
		return adjustPlan{Action: adjustCopy}
	}

	if actual > target {
		plan := adjustPlan{Action: adjustTrim, TrimTo: target}
		fd := fadeDuration(target)
		var vf, af []string
		if opts.FadeOut {
			if kind == MediaKindVideo {
				vf = append(vf, fmt.Sprintf("fade=t=out:st=%.3f:d=%.3f", target-fd, fd))
			}
			if kind == MediaKindAudio || hasAudio {
				af = append(af, fmt.Sprintf("afade=t=out:st=%.3f:d=%.3f", target-fd, fd))
			}
		}
		if opts.FadeIn {
			if kind == MediaKindVideo {
				vf = append(vf, fmt.Sprintf("fade=t=in:st=0:d=%.3f", fd))
			}
			if kind == MediaKindAudio || hasAudio {
				af = append(af, fmt.Sprintf("afade=t=in:st=0:d=%.3f", fd))
			}
		}
		plan.VideoFilter = strings.Join(vf, ",")
		plan.AudioFilter = strings.Join(af, ",")
		return plan
	}

	// actual < target
	if kind == MediaKindAudio {
		ratio := actual / target
		plan := adjustPlan{Action: adjustStretch}
		if opts.PreservePitch {
			plan.AudioFilter = atempoChain(ratio)
		} else {
			plan.AudioFilter = fmt.Sprintf("asetrate=44100*%.6f,aresample=44100", ratio)
		}
		return plan
	}

	plan := adjustPlan{
		Action:      adjustHold,
		VideoFilter: fmt.Sprintf("tpad=stop_mode=clone:stop_duration=%.3f", target-actual),
	}
	if hasAudio {
		if opts.PreservePitch {
			plan.AudioFilter = atempoChain(actual / target)
		} else {
			plan.AudioFilter = fmt.Sprintf("apad=whole_dur=%.3f", target)
		}
	}
	return plan
}

// fadeDuration 淡入淡出覆盖目标时长的 10%，限制在 0.2s–1.5s
func fadeDuration(target float64) float64 {
	fd := target * 0.1
	if fd < 0.2 {
		fd = 0.2
	}
	if fd > 1.5 {
		fd = 1.5
	}
	return fd
}

// atempoChain 把任意变速比拆成若干个 atempo 滤镜（单个 atempo 仅支持 0.5–2.0）
func atempoChain(ratio float64) string {
	if ratio <= 0 {
		ratio = 1
	}
	var parts []string
	for ratio < 0.5 {
		parts = append(parts, "atempo=0.5")
		ratio /= 0.5
	}
	for ratio > 2.0 {
		parts = append(parts, "atempo=2.0")
		ratio /= 2.0
	}
	parts = append(parts, fmt.Sprintf("atempo=%.6f", ratio))
	return strings.Join(parts, ",")
}

// AdjustDuration 把本地媒体文件的时长校正到 target（秒）。
// 已在容差内的输入原样返回；校正后复测，限定轮数内未收敛返回 ErrAdjustmentDivergence。
func AdjustDuration(ctx context.Context, inputPath string, target float64, opts AdjustOptions) (string, error) {
	if target <= 0 {
		return "", fmt.Errorf("target duration %.3f must be positive", target)
	}
	g := config.AppConfig.Generation
	cur := inputPath

	for pass := 0; pass <= g.AdjustMaxPasses; pass++ {
		probe, err := ProbeMediaRetry(ctx, cur, g.ProviderMaxAttempts, g.ProviderBackoff.Std())
		if err != nil {
			return "", err
		}
		if probe.Kind == MediaKindImage {
			return "", fmt.Errorf("cannot adjust duration of an image: %s", cur)
		}
		if math.Abs(probe.Duration-target) <= g.DurationEpsilon {
			return cur, nil
		}
		if pass == g.AdjustMaxPasses {
			break
		}

		plan := planAdjustment(probe.Kind, probe.HasAudio, probe.Duration, target, g.DurationEpsilon, opts)
		out := tempMediaPath(filepath.Ext(cur))
		logrus.Infof("时长校正 pass=%d action=%s actual=%.3f target=%.3f file=%s", pass+1, plan.Action, probe.Duration, target, cur)
		if err := runAdjustment(cur, out, plan); err != nil {
			os.Remove(out)
			return "", fmt.Errorf("ffmpeg adjust failed: %w", err)
		}
		cur = out
	}
	return "", fmt.Errorf("%w: target %.3fs not reached within %d passes", ErrAdjustmentDivergence, target, g.AdjustMaxPasses)
}

func runAdjustment(in, out string, plan adjustPlan) error {
	kwargs := ffmpeg.KwArgs{}
	if plan.Action == adjustTrim {
		kwargs["t"] = fmt.Sprintf("%.3f", plan.TrimTo)
	}
	if plan.VideoFilter != "" {
		kwargs["vf"] = plan.VideoFilter
	}
	if plan.AudioFilter != "" {
		kwargs["af"] = plan.AudioFilter
	}
	return ffmpeg.Input(in).Output(out, kwargs).OverWriteOutput().Run()
}

func tempMediaPath(ext string) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("p2v_%s%s", uuid.NewString(), ext))
}
