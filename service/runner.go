package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"PromptToVideo-server/config"
	"PromptToVideo-server/models"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// 任务取消注册表（taskID -> 取消句柄），任务开始执行时注册，结束时注销。
// explicit 区分用户主动取消与队列超时/进程退出导致的上下文终止，两者终态语义不同。
type cancelEntry struct {
	cancel   context.CancelFunc
	explicit bool
}

var taskCancelRegistry = struct {
	sync.Mutex
	m map[string]*cancelEntry
}{
	m: make(map[string]*cancelEntry),
}

func registerTaskCancel(taskID string, cancel context.CancelFunc) {
	taskCancelRegistry.Lock()
	defer taskCancelRegistry.Unlock()
	taskCancelRegistry.m[taskID] = &cancelEntry{cancel: cancel}
}

func unregisterTaskCancel(taskID string) {
	taskCancelRegistry.Lock()
	defer taskCancelRegistry.Unlock()
	delete(taskCancelRegistry.m, taskID)
}

// cancelRunningTask 触发正在执行任务的取消信号，返回是否找到该任务
func cancelRunningTask(taskID string) bool {
	taskCancelRegistry.Lock()
	defer taskCancelRegistry.Unlock()
	if e, ok := taskCancelRegistry.m[taskID]; ok {
		e.explicit = true
		e.cancel()
		return true
	}
	return false
}

// explicitCancelRequested 该任务的取消信号是否来自用户请求
func explicitCancelRequested(taskID string) bool {
	taskCancelRegistry.Lock()
	defer taskCancelRegistry.Unlock()
	if e, ok := taskCancelRegistry.m[taskID]; ok {
		return e.explicit
	}
	return false
}

// Runner 端到端驱动一个生成任务：顺序执行各阶段，调用外部 provider，
// 在分镜产出后做时长分配，在音频/音乐/合成阶段做时长校正，
// 每次状态变更后通过 ProgressBus 广播并落库。
type Runner struct {
	store     taskStore
	bus       *ProgressBus
	providers *ProviderSet
}

func NewRunner(db *gorm.DB, bus *ProgressBus, providers *ProviderSet) *Runner {
	return &Runner{store: gormTaskStore{db: db}, bus: bus, providers: providers}
}

// Start 启动任务消费者。concurrency 即同时执行的任务数上限。
func (r *Runner) Start(concurrency int) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     config.AppConfig.Redis.Addr,
			Password: config.AppConfig.Redis.Password,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 1,
			},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeGenerateVideo, r.HandleGenerateTask)

	logrus.Infof("Starting Task Runner with concurrency %d...", concurrency)
	go func() {
		if err := srv.Run(mux); err != nil {
			logrus.Fatalf("could not run task server: %v", err)
		}
	}()
}

// runState 一次任务执行过程中的阶段间共享数据
type runState struct {
	task   *models.Task
	brief  promptBrief
	scenes []models.Scene
	result models.TaskResult
}

// promptBrief analyzing_prompt 阶段的产出
type promptBrief struct {
	RefinedPrompt string `json:"refined_prompt"`
	SceneCount    int    `json:"scene_count"`
}

type stageStep struct {
	name string
	run  func(ctx context.Context, st *runState) error
}

// pipeline 阶段的固定有序表。顺序静态可查，不做运行时名字派发。
func (r *Runner) pipeline() []stageStep {
	return []stageStep{
		{models.StageAnalyzingPrompt, r.stageAnalyzePrompt},
		{models.StageGeneratingScenes, r.stageGenerateScenes},
		{models.StageGeneratingImages, r.stageGenerateImages},
		{models.StageGeneratingAudio, r.stageGenerateSpeech},
		{models.StageGeneratingMusic, r.stageGenerateMusic},
		{models.StageAssemblingVideo, r.stageAssembleVideo},
	}
}

// HandleGenerateTask 核心处理逻辑
func (r *Runner) HandleGenerateTask(ctx context.Context, t *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	task, err := r.store.LoadTask(payload.TaskID)
	if err != nil {
		return fmt.Errorf("task not found: %v: %w", err, asynq.SkipRetry)
	}
	// 排队期间被取消的任务直接跳过
	if task.IsTerminal() {
		logrus.Infof("Task %s already terminal (%s), skip", task.ID, task.Status)
		return nil
	}

	logrus.Infof("Processing Task: %s | User: %s", task.ID, task.UserID)

	taskCtx, cancel := context.WithCancel(ctx)
	registerTaskCancel(task.ID, cancel)
	defer unregisterTaskCancel(task.ID)
	defer cancel()

	st := &runState{task: task}
	for _, step := range r.pipeline() {
		if _, err := task.EnterNextStage(); err != nil {
			return fmt.Errorf("advance stage failed: %v: %w", err, asynq.SkipRetry)
		}
		r.syncAndPublish(task)

		if err := step.run(taskCtx, st); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || taskCtx.Err() != nil {
				// cancelled 只属于用户主动取消；已产出的部分资产一律保留
				if explicitCancelRequested(task.ID) {
					logrus.Infof("Task %s cancelled during %s", task.ID, step.name)
					_ = task.MarkCancelled()
					r.syncAndPublish(task)
					return nil
				}
				// 队列投递超时：失败收尾，不伪装成用户取消
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					logrus.Errorf("Task %s deadline exceeded during %s", task.ID, step.name)
					_ = task.MarkFailed(step.name, "processing deadline exceeded")
					r.syncAndPublish(task)
					return nil
				}
				// 进程退出等外部终止：保持非终态，交还队列重投
				logrus.Warnf("Task %s interrupted during %s, leaving for redelivery", task.ID, step.name)
				return fmt.Errorf("task %s interrupted during %s: %w", task.ID, step.name, err)
			}
			logrus.Errorf("Task %s failed at %s: %v", task.ID, step.name, err)
			_ = task.MarkFailed(step.name, err.Error())
			r.syncAndPublish(task)
			return nil // 业务失败不走队列重试，任务需整体重新提交
		}

		_ = task.SetStageProgress(step.name, 100)
		r.syncAndPublish(task)
	}

	_ = task.MarkCompleted(st.result)
	r.syncAndPublish(task)
	logrus.Infof("Task %s completed successfully", task.ID)
	return nil
}

// Cancel 取消任务：执行中的触发取消信号，排队中的直接落库收尾
func (r *Runner) Cancel(taskID string) error {
	task, err := r.store.LoadTask(taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTaskNotFound
		}
		return err
	}
	if task.IsTerminal() {
		return fmt.Errorf("task %s already terminal (%s)", taskID, task.Status)
	}

	if cancelRunningTask(taskID) {
		// 执行协程会在下一个挂起点感知取消并自行收尾
		return nil
	}

	// 尚未被执行器取走：直接标记取消
	if err := task.MarkCancelled(); err != nil {
		return err
	}
	r.syncAndPublish(task)
	return nil
}

// syncAndPublish 状态落库并广播。发布是尽力而为，落库失败只记日志。
func (r *Runner) syncAndPublish(task *models.Task) {
	if err := r.store.SaveTask(task); err != nil {
		logrus.Errorf("保存任务状态失败: %v", err)
	}
	r.bus.Publish(task)
}

// setProgress 由阶段协调者更新当前阶段进度（单写者），场景级 worker 不直接写进度
func (r *Runner) setProgress(task *models.Task, stage string, pct int) {
	if err := task.SetStageProgress(stage, pct); err != nil {
		return
	}
	r.syncAndPublish(task)
}

// withRetry 阶段内的瞬时错误退避重试；重试耗尽或遇到永久错误直接上抛
func (r *Runner) withRetry(ctx context.Context, fn func() error) error {
	g := config.AppConfig.Generation
	var lastErr error
	for attempt := 1; attempt <= g.ProviderMaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == g.ProviderMaxAttempts {
			break
		}
		wait := g.ProviderBackoff.Std() * time.Duration(1<<uint(attempt-1))
		logrus.Warnf("瞬时错误，%v 后重试 (attempt %d/%d): %v", wait, attempt, g.ProviderMaxAttempts, lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}

// forEachScene 阶段内按场景并发执行 fn，并发度受 scene_workers 限制。
// 每个 worker 只写自己场景的字段；进度由这里的协调循环统一更新，
// 完成数映射到 [0, weightPct] 区间。
func (r *Runner) forEachScene(ctx context.Context, st *runState, stage string, weightPct int, fn func(ctx context.Context, scene *models.Scene) error) error {
	total := len(st.scenes)
	if total == 0 {
		return fmt.Errorf("no scenes for stage %s", stage)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(config.AppConfig.Generation.SceneWorkers)
	done := make(chan struct{}, total)

	for i := range st.scenes {
		scene := &st.scenes[i]
		g.Go(func() error {
			if err := fn(gctx, scene); err != nil {
				return fmt.Errorf("scene %d: %w", scene.Idx, err)
			}
			done <- struct{}{}
			return nil
		})
	}

	errCh := make(chan error, 1)
	go func() { errCh <- g.Wait() }()

	completed := 0
	for {
		select {
		case <-done:
			completed++
			r.setProgress(st.task, stage, completed*weightPct/total)
		case err := <-errCh:
			if err != nil {
				return err
			}
			// Wait 返回后把尚未消费的完成信号补齐
			for {
				select {
				case <-done:
					completed++
				default:
					r.setProgress(st.task, stage, completed*weightPct/total)
					return nil
				}
			}
		}
	}
}

// ============================================================================
// 阶段实现
// ============================================================================

// stageAnalyzePrompt 调 prompt 分析 provider，产出精炼后的提示词与建议场景数
func (r *Runner) stageAnalyzePrompt(ctx context.Context, st *runState) error {
	task := st.task
	params := map[string]interface{}{
		"prompt":         task.Prompt,
		"style":          task.Config.Style,
		"aspect_ratio":   task.Config.AspectRatio,
		"total_duration": task.Config.TotalDuration,
		"scene_count":    task.Config.SceneCount,
	}

	var result *JobResult
	err := r.withRetry(ctx, func() error {
		var innerErr error
		result, innerErr = r.providers.Analyze.GenerateAndWait(ctx, params, func(p int) {
			// provider 进度映射到阶段的前 90%，落库下载完成后补到 100
			r.setProgress(task, models.StageAnalyzingPrompt, p*90/100)
		})
		return innerErr
	})
	if err != nil {
		return err
	}

	if err := fetchJSON(ctx, result.ResourceURL, &st.brief); err != nil {
		return fmt.Errorf("下载 prompt 分析结果失败: %w", err)
	}
	if st.brief.RefinedPrompt == "" {
		st.brief.RefinedPrompt = task.Prompt
	}
	if st.brief.SceneCount <= 0 {
		st.brief.SceneCount = task.Config.SceneCount
	}
	return nil
}

// storyboardScene 分镜 JSON 中的单个场景。weight 缺省按 1.0 处理。
type storyboardScene struct {
	Title        string   `json:"title"`
	ScriptText   string   `json:"script_text"`
	VisualPrompt string   `json:"visual_prompt"`
	AudioPrompt  string   `json:"audio_prompt"`
	MusicPrompt  string   `json:"music_prompt"`
	Weight       *float64 `json:"weight"`
}

// stageGenerateScenes 生成分镜脚本并入库，随后立即做一次时长分配
func (r *Runner) stageGenerateScenes(ctx context.Context, st *runState) error {
	task := st.task
	gcfg := config.AppConfig.Generation
	params := map[string]interface{}{
		"prompt":         st.brief.RefinedPrompt,
		"style":          task.Config.Style,
		"scene_count":    st.brief.SceneCount,
		"total_duration": task.Config.TotalDuration,
	}

	var result *JobResult
	err := r.withRetry(ctx, func() error {
		var innerErr error
		result, innerErr = r.providers.Scenes.GenerateAndWait(ctx, params, func(p int) {
			r.setProgress(task, models.StageGeneratingScenes, p*90/100)
		})
		return innerErr
	})
	if err != nil {
		return err
	}

	var storyboard struct {
		Scenes []storyboardScene `json:"scenes"`
	}
	if err := fetchJSON(ctx, result.ResourceURL, &storyboard); err != nil {
		return fmt.Errorf("下载分镜 JSON 失败: %w", err)
	}
	if len(storyboard.Scenes) == 0 {
		return fmt.Errorf("分镜 JSON 中没有 scenes 数据")
	}

	weights := make([]float64, len(storyboard.Scenes))
	for i, s := range storyboard.Scenes {
		if s.Weight != nil {
			weights[i] = *s.Weight
		} else {
			weights[i] = 1.0
		}
	}
	durations, err := AllocateSceneDurations(weights, task.Config.TotalDuration, gcfg.MinSceneDuration)
	if err != nil {
		return err
	}

	now := time.Now()
	scenes := make([]models.Scene, 0, len(storyboard.Scenes))
	for i, s := range storyboard.Scenes {
		scenes = append(scenes, models.Scene{
			ID:             uuid.NewString(),
			TaskID:         task.ID,
			Idx:            i,
			Title:          s.Title,
			ScriptText:     s.ScriptText,
			VisualPrompt:   s.VisualPrompt,
			AudioPrompt:    s.AudioPrompt,
			MusicPrompt:    s.MusicPrompt,
			Weight:         weights[i],
			TargetDuration: durations[i],
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	if err := r.store.CreateScenes(scenes); err != nil {
		return fmt.Errorf("批量创建场景失败: %w", err)
	}
	st.scenes = scenes
	logrus.Infof("Task %s: %d scenes created, total %.2fs", task.ID, len(scenes), task.Config.TotalDuration)
	return nil
}

// stageGenerateImages 按场景并发生成关键帧图片
func (r *Runner) stageGenerateImages(ctx context.Context, st *runState) error {
	task := st.task
	return r.forEachScene(ctx, st, models.StageGeneratingImages, 100, func(ctx context.Context, scene *models.Scene) error {
		params := map[string]interface{}{
			"prompt":       scene.VisualPrompt,
			"style":        task.Config.Style,
			"aspect_ratio": task.Config.AspectRatio,
		}
		var result *JobResult
		err := r.withRetry(ctx, func() error {
			var innerErr error
			result, innerErr = r.providers.Image.GenerateAndWait(ctx, params, nil)
			return innerErr
		})
		if err != nil {
			return err
		}

		local, err := FetchToTemp(ctx, result.ResourceURL)
		if err != nil {
			return err
		}
		defer os.Remove(local)

		objectName := fmt.Sprintf("tasks/%s/scenes/%d/image%s", task.ID, scene.Idx, orExt(local, ".png"))
		finalURL, err := UploadFile(local, objectName)
		if err != nil {
			return err
		}
		scene.ImageURL = finalURL
		return r.store.UpdateScene(scene, map[string]interface{}{"image_url": finalURL})
	})
}

// stageGenerateSpeech 按场景生成旁白语音并校正到分配时长
func (r *Runner) stageGenerateSpeech(ctx context.Context, st *runState) error {
	task := st.task
	gcfg := config.AppConfig.Generation
	return r.forEachScene(ctx, st, models.StageGeneratingAudio, 100, func(ctx context.Context, scene *models.Scene) error {
		params := map[string]interface{}{
			"text":     scene.ScriptText,
			"voice":    scene.AudioPrompt,
			"duration": scene.TargetDuration,
		}
		var result *JobResult
		err := r.withRetry(ctx, func() error {
			var innerErr error
			result, innerErr = r.providers.Speech.GenerateAndWait(ctx, params, nil)
			return innerErr
		})
		if err != nil {
			return err
		}

		local, err := FetchToTemp(ctx, result.ResourceURL)
		if err != nil {
			return err
		}
		defer os.Remove(local)

		adjusted, err := AdjustDuration(ctx, local, scene.TargetDuration, AdjustOptions{PreservePitch: true})
		if err != nil {
			return err
		}
		if adjusted != local {
			defer os.Remove(adjusted)
		}

		probe, err := ProbeMediaRetry(ctx, adjusted, gcfg.ProviderMaxAttempts, gcfg.ProviderBackoff.Std())
		if err != nil {
			return err
		}

		objectName := fmt.Sprintf("tasks/%s/scenes/%d/speech%s", task.ID, scene.Idx, orExt(adjusted, ".m4a"))
		finalURL, err := UploadFile(adjusted, objectName)
		if err != nil {
			return err
		}
		scene.SpeechURL = finalURL
		scene.ActualDuration = probe.Duration
		return r.store.UpdateScene(scene, map[string]interface{}{
			"speech_url":      finalURL,
			"actual_duration": probe.Duration,
		})
	})
}

// stageGenerateMusic 按场景生成配乐、校正时长，并与旁白混成一条音轨
func (r *Runner) stageGenerateMusic(ctx context.Context, st *runState) error {
	task := st.task
	return r.forEachScene(ctx, st, models.StageGeneratingMusic, 100, func(ctx context.Context, scene *models.Scene) error {
		params := map[string]interface{}{
			"prompt":   scene.MusicPrompt,
			"duration": scene.TargetDuration,
		}
		var result *JobResult
		err := r.withRetry(ctx, func() error {
			var innerErr error
			result, innerErr = r.providers.Music.GenerateAndWait(ctx, params, nil)
			return innerErr
		})
		if err != nil {
			return err
		}

		musicLocal, err := FetchToTemp(ctx, result.ResourceURL)
		if err != nil {
			return err
		}
		defer os.Remove(musicLocal)

		musicAdjusted, err := AdjustDuration(ctx, musicLocal, scene.TargetDuration, AdjustOptions{FadeOut: true, PreservePitch: true})
		if err != nil {
			return err
		}
		if musicAdjusted != musicLocal {
			defer os.Remove(musicAdjusted)
		}

		musicObject := fmt.Sprintf("tasks/%s/scenes/%d/music%s", task.ID, scene.Idx, orExt(musicAdjusted, ".m4a"))
		musicURL, err := UploadFile(musicAdjusted, musicObject)
		if err != nil {
			return err
		}

		// 混音：旁白在上，配乐压低铺底，再整体校正到场景目标时长
		speechLocal, err := FetchToTemp(ctx, scene.SpeechURL)
		if err != nil {
			return err
		}
		defer os.Remove(speechLocal)

		mixed, err := MixSceneAudio(speechLocal, musicAdjusted)
		if err != nil {
			return err
		}
		defer os.Remove(mixed)

		mixedAdjusted, err := AdjustDuration(ctx, mixed, scene.TargetDuration, AdjustOptions{PreservePitch: true})
		if err != nil {
			return err
		}
		if mixedAdjusted != mixed {
			defer os.Remove(mixedAdjusted)
		}

		mixedObject := fmt.Sprintf("tasks/%s/scenes/%d/mixed%s", task.ID, scene.Idx, orExt(mixedAdjusted, ".m4a"))
		mixedURL, err := UploadFile(mixedAdjusted, mixedObject)
		if err != nil {
			return err
		}

		scene.MusicURL = musicURL
		scene.MixedAudioURL = mixedURL
		return r.store.UpdateScene(scene, map[string]interface{}{
			"music_url":       musicURL,
			"mixed_audio_url": mixedURL,
		})
	})
}

// stageAssembleVideo 按场景生成视频片段、对齐音轨时长并合成，最后拼接全片并做末端校正
func (r *Runner) stageAssembleVideo(ctx context.Context, st *runState) error {
	task := st.task
	gcfg := config.AppConfig.Generation
	clips := make([]string, len(st.scenes))
	// 部分场景失败时其他 worker 已产出的片段也要清掉
	defer cleanupClips(clips)

	// 场景片段生成映射到阶段进度的前 80%，拼接与末端校正占余下 20%
	err := r.forEachScene(ctx, st, models.StageAssemblingVideo, 80, func(ctx context.Context, scene *models.Scene) error {
		params := map[string]interface{}{
			"image_url":    scene.ImageURL,
			"prompt":       scene.VisualPrompt,
			"duration":     scene.TargetDuration,
			"aspect_ratio": task.Config.AspectRatio,
		}
		var result *JobResult
		err := r.withRetry(ctx, func() error {
			var innerErr error
			result, innerErr = r.providers.Video.GenerateAndWait(ctx, params, nil)
			return innerErr
		})
		if err != nil {
			return err
		}

		videoLocal, err := FetchToTemp(ctx, result.ResourceURL)
		if err != nil {
			return err
		}
		defer os.Remove(videoLocal)

		audioLocal, err := FetchToTemp(ctx, scene.MixedAudioURL)
		if err != nil {
			return err
		}
		defer os.Remove(audioLocal)

		// 视频片段时长对齐到音轨时长，再做逐场景合成
		audioProbe, err := ProbeMediaRetry(ctx, audioLocal, gcfg.ProviderMaxAttempts, gcfg.ProviderBackoff.Std())
		if err != nil {
			return err
		}
		videoAdjusted, err := AdjustDuration(ctx, videoLocal, audioProbe.Duration, AdjustOptions{FadeOut: true})
		if err != nil {
			return err
		}
		if videoAdjusted != videoLocal {
			defer os.Remove(videoAdjusted)
		}

		clip, err := MuxSceneClip(videoAdjusted, audioLocal)
		if err != nil {
			return err
		}
		clips[scene.Idx] = clip

		objectName := fmt.Sprintf("tasks/%s/scenes/%d/final.mp4", task.ID, scene.Idx)
		finalURL, err := UploadFile(clip, objectName)
		if err != nil {
			return err
		}
		scene.FinalURL = finalURL
		scene.VideoURL = finalURL
		return r.store.UpdateScene(scene, map[string]interface{}{
			"video_url": finalURL,
			"final_url": finalURL,
		})
	})
	if err != nil {
		return err
	}

	full, err := ConcatSceneClips(clips)
	if err != nil {
		return err
	}
	defer os.Remove(full)
	r.setProgress(task, models.StageAssemblingVideo, 90)

	// 末端校正：整片时长对齐到任务配置的总时长
	corrected, err := AdjustDuration(ctx, full, task.Config.TotalDuration, AdjustOptions{FadeOut: true, PreservePitch: true})
	if err != nil {
		return err
	}
	if corrected != full {
		defer os.Remove(corrected)
	}

	probe, err := ProbeMediaRetry(ctx, corrected, gcfg.ProviderMaxAttempts, gcfg.ProviderBackoff.Std())
	if err != nil {
		return err
	}

	finalURL, err := UploadFile(corrected, fmt.Sprintf("tasks/%s/final.mp4", task.ID))
	if err != nil {
		return err
	}

	st.result = models.TaskResult{
		VideoURL: finalURL,
		Duration: probe.Duration,
	}
	if len(st.scenes) > 0 {
		st.result.ThumbnailURL = st.scenes[0].ImageURL
	}
	return nil
}

// fetchJSON 下载并解析 provider 产出的 JSON 资源
func fetchJSON(ctx context.Context, resourceURL string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resourceURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download status: %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// cleanupClips 删除已落盘的临时片段，空槽位跳过
func cleanupClips(clips []string) {
	for _, clip := range clips {
		if clip != "" {
			os.Remove(clip)
		}
	}
}

// orExt 取文件扩展名，为空时用兜底值
func orExt(path, fallback string) string {
	if ext := filepath.Ext(path); ext != "" {
		return ext
	}
	return fallback
}
