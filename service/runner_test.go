package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"PromptToVideo-server/config"
	"PromptToVideo-server/models"

	"github.com/hibiken/asynq"
	"gorm.io/gorm"
)

func setTestGenerationConfig(t *testing.T) {
	t.Helper()
	prev := config.AppConfig
	config.AppConfig = &config.Config{
		Generation: config.GenerationConfig{
			ProviderMaxAttempts: 3,
			ProviderBackoff:     config.Duration(time.Millisecond),
			SceneWorkers:        3,
			DurationEpsilon:     0.05,
			AdjustMaxPasses:     3,
			PollInterval:        config.Duration(5 * time.Millisecond),
			PollTimeout:         config.Duration(time.Second),
		},
	}
	t.Cleanup(func() { config.AppConfig = prev })
}

func TestWithRetryTransientEventuallySucceeds(t *testing.T) {
	setTestGenerationConfig(t)
	r := &Runner{}

	attempts := 0
	err := r.withRetry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return &ProviderError{Capability: "image", StatusCode: 503, Msg: "overloaded", Transient: true}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d; want 3", attempts)
	}
}

func TestWithRetryPermanentFailsImmediately(t *testing.T) {
	setTestGenerationConfig(t)
	r := &Runner{}

	permanent := &ProviderError{Capability: "speech", StatusCode: 400, Msg: "bad params", Transient: false}
	attempts := 0
	err := r.withRetry(context.Background(), func() error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v; want the permanent provider error", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d; want 1 (no retry on permanent errors)", attempts)
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	setTestGenerationConfig(t)
	r := &Runner{}

	transient := &ProviderError{Capability: "music", StatusCode: 429, Msg: "rate limited", Transient: true}
	attempts := 0
	err := r.withRetry(context.Background(), func() error {
		attempts++
		return transient
	})
	if !errors.Is(err, transient) {
		t.Fatalf("err = %v; want the last transient error", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d; want ProviderMaxAttempts=3", attempts)
	}
}

func TestWithRetryProbeFailureIsRetried(t *testing.T) {
	setTestGenerationConfig(t)
	r := &Runner{}

	attempts := 0
	err := r.withRetry(context.Background(), func() error {
		attempts++
		if attempts == 1 {
			return fmt.Errorf("%w: ffprobe exited 1", ErrProbeFailure)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d; want 2", attempts)
	}
}

func TestWithRetryStopsOnCancel(t *testing.T) {
	setTestGenerationConfig(t)
	r := &Runner{}

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := r.withRetry(ctx, func() error {
		attempts++
		cancel()
		return &ProviderError{Capability: "video", StatusCode: 500, Msg: "worker crashed", Transient: true}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v; want context.Canceled", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d; want 1 (cancel short-circuits retries)", attempts)
	}
}

func TestTransientClassification(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{408, true},
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{401, false},
		{404, false},
		{422, false},
	}
	for _, c := range cases {
		if got := transientStatusCode(c.code); got != c.want {
			t.Errorf("transientStatusCode(%d) = %v; want %v", c.code, got, c.want)
		}
	}

	if !IsTransient(fmt.Errorf("probe scene 2: %w", ErrProbeFailure)) {
		t.Error("wrapped probe failure should be transient")
	}
	if IsTransient(errors.New("some other failure")) {
		t.Error("unknown errors should not be transient")
	}
	if IsTransient(fmt.Errorf("allocate: %w", ErrConstraintViolation)) {
		t.Error("constraint violations are permanent")
	}
}

// ---- 端到端阶段流转（内存持久层 + 假 provider）----

type fakeProvider struct {
	fn func(ctx context.Context, params map[string]interface{}) (*JobResult, error)
}

func (f *fakeProvider) GenerateAndWait(ctx context.Context, params map[string]interface{}, onProgress func(int)) (*JobResult, error) {
	return f.fn(ctx, params)
}

type memTaskStore struct {
	mu     sync.Mutex
	task   *models.Task
	scenes []models.Scene
}

func (m *memTaskStore) LoadTask(taskID string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.task == nil || m.task.ID != taskID {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *m.task
	return &cp, nil
}

func (m *memTaskStore) SaveTask(t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.task = &cp
	return nil
}

func (m *memTaskStore) CreateScenes(scenes []models.Scene) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scenes = append(m.scenes, scenes...)
	return nil
}

func (m *memTaskStore) UpdateScene(s *models.Scene, updates map[string]interface{}) error {
	return nil
}

func (m *memTaskStore) snapshot() (models.Task, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.task, len(m.scenes)
}

func storyboardTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/brief", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"refined_prompt":"海边清晨的小渔村","scene_count":2}`)
	})
	mux.HandleFunc("/storyboard", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"scenes":[`+
			`{"title":"日出","script_text":"太阳升起","visual_prompt":"sunrise"},`+
			`{"title":"出海","script_text":"渔船出海","visual_prompt":"boats"}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newPipelineTestRunner(t *testing.T, store *memTaskStore, image GenerationProvider) *Runner {
	t.Helper()
	srv := storyboardTestServer(t)
	providers := &ProviderSet{
		Analyze: &fakeProvider{fn: func(ctx context.Context, _ map[string]interface{}) (*JobResult, error) {
			return &JobResult{ResourceURL: srv.URL + "/brief"}, nil
		}},
		Scenes: &fakeProvider{fn: func(ctx context.Context, _ map[string]interface{}) (*JobResult, error) {
			return &JobResult{ResourceURL: srv.URL + "/storyboard"}, nil
		}},
		Image: image,
	}
	return &Runner{store: store, bus: NewProgressBus(nil, nil, 0), providers: providers}
}

func newPipelineTask() *models.Task {
	return &models.Task{
		ID:            "task-run-1",
		UserID:        "u1",
		Prompt:        "海边清晨的小渔村",
		Config:        models.TaskConfig{AspectRatio: "16:9", TotalDuration: 10},
		Status:        models.TaskStatusPending,
		StageProgress: models.StageProgress{},
	}
}

func generateAsynqTask(t *testing.T, taskID string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(TaskPayload{TaskID: taskID})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return asynq.NewTask(TypeGenerateVideo, payload)
}

// 用户在生图阶段取消：任务收尾为 cancelled，不记 error，已产出的场景保留
func TestHandleGenerateTaskCancelDuringImages(t *testing.T) {
	setTestGenerationConfig(t)
	store := &memTaskStore{}
	store.SaveTask(newPipelineTask())

	started := make(chan struct{})
	var once sync.Once
	image := &fakeProvider{fn: func(ctx context.Context, _ map[string]interface{}) (*JobResult, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	r := newPipelineTestRunner(t, store, image)

	asynqTask := generateAsynqTask(t, "task-run-1")
	done := make(chan error, 1)
	go func() { done <- r.HandleGenerateTask(context.Background(), asynqTask) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("image stage never started")
	}
	if err := r.Cancel("task-run-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("handler returned %v; cancellation must not requeue", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not finish after cancel")
	}

	task, sceneCount := store.snapshot()
	if task.Status != models.TaskStatusCancelled {
		t.Fatalf("status = %s; want cancelled", task.Status)
	}
	if task.Error != "" {
		t.Errorf("cancelled task should not carry error, got %q", task.Error)
	}
	if sceneCount != 2 {
		t.Errorf("scenes = %d; want 2 retained after cancel", sceneCount)
	}
}

// 阶段内的永久错误：任务失败并带阶段前缀，已产出的场景保留
func TestHandleGenerateTaskStageFailureKeepsAssets(t *testing.T) {
	setTestGenerationConfig(t)
	store := &memTaskStore{}
	store.SaveTask(newPipelineTask())

	image := &fakeProvider{fn: func(ctx context.Context, _ map[string]interface{}) (*JobResult, error) {
		return nil, &ProviderError{Capability: "image", StatusCode: 422, Msg: "prompt rejected", Transient: false}
	}}
	r := newPipelineTestRunner(t, store, image)

	if err := r.HandleGenerateTask(context.Background(), generateAsynqTask(t, "task-run-1")); err != nil {
		t.Fatalf("handler: %v (business failures must not requeue)", err)
	}

	task, sceneCount := store.snapshot()
	if task.Status != models.TaskStatusFailed {
		t.Fatalf("status = %s; want failed", task.Status)
	}
	if !strings.HasPrefix(task.Error, "["+models.StageGeneratingImages+"]") {
		t.Errorf("error = %q; want stage-qualified", task.Error)
	}
	if sceneCount != 2 {
		t.Errorf("scenes = %d; want 2 retained after failure", sceneCount)
	}
}

// 队列投递超时不是用户取消：任务失败收尾并记录原因
func TestHandleGenerateTaskDeadlineMarksFailed(t *testing.T) {
	setTestGenerationConfig(t)
	store := &memTaskStore{}
	store.SaveTask(newPipelineTask())

	image := &fakeProvider{fn: func(ctx context.Context, _ map[string]interface{}) (*JobResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	r := newPipelineTestRunner(t, store, image)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := r.HandleGenerateTask(ctx, generateAsynqTask(t, "task-run-1")); err != nil {
		t.Fatalf("handler: %v", err)
	}

	task, _ := store.snapshot()
	if task.Status != models.TaskStatusFailed {
		t.Fatalf("status = %s; want failed (deadline is not a user cancel)", task.Status)
	}
	if task.Error == "" {
		t.Error("deadline failure should record an error")
	}
}

// 进程退出等外部终止：handler 返回错误交还队列重投，任务保持非终态
func TestHandleGenerateTaskShutdownLeavesTaskRequeueable(t *testing.T) {
	setTestGenerationConfig(t)
	store := &memTaskStore{}
	store.SaveTask(newPipelineTask())

	started := make(chan struct{})
	var once sync.Once
	image := &fakeProvider{fn: func(ctx context.Context, _ map[string]interface{}) (*JobResult, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	r := newPipelineTestRunner(t, store, image)

	ctx, shutdown := context.WithCancel(context.Background())
	defer shutdown()
	asynqTask := generateAsynqTask(t, "task-run-1")
	done := make(chan error, 1)
	go func() { done <- r.HandleGenerateTask(ctx, asynqTask) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("image stage never started")
	}
	shutdown()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("handler must return an error on external interruption so the queue redelivers")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after shutdown")
	}

	task, _ := store.snapshot()
	if task.IsTerminal() {
		t.Fatalf("status = %s; interrupted task must stay non-terminal", task.Status)
	}
}

func TestCleanupClipsRemovesProducedFiles(t *testing.T) {
	f, err := os.CreateTemp("", "p2v_clip_*.mp4")
	if err != nil {
		t.Fatalf("create temp: %v", err)
	}
	f.Close()

	cleanupClips([]string{f.Name(), ""})
	if _, err := os.Stat(f.Name()); !os.IsNotExist(err) {
		os.Remove(f.Name())
		t.Fatalf("clip %s not removed", f.Name())
	}
}
