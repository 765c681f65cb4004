package models

import (
	"strings"
	"testing"
)

func newTestTask() *Task {
	return &Task{
		ID:            "t-001",
		UserID:        "u-001",
		Prompt:        "a quiet morning in a fishing village",
		Status:        TaskStatusPending,
		StageProgress: StageProgress{},
	}
}

func TestEnterNextStageWalksFullOrder(t *testing.T) {
	task := newTestTask()
	for i, want := range StageOrder {
		got, err := task.EnterNextStage()
		if err != nil {
			t.Fatalf("advance to stage %d: %v", i, err)
		}
		if got != want {
			t.Fatalf("stage %d = %s; want %s", i, got, want)
		}
		if task.Status != want {
			t.Fatalf("status = %s; want %s", task.Status, want)
		}
		if task.StageProgress[want] != 0 {
			t.Fatalf("new stage %s progress = %d; want 0", want, task.StageProgress[want])
		}
		if err := task.SetStageProgress(want, 100); err != nil {
			t.Fatalf("finish stage %s: %v", want, err)
		}
	}
	// 最后一个阶段之后不再有下一阶段
	if _, err := task.EnterNextStage(); err == nil {
		t.Fatal("advancing past the last stage should fail")
	}
	if task.OverallProgress != 100 {
		t.Fatalf("overall = %d after all stages done; want 100", task.OverallProgress)
	}
}

func TestEnterNextStageRequiresCurrentAt100(t *testing.T) {
	task := newTestTask()
	if _, err := task.EnterNextStage(); err != nil {
		t.Fatalf("enter first stage: %v", err)
	}
	if err := task.SetStageProgress(StageAnalyzingPrompt, 60); err != nil {
		t.Fatalf("set progress: %v", err)
	}
	if _, err := task.EnterNextStage(); err == nil {
		t.Fatal("advance with stage at 60% should fail")
	}
}

func TestSetStageProgressMonotoneAndScoped(t *testing.T) {
	task := newTestTask()
	task.EnterNextStage()

	if err := task.SetStageProgress(StageAnalyzingPrompt, 70); err != nil {
		t.Fatalf("set 70: %v", err)
	}
	// 回退写被静默忽略，进度钉在 70
	if err := task.SetStageProgress(StageAnalyzingPrompt, 30); err != nil {
		t.Fatalf("regress write should be a no-op, got: %v", err)
	}
	if task.StageProgress[StageAnalyzingPrompt] != 70 {
		t.Fatalf("progress = %d; want 70", task.StageProgress[StageAnalyzingPrompt])
	}

	// 越界值钳到 [0,100]
	if err := task.SetStageProgress(StageAnalyzingPrompt, 130); err != nil {
		t.Fatalf("set 130: %v", err)
	}
	if task.StageProgress[StageAnalyzingPrompt] != 100 {
		t.Fatalf("progress = %d; want clamped 100", task.StageProgress[StageAnalyzingPrompt])
	}

	// 只允许写当前阶段
	if err := task.SetStageProgress(StageGeneratingImages, 10); err == nil {
		t.Fatal("writing a non-current stage should fail")
	}
}

func TestOverallProgressWeightedAndMonotone(t *testing.T) {
	task := newTestTask()
	task.EnterNextStage() // analyzing_prompt, weight 5

	task.SetStageProgress(StageAnalyzingPrompt, 100)
	if task.OverallProgress != 5 {
		t.Fatalf("overall = %d after analyzing_prompt done; want 5", task.OverallProgress)
	}

	task.EnterNextStage() // generating_scenes, weight 10
	task.SetStageProgress(StageGeneratingScenes, 50)
	if task.OverallProgress != 10 {
		t.Fatalf("overall = %d; want 10 (5 + 10*50%%)", task.OverallProgress)
	}

	prev := task.OverallProgress
	task.SetStageProgress(StageGeneratingScenes, 100)
	if task.OverallProgress < prev {
		t.Fatalf("overall regressed from %d to %d", prev, task.OverallProgress)
	}
	if task.OverallProgress != 15 {
		t.Fatalf("overall = %d; want 15", task.OverallProgress)
	}
}

func TestTerminalStatesRejectMutation(t *testing.T) {
	fail := newTestTask()
	fail.EnterNextStage()
	if err := fail.MarkFailed(StageAnalyzingPrompt, "provider rejected prompt"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if !fail.IsTerminal() {
		t.Fatal("failed task should be terminal")
	}
	if !strings.HasPrefix(fail.Error, "["+StageAnalyzingPrompt+"]") {
		t.Errorf("error should be stage-qualified, got %q", fail.Error)
	}
	if _, err := fail.EnterNextStage(); err == nil {
		t.Error("terminal task accepted EnterNextStage")
	}
	if err := fail.SetStageProgress(StageAnalyzingPrompt, 99); err == nil {
		t.Error("terminal task accepted SetStageProgress")
	}
	if err := fail.MarkCancelled(); err == nil {
		t.Error("terminal task accepted MarkCancelled")
	}
	if err := fail.MarkCompleted(TaskResult{}); err == nil {
		t.Error("terminal task accepted MarkCompleted")
	}

	cancel := newTestTask()
	if err := cancel.MarkCancelled(); err != nil {
		t.Fatalf("MarkCancelled: %v", err)
	}
	if cancel.Error != "" {
		t.Errorf("cancelled task should not carry error, got %q", cancel.Error)
	}
	if err := cancel.MarkFailed(StageGeneratingImages, "boom"); err == nil {
		t.Error("cancelled task accepted MarkFailed")
	}
}

func TestMarkCompletedWritesResult(t *testing.T) {
	task := newTestTask()
	task.EnterNextStage()
	result := TaskResult{VideoURL: "https://cdn.example.com/final.mp4", Duration: 30.0}
	if err := task.MarkCompleted(result); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if task.Status != TaskStatusCompleted || task.OverallProgress != 100 {
		t.Fatalf("status = %s overall = %d; want completed/100", task.Status, task.OverallProgress)
	}
	if task.Result.VideoURL != result.VideoURL {
		t.Errorf("result video url = %q; want %q", task.Result.VideoURL, result.VideoURL)
	}
}

func TestCurrentStage(t *testing.T) {
	task := newTestTask()
	if got := task.CurrentStage(); got != "" {
		t.Fatalf("pending task stage = %q; want empty", got)
	}
	task.EnterNextStage()
	if got := task.CurrentStage(); got != StageAnalyzingPrompt {
		t.Fatalf("stage = %q; want %s", got, StageAnalyzingPrompt)
	}
	task.MarkCancelled()
	if got := task.CurrentStage(); got != "" {
		t.Fatalf("terminal task stage = %q; want empty", got)
	}
}

func TestSetStageWeightsValidation(t *testing.T) {
	defer SetStageWeights(nil)

	full := func(overrides map[string]int) map[string]int {
		w := map[string]int{
			StageAnalyzingPrompt:  5,
			StageGeneratingScenes: 10,
			StageGeneratingImages: 30,
			StageGeneratingAudio:  15,
			StageGeneratingMusic:  10,
			StageAssemblingVideo:  30,
		}
		for k, v := range overrides {
			w[k] = v
		}
		return w
	}

	if err := SetStageWeights(full(nil)); err != nil {
		t.Fatalf("valid weights rejected: %v", err)
	}
	if err := SetStageWeights(full(map[string]int{StageAnalyzingPrompt: 10})); err == nil {
		t.Error("sum != 100 should be rejected")
	}
	missing := full(nil)
	delete(missing, StageGeneratingMusic)
	if err := SetStageWeights(missing); err == nil {
		t.Error("missing stage should be rejected")
	}
	if err := SetStageWeights(full(map[string]int{StageAnalyzingPrompt: -5, StageGeneratingScenes: 20})); err == nil {
		t.Error("negative weight should be rejected")
	}
	// 空表回退内置默认
	if err := SetStageWeights(nil); err != nil {
		t.Errorf("empty weights should reset to defaults: %v", err)
	}
}
