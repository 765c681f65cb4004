package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"PromptToVideo-server/config"

	"github.com/sirupsen/logrus"
)

// GenerationProvider 一种外部生成能力（分镜/生图/语音/音乐/视频），以不透明异步服务消费。
// 实现须在 ctx 取消时尽快返回，并尽力通知上游取消（不保证远端真正停止）。
type GenerationProvider interface {
	GenerateAndWait(ctx context.Context, params map[string]interface{}, onProgress func(int)) (*JobResult, error)
}

// JobResult Worker 作业的最小资源定位信息
type JobResult struct {
	ResourceURL string  `json:"resource_url"`
	Duration    float64 `json:"duration,omitempty"`
}

// ProviderSet 各阶段使用的 provider 集合，由 main 注入 Runner
type ProviderSet struct {
	Analyze GenerationProvider
	Scenes  GenerationProvider
	Image   GenerationProvider
	Speech  GenerationProvider
	Music   GenerationProvider
	Video   GenerationProvider
}

// NewProviderSet 按配置的 Worker 地址构建 HTTP provider 集合
func NewProviderSet() *ProviderSet {
	p := config.AppConfig.Providers
	return &ProviderSet{
		Analyze: newHTTPProvider("analyze", p.Analyze),
		Scenes:  newHTTPProvider("scenes", p.Scenes),
		Image:   newHTTPProvider("image", p.Image),
		Speech:  newHTTPProvider("speech", p.Speech),
		Music:   newHTTPProvider("music", p.Music),
		Video:   newHTTPProvider("video", p.Video),
	}
}

// httpProvider 请求分发与轮询：POST /v1/generate 拿 job_id，再轮询 GET /v1/jobs/{id}
type httpProvider struct {
	capability string
	baseURL    string
	client     *http.Client
}

func newHTTPProvider(capability, baseURL string) *httpProvider {
	return &httpProvider{
		capability: capability,
		baseURL:    baseURL,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *httpProvider) GenerateAndWait(ctx context.Context, params map[string]interface{}, onProgress func(int)) (*JobResult, error) {
	jobID, err := p.dispatch(ctx, params)
	if err != nil {
		return nil, err
	}
	logrus.Infof("[%s] 作业已提交 job_id=%s，开始轮询结果", p.capability, jobID)
	result, err := p.pollJob(ctx, jobID, onProgress)
	if ctx.Err() != nil {
		// 本地放弃轮询后尽力取消上游作业
		p.cancelJob(jobID)
		return nil, ctx.Err()
	}
	return result, err
}

func (p *httpProvider) dispatch(ctx context.Context, params map[string]interface{}) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"type":       p.capability,
		"parameters": params,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/generate", bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &ProviderError{Capability: p.capability, Msg: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", &ProviderError{
			Capability: p.capability,
			StatusCode: resp.StatusCode,
			Msg:        fmt.Sprintf("dispatch status %d", resp.StatusCode),
			Transient:  transientStatusCode(resp.StatusCode),
		}
	}

	var respData struct {
		ID    string `json:"id"`
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", &ProviderError{Capability: p.capability, Msg: "decode response failed: " + err.Error(), Transient: true}
	}
	if respData.ID != "" {
		return respData.ID, nil
	}
	if respData.JobID != "" {
		return respData.JobID, nil
	}
	return "", &ProviderError{Capability: p.capability, Msg: "response missing 'id'", Transient: false}
}

// jobSnapshot Worker 作业状态
type jobSnapshot struct {
	ID       string     `json:"id"`
	Status   string     `json:"status"`
	Progress int        `json:"progress"`
	Error    string     `json:"error"`
	Result   *JobResult `json:"result"`
}

func (p *httpProvider) pollJob(ctx context.Context, jobID string, onProgress func(int)) (*JobResult, error) {
	g := config.AppConfig.Generation
	jobURL := fmt.Sprintf("%s/v1/jobs/%s", p.baseURL, jobID)

	timeout := time.After(g.PollTimeout.Std())
	ticker := time.NewTicker(g.PollInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return nil, &ProviderError{Capability: p.capability, Msg: "polling timeout", Transient: true}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, jobURL, nil)
			if err != nil {
				continue
			}
			resp, err := p.client.Do(req)
			if err != nil {
				// ctx 取消导致的错误由上面的 <-ctx.Done() 捕获
				logrus.Warnf("[%s] 轮询网络错误(重试中): %v", p.capability, err)
				continue
			}
			if resp.StatusCode != http.StatusOK {
				resp.Body.Close()
				if transientStatusCode(resp.StatusCode) {
					logrus.Warnf("[%s] 轮询返回 %d(重试中)", p.capability, resp.StatusCode)
					continue
				}
				// 作业不存在/被拒绝等永久错误，立刻停止轮询
				return nil, &ProviderError{
					Capability: p.capability,
					StatusCode: resp.StatusCode,
					Msg:        fmt.Sprintf("poll status %d", resp.StatusCode),
					Transient:  false,
				}
			}

			var snap jobSnapshot
			decodeErr := json.NewDecoder(resp.Body).Decode(&snap)
			resp.Body.Close()
			if decodeErr != nil {
				logrus.Warnf("[%s] 解析作业状态失败: %v", p.capability, decodeErr)
				continue
			}

			if onProgress != nil {
				onProgress(snap.Progress)
			}

			switch snap.Status {
			case "finished", "completed", "success", "succeeded":
				if snap.Result == nil || snap.Result.ResourceURL == "" {
					return nil, &ProviderError{Capability: p.capability, Msg: "job finished without resource_url", Transient: false}
				}
				return snap.Result, nil
			case "failed", "error":
				return nil, &ProviderError{Capability: p.capability, Msg: "worker reported failure: " + snap.Error, Transient: false}
			}
			// 其他状态继续轮询
		}
	}
}

// cancelJob 尽力而为地取消上游作业，失败只记日志
func (p *httpProvider) cancelJob(jobID string) {
	if jobID == "" {
		return
	}
	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/v1/jobs/%s", p.baseURL, jobID), nil)
	if err != nil {
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		logrus.Warnf("[%s] 上游取消失败: %v", p.capability, err)
		return
	}
	resp.Body.Close()
}
