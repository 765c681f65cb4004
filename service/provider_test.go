package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func providerTestServer(t *testing.T, jobID string, poll http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"id":"%s"}`, jobID)
	})
	mux.HandleFunc("/v1/jobs/"+jobID, poll)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// 轮询遇到 404 等永久错误：立刻停止轮询并按永久错误分类，不重试到超时
func TestPollJobPermanentStatusStopsPolling(t *testing.T) {
	setTestGenerationConfig(t)
	var polls int32
	srv := providerTestServer(t, "job-1", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&polls, 1)
		http.Error(w, "job not found", http.StatusNotFound)
	})

	p := newHTTPProvider("image", srv.URL)
	_, err := p.GenerateAndWait(context.Background(), map[string]interface{}{}, nil)

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v; want ProviderError", err)
	}
	if pe.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d; want 404", pe.StatusCode)
	}
	if pe.Transient {
		t.Fatal("unknown job must be a permanent error")
	}
	if got := atomic.LoadInt32(&polls); got != 1 {
		t.Fatalf("polls = %d; want 1 (permanent errors stop polling)", got)
	}
}

// 轮询遇到 5xx：继续轮询，服务恢复后正常拿到结果
func TestPollJobTransientStatusKeepsPolling(t *testing.T) {
	setTestGenerationConfig(t)
	var polls int32
	srv := providerTestServer(t, "job-2", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"id":"job-2","status":"finished","progress":100,"result":{"resource_url":"http://assets.local/a.png"}}`)
	})

	p := newHTTPProvider("image", srv.URL)
	result, err := p.GenerateAndWait(context.Background(), map[string]interface{}{}, nil)
	if err != nil {
		t.Fatalf("GenerateAndWait: %v", err)
	}
	if result.ResourceURL != "http://assets.local/a.png" {
		t.Fatalf("resource_url = %q", result.ResourceURL)
	}
	if got := atomic.LoadInt32(&polls); got < 3 {
		t.Fatalf("polls = %d; want at least 3", got)
	}
}

// Worker 自己上报失败：永久错误，不再轮询
func TestPollJobWorkerFailureIsPermanent(t *testing.T) {
	setTestGenerationConfig(t)
	srv := providerTestServer(t, "job-3", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"job-3","status":"failed","error":"nsfw content"}`)
	})

	p := newHTTPProvider("image", srv.URL)
	_, err := p.GenerateAndWait(context.Background(), map[string]interface{}{}, nil)

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v; want ProviderError", err)
	}
	if pe.Transient {
		t.Fatal("worker-reported failure must be permanent")
	}
}
