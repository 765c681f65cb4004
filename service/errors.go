package service

import (
	"errors"
	"fmt"
)

// 错误分类：
//   - ErrConstraintViolation  分配器输入无法满足最小时长约束，直接失败不重试
//   - ErrProbeFailure         媒体探测失败，可重试
//   - ErrAdjustmentDivergence 时长校正在限定轮数内未收敛，调用方阶段失败
//   - ProviderError           生成服务错误，Transient 决定是否退避重试
var (
	ErrConstraintViolation  = errors.New("duration constraint violation")
	ErrProbeFailure         = errors.New("media probe failure")
	ErrAdjustmentDivergence = errors.New("duration adjustment did not converge")
	ErrTaskNotFound         = errors.New("task not found")
)

type ProviderError struct {
	Capability string
	StatusCode int
	Msg        string
	Transient  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s error (status %d, transient=%v): %s", e.Capability, e.StatusCode, e.Transient, e.Msg)
}

// IsTransient 报告错误是否应在阶段内退避重试
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return errors.Is(err, ErrProbeFailure)
}

// transientStatusCode 限流/超时/服务端错误视为瞬时错误
func transientStatusCode(code int) bool {
	return code == 408 || code == 429 || code >= 500
}
