package service

import (
	"fmt"
	"math"
)

// AllocateSceneDurations 把总时长按权重分配到各场景，保证每个场景不低于 minDuration。
//
// 水位法（water-filling）：先按权重算原始份额，低于下限的场景被钳到下限并固定，
// 固定场景多占的部分再按权重在未固定场景间重新分配，迭代直到没有新场景被固定。
// 每轮至少固定一个场景，最多迭代场景数次。
// 收敛后各值取两位小数，差额全部记到最后一个场景，保证总和严格等于 totalDuration。
func AllocateSceneDurations(weights []float64, totalDuration, minDuration float64) ([]float64, error) {
	n := len(weights)
	if n == 0 {
		return nil, fmt.Errorf("%w: no scenes", ErrConstraintViolation)
	}
	if totalDuration <= 0 {
		return nil, fmt.Errorf("%w: total duration %.2f must be positive", ErrConstraintViolation, totalDuration)
	}
	if minDuration < 0 {
		return nil, fmt.Errorf("%w: min duration %.2f must be >= 0", ErrConstraintViolation, minDuration)
	}
	if minDuration*float64(n) > totalDuration+1e-9 {
		return nil, fmt.Errorf("%w: %d scenes * %.2fs floor exceeds total %.2fs",
			ErrConstraintViolation, n, minDuration, totalDuration)
	}

	w := make([]float64, n)
	allZero := true
	for i, v := range weights {
		if v < 0 {
			return nil, fmt.Errorf("%w: scene %d has negative weight %.3f", ErrConstraintViolation, i, v)
		}
		w[i] = v
		if v > 0 {
			allZero = false
		}
	}
	// 全零权重按均匀分配处理
	if allZero {
		for i := range w {
			w[i] = 1
		}
	}

	out := make([]float64, n)
	fixed := make([]bool, n)
	for {
		remaining := totalDuration
		sumW := 0.0
		for i := range w {
			if fixed[i] {
				remaining -= minDuration
			} else {
				sumW += w[i]
			}
		}

		changed := false
		for i := range w {
			if fixed[i] {
				out[i] = minDuration
				continue
			}
			share := remaining
			if sumW > 0 {
				share = w[i] / sumW * remaining
			}
			if share < minDuration-1e-9 {
				fixed[i] = true
				out[i] = minDuration
				changed = true
			} else {
				out[i] = share
			}
		}
		if !changed {
			break
		}
	}

	// 两位小数取整，末位场景吸收残差，总和精确等于 totalDuration
	sum := 0.0
	for i := 0; i < n-1; i++ {
		out[i] = round2(out[i])
		sum += out[i]
	}
	out[n-1] = round2(totalDuration - sum)

	return out, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
