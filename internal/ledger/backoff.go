package ledger

import "time"

const (
	// DefaultRetryBaseDelay は台帳レベル再試行の初回遅延。
	DefaultRetryBaseDelay = time.Minute
	// DefaultRetryMaxDelay は台帳レベル再試行の最大遅延。
	DefaultRetryMaxDelay = time.Hour
)

// CalculateBackoff は失敗した試行回数に基づいて次の試行までの遅延を計算する。
// attempt=1 で base、以降2倍ずつ増加し、maxDelay で頭打ちになる。
func CalculateBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultRetryBaseDelay
	}
	if maxDelay < base {
		maxDelay = base
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > maxDelay {
			return maxDelay
		}
	}
	return delay
}
