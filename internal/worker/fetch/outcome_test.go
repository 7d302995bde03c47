package fetch

import (
	"errors"
	"testing"

	"github.com/hitoshi/brandsync/internal/model"
)

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Action
	}{
		{"エラーなし", nil, ActionComplete},
		{"認証切れ", model.NewSyncError(model.KindAuthExpired, "expired"), ActionRelease},
		{"サーキット遮断", model.NewSyncError(model.KindCircuitOpen, "open"), ActionRelease},
		{"レート制限", model.NewSyncError(model.KindRateLimited, "slow down"), ActionFail},
		{"取得失敗", model.NewSyncError(model.KindTotalFetchFailure, "502"), ActionFail},
		{"分類なしのエラー", errors.New("connection reset"), ActionFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyFailure(tt.err); got != tt.want {
				t.Errorf("ClassifyFailure() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestActionString(t *testing.T) {
	if ActionRelease.String() != "release" || Action(99).String() != "unknown" {
		t.Errorf("unexpected action names")
	}
}
