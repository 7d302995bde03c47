package fetch

import (
	"github.com/hitoshi/brandsync/internal/model"
)

// Action はジョブ実行結果に対して台帳へ適用する遷移。
type Action int

const (
	// ActionComplete はジョブを完了にする。
	ActionComplete Action = iota
	// ActionRelease は試行回数を消費せずにpendingへ戻す。
	ActionRelease
	// ActionFail は失敗として記録し、再試行ポリシーに従う。
	ActionFail
)

// String はログ出力用の名前を返す。
func (a Action) String() string {
	switch a {
	case ActionComplete:
		return "complete"
	case ActionRelease:
		return "release"
	case ActionFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Outcome は1件のジョブ実行の結果を表す。
type Outcome struct {
	JobID           string
	BrandID         string
	Platform        model.Platform
	Action          Action
	Kind            model.ErrorKind
	RecordsWritten  int
	RecordsRejected int
	// Exhausted は失敗によりキーがリトライ上限に達したことを表す。
	Exhausted bool
	// Err は結果の記録自体に失敗した場合のエラー。
	Err error
}

// ClassifyFailure は取得エラーの分類から台帳への遷移を決める。
//   - 認証切れ: 接続をexpiredにしてpendingへ戻す（接続が有効になるまで取得されない）
//   - サーキット遮断中: 遮断が解けるまで待ってpendingへ戻す
//   - それ以外: 失敗として記録する
func ClassifyFailure(err error) Action {
	se := model.AsSyncError(err)
	if se == nil {
		return ActionComplete
	}
	switch se.Kind {
	case model.KindAuthExpired, model.KindCircuitOpen:
		return ActionRelease
	default:
		return ActionFail
	}
}
