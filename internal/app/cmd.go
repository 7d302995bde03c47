package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はワーカーモードで起動することを示す。
	// ドレイン・欠損検出・ロールオーバー・クリーンアップを定期実行する。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandDrain はドレインを1回実行して終了することを示す。
	CommandDrain Command = "drain"
	// CommandDetectGaps は欠損検出を1回実行して終了することを示す。
	CommandDetectGaps Command = "detect-gaps"
	// CommandRollover は日次ロールオーバーを1回実行して終了することを示す。
	CommandRollover Command = "rollover"
	// CommandCleanup は台帳履歴のクリーンアップを1回実行して終了することを示す。
	CommandCleanup Command = "cleanup"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch Command(args[0]) {
	case CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck,
		CommandDrain, CommandDetectGaps, CommandRollover, CommandCleanup:
		return Command(args[0])
	default:
		return CommandServe
	}
}
