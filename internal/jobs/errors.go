package jobs

import "errors"

var (
	// ErrNotFound は指定した documentId のジョブが存在しないことを表します。
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyExists は同じ documentId のジョブが既に作成済みであることを表します。
	ErrAlreadyExists = errors.New("job already exists")
	// ErrTerminalState は complete / error のジョブを更新しようとしたことを表します。
	// パイプラインの多重実行でしか起きないため、利用者には返さずログに残します。
	ErrTerminalState = errors.New("job is in a terminal state")
	// ErrInvalidTransition は定義された順序以外への状態遷移です。
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInconsistent はステータスとステージ結果の組み合わせが不正なレコードです。
	ErrInconsistent = errors.New("inconsistent job record")
)
