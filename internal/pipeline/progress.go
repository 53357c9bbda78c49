package pipeline

// ProgressReporter は進捗更新用コールバックです。
type ProgressReporter func(documentID, stage string, percent int)

func (p *Pipeline) reportProgress(documentID, stage string, percent int) {
	if p.progress == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	p.progress(documentID, stage, percent)
}
