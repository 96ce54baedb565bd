package ports

// ProgressSink receives operator-facing output.
type ProgressSink interface {
	Info(msg string)
	Error(msg string)
	StartProgress(label string, total int)
	Advance(done int)
	EndProgress()
}

// NopProgress discards everything.
type NopProgress struct{}

func (NopProgress) Info(string)               {}
func (NopProgress) Error(string)              {}
func (NopProgress) StartProgress(string, int) {}
func (NopProgress) Advance(int)               {}
func (NopProgress) EndProgress()              {}

// RunRecorder brackets everything reported during one rollout run.
type RunRecorder interface {
	BeginRun(runID string, summary []string)
	EndRun(runID string, err error)
}
