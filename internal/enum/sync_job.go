package enum

type SyncJobState string

const (
	SyncJobPending   SyncJobState = "pending"
	SyncJobRunning   SyncJobState = "running"
	SyncJobCompleted SyncJobState = "completed"
	SyncJobFailed    SyncJobState = "failed"
)

func (e SyncJobState) String() string {
	return string(e)
}

// IsTerminal reports whether a job in this state may never change state again.
func (e SyncJobState) IsTerminal() bool {
	return e == SyncJobCompleted || e == SyncJobFailed
}
