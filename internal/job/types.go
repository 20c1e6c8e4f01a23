package job

// Status is the backend-reported lifecycle phase of a download job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// State is one full snapshot of a job as reported by the backend. Updates
// from the push and poll channels replace the whole snapshot; fields are
// never merged across messages.
type State struct {
	JobID          string `json:"jobId"`
	Status         Status `json:"status"`
	Progress       int    `json:"progress"`
	FilesCompleted int    `json:"filesCompleted"`
	TotalFiles     int    `json:"totalFiles"`
	DownloadURL    string `json:"downloadUrl,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Terminal reports whether no further updates are expected for this state.
// A completed job without its artifact URL is not terminal yet: the poll
// channel is expected to eventually deliver the URL.
func (s State) Terminal() bool {
	if s.Status == StatusFailed {
		return true
	}
	return s.Status == StatusCompleted && s.DownloadURL != ""
}

const (
	// GenericConnectionError is reported when a failure arrives with no
	// usable payload.
	GenericConnectionError = "connection error"

	maxProgress = 100
)

// normalize clamps upstream values the reconciler does not trust. Progress
// is forced into [0,100] and to 100 on completion; file counts pass through
// as received.
func normalize(jobID string, s State) State {
	if s.JobID == "" {
		s.JobID = jobID
	}
	if s.Progress < 0 {
		s.Progress = 0
	}
	if s.Progress > maxProgress {
		s.Progress = maxProgress
	}
	if s.Status == StatusCompleted {
		s.Progress = maxProgress
	}
	if s.Status == StatusFailed && s.Error == "" {
		s.Error = GenericConnectionError
	}
	return s
}
