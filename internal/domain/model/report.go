package model

// ReportState is the forge-facing state of a status report.
type ReportState string

const (
	ReportPending ReportState = "pending"
	ReportRunning ReportState = "running"
	ReportSuccess ReportState = "success"
	ReportFailure ReportState = "failure"
	ReportError   ReportState = "error"
	ReportNeutral ReportState = "neutral"
)

// ReportStateFor maps a target status to the state reported to the forge.
func ReportStateFor(s TargetStatus) ReportState {
	switch s {
	case StatusPending, StatusQueued, StatusSubmitted:
		return ReportPending
	case StatusRunning, StatusWaitingForMetrics:
		return ReportRunning
	case StatusSuccess, StatusSkipped:
		return ReportSuccess
	case StatusFailed, StatusCanceled:
		return ReportFailure
	}
	return ReportError
}

// Report is a status update posted back to the code-forge for one target or
// for a whole event. PRNumber is set when a comment may be posted.
type Report struct {
	Project   ProjectRef
	CommitSHA string
	PRNumber  int
	Context   string
	State     ReportState
	Summary   string
	URL       string
	Comment   bool
}
