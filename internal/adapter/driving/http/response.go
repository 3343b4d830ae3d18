package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/forgeflow/internal/application"
	"github.com/ericfisherdev/forgeflow/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// IngestResponse reports what happened to an accepted payload.
type IngestResponse struct {
	Status    string            `json:"status"`
	Event     string            `json:"event,omitempty"`
	Admission string            `json:"admission,omitempty"`
	Handlers  []HandlerResponse `json:"handlers"`
}

// HandlerResponse is one handler's outcome for an ingested event.
type HandlerResponse struct {
	Handler string   `json:"handler"`
	Job     string   `json:"job"`
	Outcome string   `json:"outcome"`
	Tasks   []string `json:"tasks,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// TriggerResponse is the JSON representation of what started a pipeline.
type TriggerResponse struct {
	ID          int64  `json:"id"`
	Kind        string `json:"kind"`
	Project     string `json:"project"`
	PRNumber    int    `json:"pr_number,omitempty"`
	Branch      string `json:"branch,omitempty"`
	Tag         string `json:"tag,omitempty"`
	IssueNumber int    `json:"issue_number,omitempty"`
}

// TargetResponse is the JSON representation of a single unit of external work.
type TargetResponse struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	ExternalID string `json:"external_id,omitempty"`
	CommitSHA  string `json:"commit_sha"`
	WebURL     string `json:"web_url,omitempty"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
}

// GroupResponse is the JSON representation of a run group and its targets.
type GroupResponse struct {
	ID          int64            `json:"id"`
	Kind        string           `json:"kind"`
	Job         string           `json:"job"`
	Status      string           `json:"status"`
	SubmittedAt string           `json:"submitted_at"`
	Trigger     TriggerResponse  `json:"trigger"`
	Targets     []TargetResponse `json:"targets"`
	Summary     string           `json:"summary"`
	SummaryHTML string           `json:"summary_html"`
}

// SrpmResponse is the JSON representation of an SRPM build.
type SrpmResponse struct {
	ID        int64  `json:"id"`
	Status    string `json:"status"`
	CommitSHA string `json:"commit_sha"`
	URL       string `json:"url,omitempty"`
	LogsURL   string `json:"logs_url,omitempty"`
}

// PipelineResponse is the JSON representation of a pipeline.
type PipelineResponse struct {
	ID        int64           `json:"id"`
	Trigger   TriggerResponse `json:"trigger"`
	CreatedAt string          `json:"created_at"`
	Srpm      *SrpmResponse   `json:"srpm,omitempty"`
	Group     *GroupResponse  `json:"group,omitempty"`
}

// PipelineSummaryResponse is one entry of a trigger's pipeline listing.
type PipelineSummaryResponse struct {
	ID          int64  `json:"id"`
	CreatedAt   string `json:"created_at"`
	Status      string `json:"status"`
	SrpmBuildID *int64 `json:"srpm_build_id,omitempty"`
	GroupID     *int64 `json:"group_id,omitempty"`
	GroupKind   string `json:"group_kind,omitempty"`
	Job         string `json:"job,omitempty"`
}

// TriggerPipelinesResponse lists the pipelines started by one trigger.
type TriggerPipelinesResponse struct {
	Trigger   TriggerResponse           `json:"trigger"`
	Pipelines []PipelineSummaryResponse `json:"pipelines"`
}

// NamespaceResponse is the JSON representation of an allowlist entry.
type NamespaceResponse struct {
	Namespace string `json:"namespace"`
	Status    string `json:"status"`
	UpdatedAt string `json:"updated_at"`
}

// SetNamespaceRequest is the JSON body for the allowlist update endpoint.
type SetNamespaceRequest struct {
	Status string `json:"status"`
}

// MessageRequest is the JSON body for injecting a message-bus payload.
type MessageRequest struct {
	Topic string         `json:"topic"`
	Body  map[string]any `json:"body"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Queue  string `json:"queue"`
	Time   string `json:"time"`
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toIngestResponse(res application.IngestResult) IngestResponse {
	resp := IngestResponse{
		Status:    string(res.Status),
		Admission: string(res.Admission),
		Handlers:  make([]HandlerResponse, 0, len(res.Results)),
	}
	if res.Event != nil {
		resp.Event = string(res.Event.Kind)
	}

	for _, r := range res.Results {
		h := HandlerResponse{Handler: r.Handler, Job: r.Job.Key(), Outcome: string(r.Outcome)}
		for _, task := range r.Tasks {
			h.Tasks = append(h.Tasks, task.ID)
		}
		if r.Err != nil {
			h.Error = r.Err.Error()
		}
		resp.Handlers = append(resp.Handlers, h)
	}
	return resp
}

func toTriggerResponse(t model.JobTrigger) TriggerResponse {
	return TriggerResponse{
		ID:          t.ID,
		Kind:        string(t.Kind),
		Project:     t.Project.String(),
		PRNumber:    t.PRNumber,
		Branch:      t.Branch,
		Tag:         t.Tag,
		IssueNumber: t.IssueNumber,
	}
}

func toTargetResponse(t model.Target) TargetResponse {
	return TargetResponse{
		ID:         t.ID,
		Name:       t.Name,
		Kind:       string(t.Kind),
		Status:     string(t.Status),
		ExternalID: t.ExternalID,
		CommitSHA:  t.CommitSHA,
		WebURL:     t.WebURL,
		StartedAt:  formatTime(t.StartedAt),
		FinishedAt: formatTime(t.FinishedAt),
	}
}

// toGroupResponse converts a group view, rendering its Markdown summary to
// sanitized HTML alongside the source.
func toGroupResponse(v application.GroupView) GroupResponse {
	targets := make([]TargetResponse, 0, len(v.Targets))
	for _, t := range v.Targets {
		targets = append(targets, toTargetResponse(t))
	}

	summary := v.Summary()
	return GroupResponse{
		ID:          v.Group.ID,
		Kind:        string(v.Group.Kind),
		Job:         v.Group.Job.Key(),
		Status:      string(v.Status),
		SubmittedAt: formatTime(&v.Group.SubmittedAt),
		Trigger:     toTriggerResponse(v.Trigger),
		Targets:     targets,
		Summary:     summary,
		SummaryHTML: renderSummary(summary),
	}
}

func toPipelineResponse(v application.PipelineView) PipelineResponse {
	resp := PipelineResponse{
		ID:        v.Pipeline.ID,
		Trigger:   toTriggerResponse(v.Trigger),
		CreatedAt: formatTime(&v.Pipeline.CreatedAt),
	}
	if v.Srpm != nil {
		resp.Srpm = &SrpmResponse{
			ID:        v.Srpm.ID,
			Status:    string(v.Srpm.Status),
			CommitSHA: v.Srpm.CommitSHA,
			URL:       v.Srpm.URL,
			LogsURL:   v.Srpm.LogsURL,
		}
	}
	if v.Group != nil {
		g := toGroupResponse(*v.Group)
		resp.Group = &g
	}
	return resp
}

func toTriggerPipelinesResponse(v application.TriggerView) TriggerPipelinesResponse {
	resp := TriggerPipelinesResponse{
		Trigger:   toTriggerResponse(v.Trigger),
		Pipelines: make([]PipelineSummaryResponse, 0, len(v.Pipelines)),
	}
	for _, p := range v.Pipelines {
		item := PipelineSummaryResponse{
			ID:          p.Pipeline.ID,
			CreatedAt:   formatTime(&p.Pipeline.CreatedAt),
			Status:      string(p.Status),
			SrpmBuildID: p.Pipeline.SrpmBuildID,
			GroupID:     p.Pipeline.GroupID,
		}
		if p.Group != nil {
			item.GroupKind = string(p.Group.Kind)
			item.Job = p.Group.Job.Key()
		}
		resp.Pipelines = append(resp.Pipelines, item)
	}
	return resp
}

func toNamespaceResponse(ns model.Namespace) NamespaceResponse {
	return NamespaceResponse{
		Namespace: ns.Name,
		Status:    string(ns.Status),
		UpdatedAt: formatTime(&ns.UpdatedAt),
	}
}
