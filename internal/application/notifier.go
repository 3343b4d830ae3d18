package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

// maxSummaryLen bounds the one-line summary forges display next to a status.
const maxSummaryLen = 140

// reportLabels name each group kind in status contexts.
var reportLabels = map[model.GroupKind]string{
	model.GroupCopr:        "rpm-build",
	model.GroupKoji:        "koji-build",
	model.GroupTestingFarm: "testing-farm",
	model.GroupSyncRelease: "propose-downstream",
	model.GroupVMImage:     "vm-image-build",
}

// Notifier posts status reports to the forge. Reporting is best effort: a
// failed report is logged and never fails the work it describes.
type Notifier struct {
	reporter driven.Reporter
	triggers driven.TriggerStore
	prefix   string
	logger   *slog.Logger
}

// NewNotifier creates a Notifier that prefixes every status context.
func NewNotifier(reporter driven.Reporter, triggers driven.TriggerStore, prefix string, logger *slog.Logger) *Notifier {
	return &Notifier{reporter: reporter, triggers: triggers, prefix: prefix, logger: logger}
}

// Context returns the status context for a target of group.
func (n *Notifier) Context(group model.Group, name string) string {
	label := reportLabels[group.Kind]
	if group.Job.Identifier != "" {
		label += "-" + group.Job.Identifier
	}
	return fmt.Sprintf("%s/%s:%s", n.prefix, label, name)
}

// Target reports the current status of one target.
func (n *Notifier) Target(ctx context.Context, group model.Group, t model.Target, summary string) {
	trigger, err := n.triggers.Get(ctx, group.TriggerID)
	if err != nil || trigger == nil {
		n.logger.Error("report target: load trigger", "target_id", t.ID, "trigger_id", group.TriggerID, "error", err)
		return
	}

	n.send(ctx, model.Report{
		Project:   trigger.Project,
		CommitSHA: t.CommitSHA,
		PRNumber:  trigger.PRNumber,
		Context:   n.Context(group, t.Name),
		State:     model.ReportStateFor(t.Status),
		Summary:   summary,
		URL:       t.WebURL,
	})
}

// Srpm reports the SRPM build shared by a trigger's build groups.
func (n *Notifier) Srpm(ctx context.Context, b model.SrpmBuild, summary string) {
	trigger, err := n.triggers.Get(ctx, b.TriggerID)
	if err != nil || trigger == nil {
		n.logger.Error("report srpm: load trigger", "srpm_build_id", b.ID, "error", err)
		return
	}

	n.send(ctx, model.Report{
		Project:   trigger.Project,
		CommitSHA: b.CommitSHA,
		PRNumber:  trigger.PRNumber,
		Context:   n.prefix + "/rpm-build:srpm",
		State:     model.ReportStateFor(b.Status),
		Summary:   summary,
		URL:       b.LogsURL,
	})
}

// Event reports something about an event as a whole, such as a blocked
// namespace. A comment is posted as well when the event belongs to a PR.
func (n *Notifier) Event(ctx context.Context, ev model.Event, state model.ReportState, summary string) {
	n.send(ctx, model.Report{
		Project:   ev.Project,
		CommitSHA: ev.CommitSHA,
		PRNumber:  ev.PRNumber,
		Context:   n.prefix,
		State:     state,
		Summary:   summary,
		Comment:   ev.PRNumber > 0 && ev.Kind != model.EventIssueCommentCreated,
	})
}

func (n *Notifier) send(ctx context.Context, r model.Report) {
	if len(r.Summary) > maxSummaryLen {
		r.Summary = r.Summary[:maxSummaryLen-3] + "..."
	}
	if err := n.reporter.Report(ctx, r); err != nil {
		n.logger.Warn("report failed",
			"project", r.Project.String(),
			"context", r.Context,
			"state", r.State,
			"error", err,
		)
	}
}
