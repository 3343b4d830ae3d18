package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
)

// setupTestDB creates a named shared in-memory SQLite database with the schema
// applied. The name is derived from t.Name() so parallel tests stay isolated.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	// Percent-encode the test name so it cannot be read as DSN query parameters.
	safeName := url.PathEscape(t.Name())
	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)",
		safeName,
	)

	writer, err := sql.Open("sqlite", dsn)
	require.NoError(t, err, "open test db writer")
	writer.SetMaxOpenConns(1)
	require.NoError(t, writer.PingContext(context.Background()), "ping test db writer")

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = writer.Close()
		t.Fatalf("open test db reader: %v", err)
	}
	reader.SetMaxOpenConns(4)

	db := &DB{Writer: writer, Reader: reader, path: dsn}
	t.Cleanup(func() { _ = db.Close() })

	_, err = RunMigrations(db.Writer)
	require.NoError(t, err, "run migrations")
	return db
}

// seedTrigger stores a pull request trigger for tests that need a parent row.
func seedTrigger(t *testing.T, db *DB, pr int) model.JobTrigger {
	t.Helper()

	trigger, err := NewTriggerRepo(db).GetOrCreate(context.Background(), model.JobTrigger{
		Kind:     model.TriggerPullRequest,
		Project:  model.ProjectRef{ForgeHost: "github.com", Namespace: "packit", Repo: "hello-world"},
		PRNumber: pr,
	})
	require.NoError(t, err)
	return trigger
}

// seedCoprGroup stores a copr group with one placeholder target per chroot.
func seedCoprGroup(t *testing.T, db *DB, triggerID int64, chroots ...string) (model.Group, []model.Target) {
	t.Helper()

	targets := make([]model.Target, 0, len(chroots))
	for _, c := range chroots {
		targets = append(targets, model.Target{Name: c, CommitSHA: "abc123"})
	}

	group, stored, _, err := NewPipelineRepo(db).CreateGroupPipeline(context.Background(), model.Group{
		Kind:      model.GroupCopr,
		TriggerID: triggerID,
		Job:       model.JobConfig{Type: model.JobCoprBuild, Trigger: model.TriggerPullRequest, Targets: chroots},
	}, targets)
	require.NoError(t, err)
	return group, stored
}
