package application_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/forgeflow/internal/application"
	"github.com/ericfisherdev/forgeflow/internal/domain/model"
)

func TestAdmission_Check(t *testing.T) {
	tests := []struct {
		name   string
		seed   map[string]model.AllowStatus
		ns     string
		want   model.AllowStatus
		stored map[string]model.AllowStatus
	}{
		{
			name: "approved organization covers its repositories",
			seed: map[string]model.AllowStatus{"github.com/packit": model.AllowApproved},
			ns:   "github.com/packit/ogr",
			want: model.AllowApproved,
		},
		{
			name: "denied repository overrides approved organization",
			seed: map[string]model.AllowStatus{
				"github.com/packit":     model.AllowApproved,
				"github.com/packit/ogr": model.AllowDenied,
			},
			ns:   "github.com/packit/ogr",
			want: model.AllowDenied,
		},
		{
			name: "approved forge host covers every account",
			seed: map[string]model.AllowStatus{"gitlab.example.org": model.AllowApproved},
			ns:   "gitlab.example.org/team/tool",
			want: model.AllowApproved,
		},
		{
			name: "waiting repository falls through to decided organization",
			seed: map[string]model.AllowStatus{
				"github.com/packit/ogr": model.AllowWaiting,
				"github.com/packit":     model.AllowApproved,
			},
			ns:   "github.com/packit/ogr",
			want: model.AllowApproved,
		},
		{
			name:   "unknown namespace is recorded as waiting",
			ns:     "github.com/stranger/tool",
			want:   model.AllowWaiting,
			stored: map[string]model.AllowStatus{"github.com/stranger": model.AllowWaiting},
		},
		{
			name: "already waiting stays waiting",
			seed: map[string]model.AllowStatus{"github.com/stranger": model.AllowWaiting},
			ns:   "github.com/stranger/tool",
			want: model.AllowWaiting,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemAllowlist(tc.seed)
			svc := application.NewAdmissionService(store, nil, discardLogger())

			got, err := svc.Check(context.Background(), model.ParseNamespace(tc.ns))

			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			for name, status := range tc.stored {
				rec, err := store.Get(context.Background(), name)
				require.NoError(t, err)
				require.NotNil(t, rec)
				assert.Equal(t, status, rec.Status)
			}
		})
	}
}

func TestAdmission_AutoApprove(t *testing.T) {
	store := newMemAllowlist(nil)
	svc := application.NewAdmissionService(store, []string{"github.com/fedora"}, discardLogger())
	ctx := context.Background()

	got, err := svc.Check(ctx, model.ParseNamespace("github.com/fedora/tool"))
	require.NoError(t, err)
	assert.Equal(t, model.AllowApprovedAutomatically, got)

	rec, err := store.Get(ctx, "github.com/fedora")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.AllowApprovedAutomatically, rec.Status)

	// A later explicit denial wins over the automatic approval.
	require.NoError(t, svc.SetStatus(ctx, "github.com/fedora", model.AllowDenied))
	got, err = svc.Check(ctx, model.ParseNamespace("github.com/fedora/tool"))
	require.NoError(t, err)
	assert.Equal(t, model.AllowDenied, got)
}

func TestAdmission_Management(t *testing.T) {
	store := newMemAllowlist(map[string]model.AllowStatus{"github.com/packit": model.AllowWaiting})
	svc := application.NewAdmissionService(store, nil, discardLogger())
	ctx := context.Background()

	require.NoError(t, svc.SetStatus(ctx, "github.com/packit/ogr.git", model.AllowApproved))
	rec, err := svc.Status(ctx, "github.com/packit/ogr")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.AllowApproved, rec.Status)

	waiting, err := svc.List(ctx, model.AllowWaiting)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "github.com/packit", waiting[0].Name)

	assert.ErrorIs(t, svc.SetStatus(ctx, "github.com/packit", "maybe"), application.ErrInvalidStatus)
	assert.ErrorIs(t, svc.SetStatus(ctx, "", model.AllowApproved), application.ErrInvalidNamespace)
	_, err = svc.List(ctx, "maybe")
	assert.ErrorIs(t, err, application.ErrInvalidStatus)

	require.NoError(t, svc.Remove(ctx, "github.com/packit/ogr"))
	missing, err := svc.Status(ctx, "github.com/packit/ogr")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
