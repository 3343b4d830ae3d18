package application

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ericfisherdev/forgeflow/internal/domain/model"
	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

// AdmissionService decides whether events from a namespace may be processed
// and manages the allowlist records behind that decision.
type AdmissionService struct {
	store       driven.AllowlistStore
	autoApprove []string
	logger      *slog.Logger
}

// NewAdmissionService creates an AdmissionService. Namespaces listed in
// autoApprove, or nested under one of them, are approved on first contact.
func NewAdmissionService(store driven.AllowlistStore, autoApprove []string, logger *slog.Logger) *AdmissionService {
	return &AdmissionService{store: store, autoApprove: autoApprove, logger: logger}
}

// Check returns the effective admission status of ns. The most specific
// record that has been decided wins: a repository record overrides its
// organization, which overrides the forge host. A namespace with no record
// at any level gets a Waiting record for its account so an administrator can
// approve it. Check never approves anything that is not recorded as approved.
func (s *AdmissionService) Check(ctx context.Context, ns model.NamespaceRef) (model.AllowStatus, error) {
	var seen bool
	for _, name := range ns.Candidates() {
		rec, err := s.store.Get(ctx, name)
		if err != nil {
			return "", fmt.Errorf("check admission for %s: %w", ns, err)
		}
		if rec == nil {
			continue
		}
		seen = true
		if rec.Status != model.AllowWaiting {
			return rec.Status, nil
		}
	}

	if s.autoApproved(ns) {
		if err := s.store.Set(ctx, ns.Account(), model.AllowApprovedAutomatically); err != nil {
			return "", fmt.Errorf("auto-approve %s: %w", ns.Account(), err)
		}
		s.logger.Info("namespace approved automatically", "namespace", ns.Account())
		return model.AllowApprovedAutomatically, nil
	}

	if seen {
		return model.AllowWaiting, nil
	}

	rec, err := s.store.CreateIfAbsent(ctx, ns.Account(), model.AllowWaiting)
	if err != nil {
		return "", fmt.Errorf("record waiting namespace %s: %w", ns.Account(), err)
	}
	if rec.Status == model.AllowWaiting {
		s.logger.Info("namespace waiting for approval", "namespace", ns.Account())
	}
	return rec.Status, nil
}

func (s *AdmissionService) autoApproved(ns model.NamespaceRef) bool {
	for _, name := range ns.Candidates() {
		if slices.Contains(s.autoApprove, name) {
			return true
		}
	}
	return false
}

// Status returns the record stored for an exact namespace name, or nil.
func (s *AdmissionService) Status(ctx context.Context, name string) (*model.Namespace, error) {
	rec, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("get namespace %s: %w", name, err)
	}
	return rec, nil
}

// SetStatus records an administrator decision for a namespace.
func (s *AdmissionService) SetStatus(ctx context.Context, name string, status model.AllowStatus) error {
	if name == "" {
		return fmt.Errorf("set namespace status: %w", ErrInvalidNamespace)
	}
	if !status.Valid() {
		return fmt.Errorf("set namespace %s to %q: %w", name, status, ErrInvalidStatus)
	}

	ref := model.ParseNamespace(name)
	if err := s.store.Set(ctx, ref.String(), status); err != nil {
		return fmt.Errorf("set namespace %s: %w", ref, err)
	}
	s.logger.Info("namespace status changed", "namespace", ref.String(), "status", status)
	return nil
}

// List returns namespaces with the given status.
func (s *AdmissionService) List(ctx context.Context, status model.AllowStatus) ([]model.Namespace, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("list namespaces %q: %w", status, ErrInvalidStatus)
	}
	return s.store.ListByStatus(ctx, status)
}

// Remove deletes the record for a namespace.
func (s *AdmissionService) Remove(ctx context.Context, name string) error {
	ref := model.ParseNamespace(name)
	if err := s.store.Remove(ctx, ref.String()); err != nil {
		return fmt.Errorf("remove namespace %s: %w", ref, err)
	}
	s.logger.Info("namespace removed", "namespace", ref.String())
	return nil
}
