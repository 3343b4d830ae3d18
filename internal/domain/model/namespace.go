package model

import (
	"strings"
	"time"
)

// AllowStatus is the admission decision recorded for a namespace.
type AllowStatus string

const (
	AllowWaiting               AllowStatus = "waiting"
	AllowApproved              AllowStatus = "approved"
	AllowApprovedAutomatically AllowStatus = "approved_automatically"
	AllowDenied                AllowStatus = "denied"
)

// IsApproved reports whether events from the namespace may run handlers.
func (s AllowStatus) IsApproved() bool {
	return s == AllowApproved || s == AllowApprovedAutomatically
}

// Valid reports whether s is a known status.
func (s AllowStatus) Valid() bool {
	switch s {
	case AllowWaiting, AllowApproved, AllowApprovedAutomatically, AllowDenied:
		return true
	}
	return false
}

// NamespaceRef is a forge host and account, optionally narrowed to one repository.
type NamespaceRef struct {
	ForgeHost string
	Org       string
	Repo      string
}

// String renders the ref as "host/org" or "host/org/repo".
func (n NamespaceRef) String() string {
	parts := []string{n.ForgeHost}
	if n.Org != "" {
		parts = append(parts, n.Org)
		if n.Repo != "" {
			parts = append(parts, n.Repo)
		}
	}
	return strings.Join(parts, "/")
}

// Candidates returns the lookup chain from the most specific entry to the
// least: "host/org/repo", "host/org", "host".
func (n NamespaceRef) Candidates() []string {
	var out []string
	if n.Org != "" && n.Repo != "" {
		out = append(out, n.ForgeHost+"/"+n.Org+"/"+n.Repo)
	}
	if n.Org != "" {
		out = append(out, n.ForgeHost+"/"+n.Org)
	}
	return append(out, n.ForgeHost)
}

// Account returns the "host/org" form used when recording a first sighting.
func (n NamespaceRef) Account() string {
	if n.Org == "" {
		return n.ForgeHost
	}
	return n.ForgeHost + "/" + n.Org
}

// ParseNamespace splits "host/org[/repo]" into a NamespaceRef. A trailing
// ".git" on the repository is dropped.
func ParseNamespace(s string) NamespaceRef {
	parts := strings.SplitN(strings.Trim(s, "/"), "/", 3)
	ref := NamespaceRef{ForgeHost: parts[0]}
	if len(parts) > 1 {
		ref.Org = parts[1]
	}
	if len(parts) > 2 {
		ref.Repo = strings.TrimSuffix(parts[2], ".git")
	}
	return ref
}

// Namespace is an allowlist record.
type Namespace struct {
	Name      string
	Status    AllowStatus
	UpdatedAt time.Time
}
