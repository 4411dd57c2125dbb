// Package tenancy enforces that an embedded widget belongs to the principal
// asking to use it.
//
// Ownership is a chain: a widget belongs to a project and a project belongs
// to a profile. A request is allowed only when the chain resolves to the
// requesting principal. Every denial is a security event.
package tenancy

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexschlessinger/pollyd/internal/log"
	"github.com/alexschlessinger/pollyd/internal/metrics"
)

var (
	// ErrUnauthorized is returned when an ownership check denies a request.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound is returned by stores for unknown widgets or projects.
	ErrNotFound = errors.New("not found")
)

// Denial reasons.
const (
	ReasonMissingPrincipal = "missing_principal"
	ReasonMissingResource  = "missing_resource"
	ReasonWidgetNotFound   = "widget_not_found"
	ReasonProjectNotFound  = "project_not_found"
	ReasonProfileMismatch  = "profile_mismatch"
	ReasonLookupFailed     = "lookup_failed"
)

// Widget is an embeddable entry point owned by a project.
type Widget struct {
	ID        string `json:"id" bson:"_id"`
	ProjectID string `json:"projectId" bson:"projectId"`
}

// Project groups widgets under one profile.
type Project struct {
	ID        string `json:"id" bson:"_id"`
	ProfileID string `json:"profileId" bson:"profileId"`
}

// OwnershipStore resolves the links of the ownership chain. Implementations
// return an error wrapping ErrNotFound for unknown ids.
type OwnershipStore interface {
	Widget(ctx context.Context, id string) (Widget, error)
	Project(ctx context.Context, id string) (Project, error)
}

// Verdict is the outcome of an ownership check.
type Verdict struct {
	Valid  bool
	Reason string
}

// Err returns nil for a valid verdict and an error wrapping ErrUnauthorized otherwise.
func (v Verdict) Err() error {
	if v.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnauthorized, v.Reason)
}

// Guard checks ownership chains against a store.
type Guard struct {
	store OwnershipStore
}

func NewGuard(store OwnershipStore) *Guard {
	return &Guard{store: store}
}

// VerifyOwnership resolves widget -> project -> profile for resourceID and
// compares the profile to principalID.
func (g *Guard) VerifyOwnership(ctx context.Context, resourceID, principalID string) Verdict {
	switch {
	case principalID == "":
		return g.deny(resourceID, principalID, ReasonMissingPrincipal, nil)
	case resourceID == "":
		return g.deny(resourceID, principalID, ReasonMissingResource, nil)
	}

	widget, err := g.store.Widget(ctx, resourceID)
	if err != nil {
		return g.deny(resourceID, principalID, lookupReason(err, ReasonWidgetNotFound), err)
	}
	project, err := g.store.Project(ctx, widget.ProjectID)
	if err != nil {
		return g.deny(resourceID, principalID, lookupReason(err, ReasonProjectNotFound), err)
	}
	if project.ProfileID != principalID {
		return g.deny(resourceID, principalID, ReasonProfileMismatch, nil)
	}
	return Verdict{Valid: true}
}

func lookupReason(err error, notFound string) string {
	if errors.Is(err, ErrNotFound) {
		return notFound
	}
	return ReasonLookupFailed
}

func (g *Guard) deny(resourceID, principalID, reason string, err error) Verdict {
	metrics.SecurityDenials.WithLabelValues(reason).Inc()
	fields := []any{"resource", resourceID, "principal", principalID, "reason", reason}
	if err != nil {
		fields = append(fields, "error", err)
	}
	log.Security().Warnw("ownership_denied", fields...)
	return Verdict{Reason: reason}
}
