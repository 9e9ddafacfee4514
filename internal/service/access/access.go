// Package access implements C7, the single pure decision function every
// artifact read path calls: may this caller read this component right now?
// It composes workspace plan/subscription state (C4/C5), membership (C3)
// and the access-request/NDA lifecycle (C6), but never mutates anything —
// side effects (creating an AccessRequest, recording a signature) belong to
// package accessrequest.
package access

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/sbomhub/sbomhub/internal/apperror"
	"github.com/sbomhub/sbomhub/internal/model"
	"github.com/sbomhub/sbomhub/internal/repository"
)

// Caller is the resolved identity of the party asking to read something.
// UserID is uuid.Nil for an anonymous caller; Role is "" when the caller
// has no Member row in the owning workspace.
type Caller struct {
	UserID uuid.UUID
	Role   string
}

func (c Caller) IsAnonymous() bool { return c.UserID == uuid.Nil }

func (c Caller) CanAdmin() bool {
	return c.Role == model.RoleOwner || c.Role == model.RoleAdmin
}

// Decision is Evaluate's result. Allow and the denial/step-up cases are
// mutually exclusive. RequireNDAWorkspaceID is set only when DenyReason is
// KindNDARequired; the NDA document it names is looked up by workspace ID,
// since a workspace carries exactly one current NDA document.
type Decision struct {
	Allow                 bool
	DenyReason            apperror.Kind
	RequireNDAWorkspaceID *uuid.UUID
}

func allow() Decision { return Decision{Allow: true} }

func deny(reason apperror.Kind) Decision { return Decision{Allow: false, DenyReason: reason} }

func requireNDA(workspaceID uuid.UUID) Decision {
	return Decision{Allow: false, DenyReason: apperror.KindNDARequired, RequireNDAWorkspaceID: &workspaceID}
}

// Resolver evaluates read access to a Component given its containing
// Project/Product (nil for a workspace-global component) and the
// workspace's current subscription state.
type Resolver struct {
	accessRequests *repository.AccessRequestRepository
}

func NewResolver(accessRequests *repository.AccessRequestRepository) *Resolver {
	return &Resolver{accessRequests: accessRequests}
}

// Evaluate is the single function named in §4.2. project and product are
// only consulted for containment when rule 2's override doesn't already
// settle the question: a global *document* component (ComponentType ==
// ComponentTypeDocument, IsGlobal == true) is always treated as public,
// bypassing Project/Product containment and its own stored Visibility.
// A global SBOM component is not covered by rule 2 and is resolved through
// the ordinary containment walk like any non-global component.
func (r *Resolver) Evaluate(
	ctx context.Context,
	caller Caller,
	workspace *model.Workspace,
	sub *model.Subscription,
	component *model.Component,
	project *model.Project,
	product *model.Product,
) (Decision, error) {
	// Rule 1: payment-suspended workspaces only readable by owner/admin.
	if sub != nil && sub.PaymentSuspended() && !caller.CanAdmin() {
		return deny(apperror.KindPaymentSuspended), nil
	}

	effective := effectiveVisibility(component, project, product)

	// Rule: effectively public items are open to anyone, including anonymous
	// callers.
	if effective == model.VisibilityPublic {
		return allow(), nil
	}

	// Rule: owner/admin short-circuit — workspace staff see everything.
	if caller.CanAdmin() {
		return allow(), nil
	}

	// Rule: private items are never exposed outside ownership.
	if effective == model.VisibilityPrivate {
		return deny(apperror.KindNotAuthorized), nil
	}

	// Rule: gated — requires an approved AccessRequest plus a signature
	// still valid against the workspace's current NDA document.
	return r.evaluateGated(ctx, caller, workspace, component)
}

// effectiveVisibility is the most restrictive label along the containment
// chain: Component, then Project, then Product. The one exception is §4.2
// rule 2: a global *document* component is forced to public outright,
// regardless of its own or its containers' visibility. A global SBOM
// component carries no such exception and always walks the full chain.
func effectiveVisibility(component *model.Component, project *model.Project, product *model.Product) model.Visibility {
	if component.IsGlobal && component.ComponentType == model.ComponentTypeDocument {
		return model.VisibilityPublic
	}

	effective := component.Visibility
	if project != nil {
		effective = model.MostRestrictive(effective, project.Visibility)
	}
	if product != nil {
		effective = model.MostRestrictive(effective, product.Visibility)
	}
	return effective
}

func (r *Resolver) evaluateGated(ctx context.Context, caller Caller, workspace *model.Workspace, component *model.Component) (Decision, error) {
	if caller.IsAnonymous() {
		return deny(apperror.KindAccessRequired), nil
	}

	req, err := r.accessRequests.GetOpenForRequester(ctx, workspace.ID, caller.UserID)
	if err != nil && err != sql.ErrNoRows {
		return Decision{}, apperror.Wrap(apperror.KindInternal, "load access request", err)
	}
	if err == sql.ErrNoRows {
		req = nil
	}

	// No request at all, or a terminal one: the requester must (re-)ask.
	if req == nil || req.Status == model.AccessRequestRevoked || req.Status == model.AccessRequestRejected {
		return deny(apperror.KindAccessRequired), nil
	}

	doc, err := r.accessRequests.GetNDADocument(ctx, workspace.ID)
	if err != nil && err != sql.ErrNoRows {
		return Decision{}, apperror.Wrap(apperror.KindInternal, "load nda document", err)
	}
	if err == sql.ErrNoRows {
		doc = nil
	}

	if req.Status == model.AccessRequestPending {
		if doc == nil {
			return deny(apperror.KindAccessPending), nil
		}
		sig, sigErr := r.accessRequests.GetLatestNDASignature(ctx, workspace.ID, caller.UserID)
		if sigErr != nil && sigErr != sql.ErrNoRows {
			return Decision{}, apperror.Wrap(apperror.KindInternal, "load nda signature", sigErr)
		}
		if sigErr == sql.ErrNoRows || sig == nil || !sig.ValidFor(*doc) {
			// Surface the NDA step so the UI flow progresses instead of
			// stalling on a bare "pending" message.
			return requireNDA(workspace.ID), nil
		}
		return deny(apperror.KindAccessPending), nil
	}

	// req.Status == approved.
	if doc == nil {
		// No NDA configured for this workspace: an approved request suffices.
		return allow(), nil
	}

	sig, err := r.accessRequests.GetLatestNDASignature(ctx, workspace.ID, caller.UserID)
	if err != nil && err != sql.ErrNoRows {
		return Decision{}, apperror.Wrap(apperror.KindInternal, "load nda signature", err)
	}
	if err == sql.ErrNoRows || sig == nil || !sig.ValidFor(*doc) {
		return requireNDA(workspace.ID), nil
	}

	return allow(), nil
}
