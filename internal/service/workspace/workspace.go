// Package workspace implements C3: workspace creation, membership, roles,
// default-workspace election and the invitation lifecycle described in
// spec.md §4.1. It owns every mutation that touches the members/invitations
// tables; the HTTP layer only translates requests into these calls.
package workspace

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sbomhub/sbomhub/internal/apperror"
	"github.com/sbomhub/sbomhub/internal/broadcast"
	"github.com/sbomhub/sbomhub/internal/model"
	"github.com/sbomhub/sbomhub/internal/repository"
)

const invitationTTL = 7 * 24 * time.Hour

type Service struct {
	workspaces  *repository.WorkspaceRepository
	users       *repository.UserRepository
	billing     *repository.BillingRepository
	broadcaster broadcast.Broadcaster
}

func New(workspaces *repository.WorkspaceRepository, users *repository.UserRepository, billing *repository.BillingRepository, b broadcast.Broadcaster) *Service {
	return &Service{workspaces: workspaces, users: users, billing: billing, broadcaster: b}
}

// CreateWorkspace provisions a new tenant with the creating user as its
// owner. If the user has no other membership yet, this workspace becomes
// their default, mirroring the teacher's "X's Workspace" auto-provisioning
// on first sight of a user.
func (s *Service) CreateWorkspace(ctx context.Context, user *model.User, name, slug string) (*model.Workspace, error) {
	existing, err := s.users.ListWorkspacesForUser(ctx, user.ID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "list memberships", err)
	}

	now := time.Now()
	ws := &model.Workspace{
		ID: uuid.New(), Name: name, Slug: slug, Plan: model.PlanFree,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.workspaces.Create(ctx, ws); err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "create workspace", err)
	}

	member := &model.Member{
		WorkspaceID: ws.ID, UserID: user.ID, Role: model.RoleOwner,
		IsDefault: len(existing) == 0, CreatedAt: now,
	}
	if err := s.users.AddMember(ctx, member); err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "add owner membership", err)
	}

	s.broadcaster.Send(ctx, ws.Slug, "workspace_created", map[string]any{"workspace_id": ws.ID})
	return ws, nil
}

func (s *Service) Rename(ctx context.Context, ws *model.Workspace, name string) error {
	ws.Name = name
	if err := s.workspaces.Update(ctx, ws); err != nil {
		return apperror.Wrap(apperror.KindInternal, "rename workspace", err)
	}
	return nil
}

// SetDefault clears any prior default membership for the user and sets the
// new one inside a single transaction, per §4.1's idempotency contract —
// calling it again with the same workspace is a no-op.
func (s *Service) SetDefault(ctx context.Context, userID, workspaceID uuid.UUID) error {
	tx, err := s.users.BeginTx(ctx)
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "begin tx", err)
	}
	defer tx.Rollback()

	if err := s.users.ClearDefault(ctx, tx, userID); err != nil {
		return apperror.Wrap(apperror.KindInternal, "clear default", err)
	}
	if err := s.users.SetDefault(ctx, tx, workspaceID, userID); err != nil {
		return apperror.Wrap(apperror.KindInternal, "set default", err)
	}
	if err := tx.Commit(); err != nil {
		return apperror.Wrap(apperror.KindInternal, "commit", err)
	}
	return nil
}

// Delete removes a workspace. Per §4.1: only the owner may delete it, and
// only when it is not their default and they have at least one other
// membership to fall back to.
func (s *Service) Delete(ctx context.Context, owner *model.Member, userID uuid.UUID) error {
	if !owner.IsOwner() {
		return apperror.New(apperror.KindNotAuthorized, "only the owner may delete a workspace")
	}
	if owner.IsDefault {
		return apperror.New(apperror.KindInvalidInput, "default-workspace: cannot delete your default workspace")
	}

	memberships, err := s.users.ListWorkspacesForUser(ctx, userID)
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "list memberships", err)
	}
	if len(memberships) <= 1 {
		return apperror.New(apperror.KindInvalidInput, "last-workspace: you have no other workspace to fall back to")
	}

	if err := s.workspaces.Delete(ctx, owner.WorkspaceID); err != nil {
		return apperror.Wrap(apperror.KindInternal, "delete workspace", err)
	}
	return nil
}

// Invite creates a pending Invitation. Seat-limit enforcement happens at
// accept time (§4.1), not here, since a plan's member count can shrink or
// grow between invite and accept.
func (s *Service) Invite(ctx context.Context, actor *model.Member, email, role string) (*model.Invitation, error) {
	if !actor.CanAdmin() {
		return nil, apperror.New(apperror.KindNotAuthorized, "only owners/admins may invite")
	}

	token, err := randomToken()
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "generate invitation token", err)
	}

	now := time.Now()
	inv := &model.Invitation{
		ID: uuid.New(), WorkspaceID: actor.WorkspaceID, Email: email, Role: role,
		InvitedBy: actor.UserID, Token: token, Status: model.InvitationPending,
		ExpiresAt: now.Add(invitationTTL), CreatedAt: now,
	}
	if err := s.users.CreateInvitation(ctx, inv); err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "create invitation", err)
	}

	s.broadcaster.Send(ctx, actor.WorkspaceID.String(), "invitation_created", map[string]any{"invitation_id": inv.ID})
	return inv, nil
}

// AcceptInvitation consumes an invitation within its expiry, creating a
// Member row. Per §4.1: expired, wrong-email, already-a-member and
// seat-limit are distinct failure modes.
func (s *Service) AcceptInvitation(ctx context.Context, user *model.User, token string) (*model.Member, error) {
	inv, err := s.users.GetInvitationByToken(ctx, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.New(apperror.KindNotFound, "invitation not found")
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "load invitation", err)
	}

	if inv.IsExpired(time.Now()) {
		_ = s.users.RespondInvitation(ctx, inv.ID, model.InvitationExpired, time.Now())
		return nil, apperror.New(apperror.KindInvalidInput, "expired: invitation has expired")
	}
	if inv.Email != user.Email {
		return nil, apperror.New(apperror.KindNotAuthorized, "email-mismatch: invitation was issued to a different address")
	}

	if existing, err := s.users.GetMember(ctx, inv.WorkspaceID, user.ID); err == nil && existing != nil {
		return nil, apperror.New(apperror.KindConflict, "already-member: you already belong to this workspace")
	} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.Wrap(apperror.KindInternal, "check existing membership", err)
	}

	ws, err := s.workspaces.GetByID(ctx, inv.WorkspaceID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "load workspace", err)
	}
	limits := s.billing.GetPlanLimits(ctx, ws.Plan)
	count, err := s.users.CountMembers(ctx, ws.ID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "count members", err)
	}
	if !model.CheckLimit(count, limits.MaxMembers) {
		return nil, apperror.WithDetails(apperror.KindPlanLimit, "seat-limit: workspace has reached its member limit",
			map[string]any{"limit": limits.MaxMembers, "current": count})
	}

	existingMemberships, err := s.users.ListWorkspacesForUser(ctx, user.ID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "list memberships", err)
	}

	member := &model.Member{
		WorkspaceID: inv.WorkspaceID, UserID: user.ID, Role: inv.Role,
		IsDefault: len(existingMemberships) == 0, CreatedAt: time.Now(),
	}
	if err := s.users.AddMember(ctx, member); err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "add member", err)
	}
	if err := s.users.RespondInvitation(ctx, inv.ID, model.InvitationAccepted, time.Now()); err != nil {
		slog.Warn("failed to mark invitation accepted", "invitation_id", inv.ID, "error", err)
	}

	s.broadcaster.Send(ctx, inv.WorkspaceID.String(), "member_joined", map[string]any{"user_id": user.ID})
	return member, nil
}

func (s *Service) DeclineInvitation(ctx context.Context, token string) error {
	inv, err := s.users.GetInvitationByToken(ctx, token)
	if errors.Is(err, sql.ErrNoRows) {
		return apperror.New(apperror.KindNotFound, "invitation not found")
	}
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "load invitation", err)
	}
	return s.users.RespondInvitation(ctx, inv.ID, model.InvitationDeclined, time.Now())
}

// ChangeRole updates a member's role. The last-owner invariant is enforced
// the same way as RemoveMember: a workspace may never end up with zero
// owners.
func (s *Service) ChangeRole(ctx context.Context, actor *model.Member, target *model.Member, newRole string) error {
	if !actor.CanAdmin() {
		return apperror.New(apperror.KindNotAuthorized, "only owners/admins may change roles")
	}
	if target.IsOwner() && newRole != model.RoleOwner {
		if err := s.requireNotLastOwner(ctx, target.WorkspaceID, target.UserID); err != nil {
			return err
		}
	}
	if err := s.users.UpdateRole(ctx, target.WorkspaceID, target.UserID, newRole); err != nil {
		return apperror.Wrap(apperror.KindInternal, "update role", err)
	}
	return nil
}

// RemoveMember removes target from the workspace, including self-removal,
// unless target is the workspace's last owner (§4.1 *last-owner*).
func (s *Service) RemoveMember(ctx context.Context, actor *model.Member, target *model.Member) error {
	if actor.UserID != target.UserID && !actor.CanAdmin() {
		return apperror.New(apperror.KindNotAuthorized, "only owners/admins may remove other members")
	}
	if target.IsOwner() {
		if err := s.requireNotLastOwner(ctx, target.WorkspaceID, target.UserID); err != nil {
			return err
		}
	}
	if err := s.users.RemoveMember(ctx, target.WorkspaceID, target.UserID); err != nil {
		return apperror.Wrap(apperror.KindInternal, "remove member", err)
	}
	s.broadcaster.Send(ctx, target.WorkspaceID.String(), "member_removed", map[string]any{"user_id": target.UserID})
	return nil
}

func (s *Service) requireNotLastOwner(ctx context.Context, workspaceID, excludingUserID uuid.UUID) error {
	members, err := s.users.ListMembers(ctx, workspaceID)
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "list members", err)
	}
	owners := 0
	for _, m := range members {
		if m.Role == model.RoleOwner && m.UserID != excludingUserID {
			owners++
		}
	}
	if owners == 0 {
		return apperror.New(apperror.KindInvalidInput, "last-owner: workspace must retain at least one owner")
	}
	return nil
}

func (s *Service) ListMemberships(ctx context.Context, userID uuid.UUID) ([]model.Member, error) {
	members, err := s.users.ListWorkspacesForUser(ctx, userID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "list memberships", err)
	}
	return members, nil
}

func randomToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
