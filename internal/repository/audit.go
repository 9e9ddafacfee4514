package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"net"

	"github.com/google/uuid"
	"github.com/sbomhub/sbomhub/internal/model"
)

type AuditRepository struct {
	db *sql.DB
}

func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Log(ctx context.Context, in *model.CreateAuditLogInput) error {
	details, _ := json.Marshal(in.Details)
	var ip net.IP
	if in.IPAddress != "" {
		ip = net.ParseIP(in.IPAddress)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, workspace_id, user_id, action, resource_type, resource_id, details, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, uuid.New(), in.WorkspaceID, in.UserID, in.Action, in.ResourceType, in.ResourceID, details, ip, in.UserAgent)
	return err
}

func (r *AuditRepository) ListForWorkspace(ctx context.Context, workspaceID uuid.UUID, limit int) ([]model.AuditLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, workspace_id, user_id, action, resource_type, resource_id, details, ip_address, user_agent, created_at
		FROM audit_logs WHERE workspace_id = $1 ORDER BY created_at DESC LIMIT $2
	`, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditLog
	for rows.Next() {
		var a model.AuditLog
		var details []byte
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &a.UserID, &a.Action, &a.ResourceType, &a.ResourceID,
			&details, &a.IPAddress, &a.UserAgent, &a.CreatedAt); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &a.Details)
		}
		out = append(out, a)
	}
	return out, nil
}
