package grid

import (
	"context"
	"errors"
	"fmt"

	"github.com/pythagonacci/trakgrid/internal/metadata"
	"github.com/pythagonacci/trakgrid/internal/store"
)

// Access is proof that a user may touch a table: the table exists and the
// user is a member of its workspace. Every mutation entry point requires one
// before reading or writing data.
type Access struct {
	UserID string
	Table  *metadata.Table
	Role   string
}

// RequireTableAccess resolves the table and checks workspace membership.
// It short-circuits with an AppError before any data access on failure.
func RequireTableAccess(ctx context.Context, s *store.Store, reg *metadata.Registry, userID, tableID string) (*Access, *AppError) {
	if userID == "" {
		return nil, UnauthorizedError("Missing auth token")
	}

	table := reg.GetTable(tableID)
	if table == nil {
		return nil, UnknownTableError(tableID)
	}

	pb := s.Dialect.NewParamBuilder()
	stmt := fmt.Sprintf("SELECT role FROM _workspace_members WHERE workspace_id = %s AND user_id = %s",
		pb.Add(table.WorkspaceID), pb.Add(userID))
	row, err := store.QueryRow(ctx, s.DB, stmt, pb.Params()...)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ForbiddenError("Not a member of this workspace")
		}
		return nil, NewAppError("INTERNAL_ERROR", 500, "Membership lookup failed")
	}

	role, _ := row["role"].(string)
	return &Access{UserID: userID, Table: table, Role: role}, nil
}
