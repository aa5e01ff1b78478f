package store

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Bootstrap creates all system tables and seeds the default workspace/user
// on an empty database.
func (s *Store) Bootstrap(ctx context.Context) error {
	ddl := s.Dialect.SystemTablesSQL()
	// modernc sqlite executes one statement per Exec call
	if s.Dialect.Name() == "sqlite" {
		for _, stmt := range splitStatements(ddl) {
			if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("bootstrap system tables: %w", err)
			}
		}
	} else {
		if _, err := s.DB.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("bootstrap system tables: %w", err)
		}
	}
	if err := s.seedDefaults(ctx); err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	}
	return nil
}

func (s *Store) seedDefaults(ctx context.Context) error {
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM _users").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hashBytes, err := bcrypt.GenerateFromPassword([]byte("changeme"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	userID := uuid.NewString()
	workspaceID := uuid.NewString()
	pb := s.Dialect.NewParamBuilder()
	stmt := fmt.Sprintf("INSERT INTO _users (id, email, password_hash) VALUES (%s, %s, %s)",
		pb.Add(userID), pb.Add("admin@localhost"), pb.Add(string(hashBytes)))
	if _, err := s.DB.ExecContext(ctx, stmt, pb.Params()...); err != nil {
		return err
	}

	pb = s.Dialect.NewParamBuilder()
	stmt = fmt.Sprintf("INSERT INTO _workspaces (id, name) VALUES (%s, %s)",
		pb.Add(workspaceID), pb.Add("Default Workspace"))
	if _, err := s.DB.ExecContext(ctx, stmt, pb.Params()...); err != nil {
		return err
	}

	pb = s.Dialect.NewParamBuilder()
	stmt = fmt.Sprintf("INSERT INTO _workspace_members (workspace_id, user_id, role) VALUES (%s, %s, %s)",
		pb.Add(workspaceID), pb.Add(userID), pb.Add("owner"))
	if _, err := s.DB.ExecContext(ctx, stmt, pb.Params()...); err != nil {
		return err
	}

	log.Println("WARNING: Default admin user created (admin@localhost / changeme); change the password immediately.")
	return nil
}

// splitStatements splits a DDL script on semicolons at line ends. Good enough
// for our bootstrap scripts, which never embed semicolons inside literals.
func splitStatements(script string) []string {
	var stmts []string
	for _, part := range strings.Split(script, ";\n") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		stmts = append(stmts, trimmed)
	}
	return stmts
}
