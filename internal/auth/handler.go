package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/pythagonacci/trakgrid/internal/grid"
	"github.com/pythagonacci/trakgrid/internal/store"
)

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	store     *store.Store
	jwtSecret string
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(s *store.Store, jwtSecret string) *AuthHandler {
	return &AuthHandler{store: s, jwtSecret: jwtSecret}
}

// Register handles POST /api/auth/register.
func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return grid.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.Email == "" || len(body.Password) < 8 {
		return grid.NewAppError("VALIDATION_FAILED", 422, "Email and a password of at least 8 characters are required")
	}

	hash, err := HashPassword(body.Password)
	if err != nil {
		return grid.NewAppError("INTERNAL_ERROR", 500, "Failed to hash password")
	}

	ctx := c.Context()
	userID := uuid.NewString()
	pb := h.store.Dialect.NewParamBuilder()
	stmt := "INSERT INTO _users (id, email, password_hash) VALUES (" +
		pb.Add(userID) + ", " + pb.Add(body.Email) + ", " + pb.Add(hash) + ")"
	if _, err := store.Exec(ctx, h.store.DB, stmt, pb.Params()...); err != nil {
		if errors.Is(store.MapError(h.store.Dialect, err), store.ErrUniqueViolation) {
			return grid.ConflictError("An account with this email already exists")
		}
		return fmt.Errorf("create user: %w", err)
	}

	token, err := GenerateAccessToken(userID, h.jwtSecret)
	if err != nil {
		return grid.NewAppError("INTERNAL_ERROR", 500, "Failed to generate access token")
	}
	return c.Status(201).JSON(fiber.Map{"data": fiber.Map{"id": userID, "access_token": token}})
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return grid.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.Email == "" || body.Password == "" {
		return grid.UnauthorizedError("Email and password are required")
	}

	ctx := c.Context()
	user, err := h.findUserByEmail(ctx, body.Email)
	if err != nil {
		return grid.UnauthorizedError("Invalid email or password")
	}

	if active, ok := user["active"].(bool); ok && !active {
		return grid.UnauthorizedError("Account is disabled")
	}

	passwordHash, _ := user["password_hash"].(string)
	if !CheckPassword(body.Password, passwordHash) {
		return grid.UnauthorizedError("Invalid email or password")
	}

	userID, _ := user["id"].(string)
	token, err := GenerateAccessToken(userID, h.jwtSecret)
	if err != nil {
		return grid.NewAppError("INTERNAL_ERROR", 500, "Failed to generate access token")
	}

	return c.JSON(fiber.Map{"data": fiber.Map{"access_token": token}})
}

// RegisterAuthRoutes registers auth routes on the given Fiber app.
func RegisterAuthRoutes(app *fiber.App, h *AuthHandler) {
	group := app.Group("/api/auth")
	group.Post("/register", h.Register)
	group.Post("/login", h.Login)
}

func (h *AuthHandler) findUserByEmail(ctx context.Context, email string) (map[string]any, error) {
	pb := h.store.Dialect.NewParamBuilder()
	stmt := "SELECT id, email, password_hash, active FROM _users WHERE email = " + pb.Add(email)
	row, err := store.QueryRow(ctx, h.store.DB, stmt, pb.Params()...)
	if err != nil {
		return nil, err
	}
	store.NormalizeBooleans(h.store.Dialect, []map[string]any{row}, []string{"active"})
	return row, nil
}
