package grid

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/pythagonacci/trakgrid/internal/instrument"
	"github.com/pythagonacci/trakgrid/internal/metadata"
	"github.com/pythagonacci/trakgrid/internal/store"
)

// Handler exposes the table engine over HTTP.
type Handler struct {
	store  *store.Store
	engine *Engine
}

func NewHandler(s *store.Store, e *Engine) *Handler {
	return &Handler{store: s, engine: e}
}

func (h *Handler) userID(c *fiber.Ctx) string {
	if user, ok := c.Locals("user").(*metadata.UserContext); ok && user != nil {
		return user.ID
	}
	return ""
}

func (h *Handler) access(c *fiber.Ctx, tableID string) (*Access, error) {
	access, appErr := RequireTableAccess(c.UserContext(), h.store, h.engine.Registry(), h.userID(c), tableID)
	if appErr != nil {
		return nil, appErr
	}
	return access, nil
}

// --- tables ---

// ListTables handles GET /api/tables.
func (h *Handler) ListTables(c *fiber.Ctx) error {
	tables := h.engine.Registry().AllTables()
	return c.JSON(fiber.Map{"data": tables})
}

// CreateTable handles POST /api/tables.
func (h *Handler) CreateTable(c *fiber.Ctx) error {
	var body struct {
		WorkspaceID string `json:"workspace_id"`
		Name        string `json:"name"`
	}
	if err := c.BodyParser(&body); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	table, err := h.engine.CreateTable(c.UserContext(), body.WorkspaceID, body.Name)
	if err != nil {
		return err
	}
	return c.Status(201).JSON(fiber.Map{"data": table})
}

// DeleteTable handles DELETE /api/tables/:tableId.
func (h *Handler) DeleteTable(c *fiber.Ctx) error {
	tableID := c.Params("tableId")
	if _, err := h.access(c, tableID); err != nil {
		return err
	}
	if err := h.engine.DeleteTable(c.UserContext(), tableID); err != nil {
		return err
	}
	return c.SendStatus(204)
}

// --- fields ---

// ListFields handles GET /api/tables/:tableId/fields.
func (h *Handler) ListFields(c *fiber.Ctx) error {
	tableID := c.Params("tableId")
	if _, err := h.access(c, tableID); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": h.engine.Registry().FieldsForTable(tableID)})
}

// CreateField handles POST /api/tables/:tableId/fields.
func (h *Handler) CreateField(c *fiber.Ctx) error {
	tableID := c.Params("tableId")
	access, err := h.access(c, tableID)
	if err != nil {
		return err
	}
	var input FieldInput
	if err := c.BodyParser(&input); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	field, err := h.engine.CreateField(c.UserContext(), access, tableID, input)
	if err != nil {
		return err
	}
	return c.Status(201).JSON(fiber.Map{"data": field})
}

// UpdateField handles PATCH /api/tables/:tableId/fields/:fieldId.
func (h *Handler) UpdateField(c *fiber.Ctx) error {
	access, err := h.access(c, c.Params("tableId"))
	if err != nil {
		return err
	}
	var input FieldInput
	if err := c.BodyParser(&input); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	field, err := h.engine.UpdateField(c.UserContext(), access, c.Params("fieldId"), input)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": field})
}

// DeleteField handles DELETE /api/tables/:tableId/fields/:fieldId.
func (h *Handler) DeleteField(c *fiber.Ctx) error {
	access, err := h.access(c, c.Params("tableId"))
	if err != nil {
		return err
	}
	if err := h.engine.DeleteField(c.UserContext(), access, c.Params("fieldId")); err != nil {
		return err
	}
	return c.SendStatus(204)
}

// --- rows ---

// ListRows handles GET /api/tables/:tableId/rows.
func (h *Handler) ListRows(c *fiber.Ctx) error {
	tableID := c.Params("tableId")
	access, err := h.access(c, tableID)
	if err != nil {
		return err
	}
	rows, err := h.engine.GetRows(c.UserContext(), access, tableID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": rows})
}

// GetRow handles GET /api/tables/:tableId/rows/:rowId.
func (h *Handler) GetRow(c *fiber.Ctx) error {
	tableID := c.Params("tableId")
	access, err := h.access(c, tableID)
	if err != nil {
		return err
	}
	row, err := h.engine.GetRow(c.UserContext(), access, tableID, c.Params("rowId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError("row", c.Params("rowId"))
		}
		return err
	}
	return c.JSON(fiber.Map{"data": row})
}

// CreateRow handles POST /api/tables/:tableId/rows.
func (h *Handler) CreateRow(c *fiber.Ctx) error {
	tableID := c.Params("tableId")
	access, err := h.access(c, tableID)
	if err != nil {
		return err
	}
	var body struct {
		Data map[string]any `json:"data"`
	}
	if err := c.BodyParser(&body); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	ctx := instrument.WithUser(c.UserContext(), access.UserID)
	row, err := h.engine.CreateRow(ctx, access, tableID, body.Data)
	if err != nil {
		return err
	}
	return c.Status(201).JSON(fiber.Map{"data": row})
}

// UpdateCell handles PATCH /api/tables/:tableId/rows/:rowId/cells/:fieldId.
func (h *Handler) UpdateCell(c *fiber.Ctx) error {
	tableID := c.Params("tableId")
	access, err := h.access(c, tableID)
	if err != nil {
		return err
	}
	var body struct {
		Value any `json:"value"`
	}
	if err := c.BodyParser(&body); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	ctx := instrument.WithUser(c.UserContext(), access.UserID)
	row, err := h.engine.UpdateCell(ctx, access, tableID, c.Params("rowId"), c.Params("fieldId"), body.Value)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError("row", c.Params("rowId"))
		}
		return err
	}
	return c.JSON(fiber.Map{"data": row})
}

// GetRelatedRows handles GET /api/tables/:tableId/rows/:rowId/related/:fieldId.
func (h *Handler) GetRelatedRows(c *fiber.Ctx) error {
	access, err := h.access(c, c.Params("tableId"))
	if err != nil {
		return err
	}
	rows, err := h.engine.GetRelatedRows(c.UserContext(), access, c.Params("rowId"), c.Params("fieldId"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": rows})
}

// --- bulk ---

// BulkInsert handles POST /api/tables/:tableId/rows/bulk.
func (h *Handler) BulkInsert(c *fiber.Ctx) error {
	tableID := c.Params("tableId")
	access, err := h.access(c, tableID)
	if err != nil {
		return err
	}
	var body struct {
		Rows []map[string]any `json:"rows"`
	}
	if err := c.BodyParser(&body); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if len(body.Rows) == 0 {
		return ValidationError([]ErrorDetail{{Field: "rows", Message: "at least one row is required"}})
	}
	ctx := instrument.WithUser(c.UserContext(), access.UserID)
	result, err := h.engine.BulkInsertRows(ctx, access, tableID, body.Rows)
	if err != nil {
		return bulkFailure(c, result, err)
	}
	return c.Status(201).JSON(fiber.Map{"data": result})
}

// BulkUpdate handles PATCH /api/tables/:tableId/rows/bulk.
func (h *Handler) BulkUpdate(c *fiber.Ctx) error {
	tableID := c.Params("tableId")
	access, err := h.access(c, tableID)
	if err != nil {
		return err
	}
	var body struct {
		Updates []RowUpdate `json:"updates"`
	}
	if err := c.BodyParser(&body); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	ctx := instrument.WithUser(c.UserContext(), access.UserID)
	result, err := h.engine.BulkUpdateRows(ctx, access, tableID, body.Updates)
	if err != nil {
		return bulkFailure(c, result, err)
	}
	return c.JSON(fiber.Map{"data": result})
}

// BulkDelete handles DELETE /api/tables/:tableId/rows/bulk.
func (h *Handler) BulkDelete(c *fiber.Ctx) error {
	tableID := c.Params("tableId")
	access, err := h.access(c, tableID)
	if err != nil {
		return err
	}
	var body struct {
		RowIDs []string `json:"row_ids"`
	}
	if err := c.BodyParser(&body); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	ctx := instrument.WithUser(c.UserContext(), access.UserID)
	result, err := h.engine.BulkDeleteRows(ctx, access, tableID, body.RowIDs)
	if err != nil {
		return bulkFailure(c, result, err)
	}
	return c.JSON(fiber.Map{"data": result})
}

// BulkDuplicate handles POST /api/tables/:tableId/rows/duplicate.
func (h *Handler) BulkDuplicate(c *fiber.Ctx) error {
	tableID := c.Params("tableId")
	access, err := h.access(c, tableID)
	if err != nil {
		return err
	}
	var body struct {
		RowIDs []string `json:"row_ids"`
	}
	if err := c.BodyParser(&body); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	ctx := instrument.WithUser(c.UserContext(), access.UserID)
	result, err := h.engine.BulkDuplicateRows(ctx, access, tableID, body.RowIDs)
	if err != nil {
		return bulkFailure(c, result, err)
	}
	return c.Status(201).JSON(fiber.Map{"data": result})
}

// bulkFailure reports a mid-stream bulk error without hiding what already
// committed. A 207 carries the partial result alongside the error.
func bulkFailure(c *fiber.Ctx, result *BulkResult, err error) error {
	if result == nil || result.Committed == 0 {
		return err
	}
	return c.Status(207).JSON(fiber.Map{
		"data":  result,
		"error": fiber.Map{"code": "PARTIAL_FAILURE", "message": err.Error()},
	})
}
