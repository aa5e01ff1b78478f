package grid

import "github.com/gofiber/fiber/v2"

// RegisterRoutes mounts the table engine API under /api.
func RegisterRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	api := app.Group("/api", middleware...)

	api.Get("/tables", h.ListTables)
	api.Post("/tables", h.CreateTable)
	api.Delete("/tables/:tableId", h.DeleteTable)

	api.Get("/tables/:tableId/fields", h.ListFields)
	api.Post("/tables/:tableId/fields", h.CreateField)
	api.Patch("/tables/:tableId/fields/:fieldId", h.UpdateField)
	api.Delete("/tables/:tableId/fields/:fieldId", h.DeleteField)

	api.Get("/tables/:tableId/rows", h.ListRows)
	api.Post("/tables/:tableId/rows", h.CreateRow)

	// bulk routes register before :rowId so "bulk" is not captured as an id
	api.Post("/tables/:tableId/rows/bulk", h.BulkInsert)
	api.Patch("/tables/:tableId/rows/bulk", h.BulkUpdate)
	api.Delete("/tables/:tableId/rows/bulk", h.BulkDelete)
	api.Post("/tables/:tableId/rows/duplicate", h.BulkDuplicate)

	api.Get("/tables/:tableId/rows/:rowId", h.GetRow)
	api.Patch("/tables/:tableId/rows/:rowId/cells/:fieldId", h.UpdateCell)
	api.Get("/tables/:tableId/rows/:rowId/related/:fieldId", h.GetRelatedRows)
}
