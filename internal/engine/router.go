package engine

import (
	"github.com/gofiber/fiber/v2"
)

// RegisterRoutes mounts the dynamic-table API behind the given auth
// middleware. The menus route must register before the :table wildcard so
// "menus" stays a first-class endpoint.
func RegisterRoutes(app *fiber.App, h *Handler, authMW fiber.Handler) {
	api := app.Group("/api", authMW)

	api.Get("/menus", h.Menus)

	api.Get("/:table", h.List)
	api.Post("/:table", h.Create)
	api.Get("/:table/:id", h.Get)
	api.Put("/:table/:id", h.Update)
	api.Delete("/:table/:id", h.Delete)
	api.Get("/:table/:id/history", h.History)
	api.Post("/:table/:id/restore", h.Restore)
}
