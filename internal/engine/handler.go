package engine

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"lattice-backend/internal/auth"
	"lattice-backend/internal/catalog"
	"lattice-backend/internal/history"
	"lattice-backend/internal/rights"
)

// Handler exposes the dynamic-table CRUD API over fiber.
type Handler struct {
	engine    *Engine
	meta      Metadata
	history   *history.Engine
	rights    *rights.Engine
	validator ValidationService
}

func NewHandler(e *Engine, meta Metadata, h *history.Engine, r *rights.Engine, v ValidationService) *Handler {
	if v == nil {
		v = &FieldValidator{}
	}
	return &Handler{engine: e, meta: meta, history: h, rights: r, validator: v}
}

type listMeta struct {
	Page    int   `json:"page"`
	PerPage int   `json:"per_page"`
	Total   int64 `json:"total"`
}

type listResponse struct {
	Data []map[string]any `json:"data"`
	Meta listMeta         `json:"meta"`
}

type dataResponse struct {
	Data any `json:"data"`
}

// List handles GET /api/:table.
func (h *Handler) List(c *fiber.Ctx) error {
	user := auth.UserFromCtx(c)
	table := c.Params("table")
	if err := h.authorize(c, user, table, rights.FlagView); err != nil {
		return err
	}

	filters, err := parseFilters(c.Queries())
	if err != nil {
		return respondError(c, err)
	}
	sorts := parseSorts(c.Query("sort"))
	page, perPage := parsePaging(c)
	perPage = h.engine.bounds.clamp(perPage)

	result, err := h.engine.GetPage(c.Context(), user, table, filters, sorts, (page-1)*perPage, perPage)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(listResponse{
		Data: result.Rows,
		Meta: listMeta{Page: page, PerPage: perPage, Total: result.Total},
	})
}

// Get handles GET /api/:table/:id.
func (h *Handler) Get(c *fiber.Ctx) error {
	user := auth.UserFromCtx(c)
	table, id := c.Params("table"), c.Params("id")
	if err := h.authorize(c, user, table, rights.FlagView); err != nil {
		return err
	}

	row, err := h.engine.GetByID(c.Context(), user, table, id)
	if err != nil {
		return respondError(c, err)
	}
	if row == nil {
		return respondError(c, NotFoundError(table, id))
	}
	return c.JSON(dataResponse{Data: row})
}

// Create handles POST /api/:table.
func (h *Handler) Create(c *fiber.Ctx) error {
	user := auth.UserFromCtx(c)
	table := c.Params("table")
	if err := h.authorize(c, user, table, rights.FlagAdd); err != nil {
		return err
	}

	payload, err := parseBody(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := h.validate(c, table, payload, true); err != nil {
		return respondError(c, err)
	}

	id, err := h.engine.Insert(c.Context(), user, table, payload)
	if err != nil {
		return respondError(c, err)
	}
	row, err := h.engine.GetByID(c.Context(), user, table, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dataResponse{Data: row})
}

// Update handles PUT /api/:table/:id.
func (h *Handler) Update(c *fiber.Ctx) error {
	user := auth.UserFromCtx(c)
	table, id := c.Params("table"), c.Params("id")
	if err := h.authorize(c, user, table, rights.FlagEdit); err != nil {
		return err
	}

	payload, err := parseBody(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := h.validate(c, table, payload, false); err != nil {
		return respondError(c, err)
	}

	affected, err := h.engine.Update(c.Context(), user, table, id, payload)
	if err != nil {
		return respondError(c, err)
	}
	if affected == 0 {
		return respondError(c, NotFoundError(table, id))
	}
	row, err := h.engine.GetByID(c.Context(), user, table, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(dataResponse{Data: row})
}

// Delete handles DELETE /api/:table/:id.
func (h *Handler) Delete(c *fiber.Ctx) error {
	user := auth.UserFromCtx(c)
	table, id := c.Params("table"), c.Params("id")
	if err := h.authorize(c, user, table, rights.FlagRemove); err != nil {
		return err
	}

	affected, err := h.engine.Delete(c.Context(), user, table, id)
	if err != nil {
		return respondError(c, err)
	}
	if affected == 0 {
		return respondError(c, NotFoundError(table, id))
	}
	return c.JSON(dataResponse{Data: fiber.Map{"id": id, "deleted": true}})
}

// History handles GET /api/:table/:id/history.
func (h *Handler) History(c *fiber.Ctx) error {
	user := auth.UserFromCtx(c)
	table, id := c.Params("table"), c.Params("id")
	if err := h.authorize(c, user, table, rights.FlagView); err != nil {
		return err
	}

	// resolve the row first so tenant and soft-delete scoping apply to the
	// trail, not just the current state
	row, err := h.engine.GetByID(c.Context(), user, table, id)
	if err != nil {
		return respondError(c, err)
	}
	if row == nil {
		return respondError(c, NotFoundError(table, id))
	}

	versions, err := h.history.GetHistory(c.Context(), table, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(dataResponse{Data: versions})
}

// Restore handles POST /api/:table/:id/restore?version=n. Rolling a row back
// to an earlier version is not implemented; the endpoint says so explicitly
// instead of pretending.
func (h *Handler) Restore(c *fiber.Ctx) error {
	user := auth.UserFromCtx(c)
	table, id := c.Params("table"), c.Params("id")
	if err := h.authorize(c, user, table, rights.FlagEdit); err != nil {
		return err
	}

	row, err := h.engine.GetByID(c.Context(), user, table, id)
	if err != nil {
		return respondError(c, err)
	}
	if row == nil {
		return respondError(c, NotFoundError(table, id))
	}

	version, _ := strconv.ParseInt(c.Query("version", "0"), 10, 64)
	if err := h.history.Restore(c.Context(), table, id, version); err != nil {
		if errors.Is(err, history.ErrUnsupported) {
			return respondError(c, UnsupportedError("restoring a historical version is not supported"))
		}
		return respondError(c, err)
	}
	return c.JSON(dataResponse{Data: fiber.Map{"restored": true}})
}

// Menus handles GET /api/menus: the menu ids the caller may see.
func (h *Handler) Menus(c *fiber.Ctx) error {
	user := auth.UserFromCtx(c)
	if user == nil {
		return respondError(c, UnauthorizedError("authentication required"))
	}
	ids, err := h.rights.AuthorizedMenuIDs(c.Context(), user.UserID, user.TenantID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(dataResponse{Data: ids})
}

// authorize resolves the table and checks the caller's flag on it. Admins
// bypass the rights lookup entirely.
func (h *Handler) authorize(c *fiber.Ctx, user *catalog.UserContext, table string, flag rights.Flag) error {
	if user == nil {
		return respondError(c, UnauthorizedError("authentication required"))
	}
	if user.IsAdmin() {
		return nil
	}

	td, err := h.meta.GetTable(c.Context(), table)
	if err != nil {
		return respondError(c, err)
	}
	if td == nil {
		return respondError(c, UnknownTableError(table))
	}
	ok, err := h.rights.HasRight(c.Context(), user.UserID, user.TenantID, rights.TargetTable, td.ID, flag)
	if err != nil {
		return respondError(c, err)
	}
	if !ok {
		return respondError(c, ForbiddenError("no right on table "+table))
	}
	return nil
}

func (h *Handler) validate(c *fiber.Ctx, table string, payload map[string]any, isInsert bool) error {
	td, err := h.meta.GetTable(c.Context(), table)
	if err != nil {
		return err
	}
	if td == nil {
		return UnknownTableError(table)
	}
	fields, err := h.meta.GetFields(c.Context(), td.ID)
	if err != nil {
		return err
	}
	return h.validator.Validate(c.Context(), table, fields, payload, isInsert)
}

func parseBody(c *fiber.Ctx) (map[string]any, error) {
	payload := map[string]any{}
	if err := c.BodyParser(&payload); err != nil {
		return nil, InvalidPayloadError("request body must be a JSON object")
	}
	return payload, nil
}

// parseFilters reads filter[field.op]=value query parameters. A bare
// filter[field]=value uses the contains operator.
func parseFilters(queries map[string]string) ([]Filter, error) {
	var filters []Filter
	for key, value := range queries {
		if !strings.HasPrefix(key, "filter[") || !strings.HasSuffix(key, "]") {
			continue
		}
		inner := key[len("filter[") : len(key)-1]
		field, op := inner, OpContains
		if i := strings.LastIndex(inner, "."); i > 0 {
			field, op = inner[:i], inner[i+1:]
		}
		filters = append(filters, Filter{Field: field, Op: op, Value: value})
	}
	return filters, nil
}

// parseSorts reads sort=-field1,field2 into sort terms.
func parseSorts(raw string) []Sort {
	if raw == "" {
		return nil
	}
	var sorts []Sort
	for _, term := range strings.Split(raw, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		if strings.HasPrefix(term, "-") {
			sorts = append(sorts, Sort{Field: term[1:], Desc: true})
		} else {
			sorts = append(sorts, Sort{Field: term})
		}
	}
	return sorts
}

func parsePaging(c *fiber.Ctx) (page, perPage int) {
	page, _ = strconv.Atoi(c.Query("page", "1"))
	if page < 1 {
		page = 1
	}
	perPage, _ = strconv.Atoi(c.Query("per_page", "0"))
	if perPage < 0 {
		perPage = 0
	}
	return page, perPage
}

// respondError renders AppError with its status; anything else becomes a 500.
func respondError(c *fiber.Ctx, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
	}
	return err
}
