// Package admin exposes the management endpoints: schema sync, table
// creation and cache invalidation. Everything here requires the admin role.
package admin

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"lattice-backend/internal/auth"
	"lattice-backend/internal/catalog"
	"lattice-backend/internal/clock"
	"lattice-backend/internal/engine"
	"lattice-backend/internal/ident"
	"lattice-backend/internal/rights"
	"lattice-backend/internal/schemasync"
	"lattice-backend/internal/store"
)

type Handler struct {
	store   *store.Store
	catalog *catalog.Catalog
	engine  *engine.Engine
	sync    *schemasync.Synchronizer
	rights  *rights.Engine
	clock   clock.Clock
}

func NewHandler(s *store.Store, c *catalog.Catalog, e *engine.Engine, sync *schemasync.Synchronizer, r *rights.Engine, clk clock.Clock) *Handler {
	return &Handler{store: s, catalog: c, engine: e, sync: sync, rights: r, clock: clk}
}

// RegisterRoutes mounts the admin API. authMW must run before the admin
// gate so the role check sees the user context.
func RegisterRoutes(app *fiber.App, h *Handler, authMW fiber.Handler) {
	grp := app.Group("/admin", authMW, auth.RequireAdmin())
	grp.Post("/sync", h.Sync)
	grp.Get("/tables", h.ListTables)
	grp.Post("/tables", h.CreateTable)
	grp.Post("/cache/invalidate", h.InvalidateCache)
}

// Sync runs schema synchronization, optionally for one table (?table=name).
func (h *Handler) Sync(c *fiber.Ctx) error {
	res, err := h.sync.Synchronize(c.Context(), c.Query("table"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": res})
}

// ListTables returns every live catalog table with its fields.
func (h *Handler) ListTables(c *fiber.Ctx) error {
	d := h.store.Dialect
	rows, err := store.QueryRows(c.Context(), h.store.DB,
		`SELECT physical_name FROM _tables WHERE deleted = `+d.Placeholder(1)+` ORDER BY physical_name`,
		false)
	if err != nil {
		return err
	}

	type tableOut struct {
		Table  *catalog.TableDefinition  `json:"table"`
		Fields []catalog.FieldDefinition `json:"fields"`
	}
	out := make([]tableOut, 0, len(rows))
	for _, row := range rows {
		td, fields, err := h.catalog.GetTableWithFields(c.Context(), store.RowString(row, "physical_name"))
		if err != nil {
			return err
		}
		if td == nil {
			continue
		}
		out = append(out, tableOut{Table: td, Fields: fields})
	}
	return c.JSON(fiber.Map{"data": out})
}

type createFieldRequest struct {
	PhysicalName     string `json:"physical_name"`
	Alias            string `json:"alias"`
	SQLType          string `json:"sql_type"`
	MaxLength        int    `json:"max_length"`
	Precision        int    `json:"num_precision"`
	Scale            int    `json:"num_scale"`
	Nullable         *bool  `json:"nullable"`
	IsPrimaryKey     bool   `json:"is_primary_key"`
	IsUnique         bool   `json:"is_unique"`
	DefaultValue     string `json:"default_value"`
	MinValue         string `json:"min_value"`
	MaxValue         string `json:"max_value"`
	RegexPattern     string `json:"regex_pattern"`
	ForeignKeyTarget string `json:"foreign_key_target"`
	IsHistorized     *bool  `json:"is_historized"`
	Expression       string `json:"expression"`
	IsPersisted      *bool  `json:"is_persisted"`
}

type createTableRequest struct {
	PhysicalName string               `json:"physical_name"`
	Description  string               `json:"description"`
	Kind         string               `json:"kind"`
	IsHistorized bool                 `json:"is_historized"`
	Fields       []createFieldRequest `json:"fields"`
}

// CreateTable registers a new table in the catalog and creates its physical
// counterpart in one request.
func (h *Handler) CreateTable(c *fiber.Ctx) error {
	var req createTableRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid table payload")
	}
	if !ident.Valid(req.PhysicalName) || len(req.Fields) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "table needs a valid name and at least one field")
	}

	existing, err := h.catalog.GetTable(c.Context(), req.PhysicalName)
	if err != nil {
		return err
	}
	if existing != nil {
		return fiber.NewError(fiber.StatusConflict, fmt.Sprintf("table %s already exists", req.PhysicalName))
	}

	kind := catalog.TableKind(req.Kind)
	if kind == "" {
		kind = catalog.KindForm
	}

	tableID := uuid.NewString()
	fields := make(catalog.FieldSet, 0, len(req.Fields))
	for i, f := range req.Fields {
		if !ident.Valid(f.PhysicalName) {
			return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("invalid field name %q", f.PhysicalName))
		}
		fields = append(fields, catalog.FieldDefinition{
			ID:               uuid.NewString(),
			TableID:          tableID,
			PhysicalName:     f.PhysicalName,
			Alias:            f.Alias,
			SQLType:          f.SQLType,
			MaxLength:        f.MaxLength,
			Precision:        f.Precision,
			Scale:            f.Scale,
			Nullable:         boolOr(f.Nullable, !f.IsPrimaryKey),
			IsPrimaryKey:     f.IsPrimaryKey,
			IsUnique:         f.IsUnique || f.IsPrimaryKey,
			DefaultValue:     f.DefaultValue,
			MinValue:         f.MinValue,
			MaxValue:         f.MaxValue,
			RegexPattern:     f.RegexPattern,
			ForeignKeyTarget: f.ForeignKeyTarget,
			DisplayOrder:     i,
			IsHistorized:     boolOr(f.IsHistorized, true),
			IsPersisted:      boolOr(f.IsPersisted, true),
			Expression:       f.Expression,
		})
	}

	if err := h.engine.CreatePhysicalTable(c.Context(), req.PhysicalName, fields); err != nil {
		return respondAppError(c, err)
	}
	if err := h.registerTable(c.Context(), tableID, req, fields); err != nil {
		return err
	}
	h.catalog.Invalidate(tableID, req.PhysicalName)

	td, created, err := h.catalog.GetTableWithFields(c.Context(), req.PhysicalName)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"data": fiber.Map{"table": td, "fields": created},
	})
}

func (h *Handler) registerTable(ctx context.Context, tableID string, req createTableRequest, fields catalog.FieldSet) error {
	d := h.store.Dialect
	now := h.clock.UtcNow()

	pb := d.NewParamBuilder()
	_, err := store.Exec(ctx, h.store.DB, fmt.Sprintf(
		`INSERT INTO _tables (id, physical_name, description, kind, is_historized, active, deleted, created_at, updated_at)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		pb.Add(tableID), pb.Add(req.PhysicalName), pb.Add(req.Description),
		pb.Add(string(catalog.TableKind(orDefault(req.Kind, string(catalog.KindForm))))),
		pb.Add(req.IsHistorized), pb.Add(true), pb.Add(false), pb.Add(now), pb.Add(now)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("register table %s: %w", req.PhysicalName, err)
	}

	for _, f := range fields {
		fpb := d.NewParamBuilder()
		_, err := store.Exec(ctx, h.store.DB, fmt.Sprintf(
			`INSERT INTO _fields (id, table_id, physical_name, alias, sql_type, max_length,
			                      num_precision, num_scale, nullable, is_primary_key, is_unique,
			                      default_value, min_value, max_value, regex_pattern,
			                      foreign_key_target, display_order, is_historized, is_persisted,
			                      expression, deleted, created_at, updated_at)
			 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
			fpb.Add(f.ID), fpb.Add(f.TableID), fpb.Add(f.PhysicalName), fpb.Add(f.Alias),
			fpb.Add(f.SQLType), fpb.Add(f.MaxLength), fpb.Add(f.Precision), fpb.Add(f.Scale),
			fpb.Add(f.Nullable), fpb.Add(f.IsPrimaryKey), fpb.Add(f.IsUnique),
			fpb.Add(f.DefaultValue), fpb.Add(f.MinValue), fpb.Add(f.MaxValue),
			fpb.Add(f.RegexPattern), fpb.Add(f.ForeignKeyTarget), fpb.Add(f.DisplayOrder),
			fpb.Add(f.IsHistorized), fpb.Add(f.IsPersisted), fpb.Add(f.Expression),
			fpb.Add(false), fpb.Add(now), fpb.Add(now)),
			fpb.Params()...)
		if err != nil {
			return fmt.Errorf("register field %s.%s: %w", req.PhysicalName, f.PhysicalName, err)
		}
	}
	return nil
}

// InvalidateCache drops catalog caches and, when ?user= is given, one user's
// rights cache.
func (h *Handler) InvalidateCache(c *fiber.Ctx) error {
	if err := h.catalog.InvalidateAll(c.Context()); err != nil {
		return err
	}
	if userID := c.Query("user"); userID != "" {
		h.rights.InvalidateCache(userID)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"invalidated": true}})
}

func respondAppError(c *fiber.Ctx, err error) error {
	var appErr *engine.AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
	}
	return err
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
