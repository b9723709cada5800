package mgmt

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	kerrors "github.com/p-blackswan/resource-kernel/internal/errors"
	"github.com/p-blackswan/resource-kernel/internal/exchange"
	"github.com/p-blackswan/resource-kernel/internal/kernel"
	"github.com/p-blackswan/resource-kernel/internal/models"
	"github.com/p-blackswan/resource-kernel/internal/repository"
)

// DefaultChunkSize is used by the chunked export endpoints when size is unset.
const DefaultChunkSize = 500

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	kernel *kernel.Kernel
	logger zerolog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(k *kernel.Kernel, logger zerolog.Logger) *Handlers {
	return &Handlers{
		kernel: k,
		logger: logger.With().Str("component", "handlers").Logger(),
	}
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if !h.kernel.Ready(c.UserContext()) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

// CreateResource handles POST /api/v1/workspaces/:ws/resources.
func (h *Handlers) CreateResource(c *fiber.Ctx) error {
	var r models.Resource
	if err := json.Unmarshal(c.Body(), &r); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	r.WorkspaceID = c.Params("ws")
	if r.Origin == "" {
		r.Origin = models.OriginUser
	}

	saved, err := h.kernel.Create(c.UserContext(), &r)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(ResourceResponse{Resource: saved})
}

// GetResource handles GET /api/v1/resources/:id.
func (h *Handlers) GetResource(c *fiber.Ctx) error {
	r, err := h.kernel.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(ResourceResponse{Resource: r})
}

// PatchResource handles PATCH /api/v1/resources/:id.
func (h *Handlers) PatchResource(c *fiber.Ctx) error {
	var p kernel.Patch
	if err := json.Unmarshal(c.Body(), &p); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	r, err := h.kernel.Update(c.UserContext(), c.Params("id"), p)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(ResourceResponse{Resource: r})
}

// DeleteResource handles DELETE /api/v1/resources/:id.
func (h *Handlers) DeleteResource(c *fiber.Ctx) error {
	if err := h.kernel.Delete(c.UserContext(), c.Params("id")); err != nil {
		return h.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ListResources handles GET /api/v1/workspaces/:ws/resources.
//
// Query: limit, cursor, type (repeatable or comma separated), q (full text),
// sort (field, "-field" for descending), filter (repeatable "path:op:value").
func (h *Handlers) ListResources(c *fiber.Ctx) error {
	opts, err := parseListQuery(c)
	if err != nil {
		return h.fail(c, err)
	}
	return h.list(c, opts)
}

// QueryResources handles POST /api/v1/workspaces/:ws/resources/query with a
// JSON ListOptions body.
func (h *Handlers) QueryResources(c *fiber.Ctx) error {
	var opts repository.ListOptions
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &opts); err != nil {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_body", "Bad Request",
				"Invalid request body: "+err.Error())
		}
	}
	return h.list(c, opts)
}

func (h *Handlers) list(c *fiber.Ctx, opts repository.ListOptions) error {
	page, err := h.kernel.List(c.UserContext(), c.Params("ws"), opts)
	if err != nil {
		return h.fail(c, err)
	}
	if page.Data == nil {
		page.Data = []*models.Resource{}
	}
	return c.JSON(page)
}

func parseListQuery(c *fiber.Ctx) (repository.ListOptions, error) {
	opts := repository.ListOptions{
		Limit:    c.QueryInt("limit", repository.DefaultLimit),
		Cursor:   c.Query("cursor"),
		FullText: c.Query("q"),
	}
	args := c.Context().QueryArgs()
	for _, raw := range args.PeekMulti("type") {
		for _, t := range strings.Split(string(raw), ",") {
			if t = strings.TrimSpace(t); t != "" {
				opts.Types = append(opts.Types, t)
			}
		}
	}
	if s := c.Query("sort"); s != "" {
		opts.Sort = &repository.Sort{Field: strings.TrimPrefix(s, "-"), Desc: strings.HasPrefix(s, "-")}
	}
	for _, raw := range args.PeekMulti("filter") {
		parts := strings.SplitN(string(raw), ":", 3)
		if len(parts) < 2 {
			return opts, kerrors.NewValidationError("", "filter", "expected path:op:value")
		}
		f := repository.Filter{Path: parts[0], Op: repository.Operator(parts[1])}
		if len(parts) == 3 {
			f.Value = parts[2]
		}
		if f.Op == repository.OpExists && len(parts) == 3 {
			b, err := strconv.ParseBool(parts[2])
			if err != nil {
				return opts, kerrors.NewValidationError("", "filter", "exists takes true or false")
			}
			f.Value = b
		}
		opts.Filters = append(opts.Filters, f)
	}
	return opts, nil
}

// Search handles GET /api/v1/workspaces/:ws/search?q=.
func (h *Handlers) Search(c *fiber.Ctx) error {
	q := c.Query("q")
	if strings.TrimSpace(q) == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_query", "Bad Request",
			"Query parameter q is required")
	}
	hits, err := h.kernel.Search(c.UserContext(), c.Params("ws"), q)
	if err != nil {
		return h.fail(c, err)
	}
	if hits == nil {
		hits = []*models.Resource{}
	}
	return c.JSON(SearchResponse{Data: hits, Total: len(hits)})
}

// PendingMigrations handles GET /api/v1/workspaces/:ws/migrations.
func (h *Handlers) PendingMigrations(c *fiber.Ctx) error {
	p, err := h.kernel.PendingMigrations(c.UserContext(), c.Params("ws"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(p)
}

// RunMigrations handles POST /api/v1/workspaces/:ws/migrations.
func (h *Handlers) RunMigrations(c *fiber.Ctx) error {
	res, err := h.kernel.MigrateWorkspace(c.UserContext(), c.Params("ws"))
	if err != nil {
		var me *kerrors.MigrationError
		if errors.As(err, &me) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error":      me.Error(),
				"resourceId": me.ResourceID,
				"result":     res,
			})
		}
		return h.fail(c, err)
	}
	return c.JSON(res)
}

// Export handles GET /api/v1/workspaces/:ws/export[?since=ms]. The manifest
// travels in the X-Export-Manifest header.
func (h *Handlers) Export(c *fiber.Ctx) error {
	ws := c.Params("ws")
	var (
		b   *exchange.Bundle
		err error
	)
	if s := c.Query("since"); s != "" {
		since, perr := strconv.ParseInt(s, 10, 64)
		if perr != nil {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_since", "Bad Request",
				"since must be a millisecond timestamp")
		}
		b, err = h.kernel.ExportSince(c.UserContext(), ws, since)
	} else {
		b, err = h.kernel.Export(c.UserContext(), ws)
	}
	if err != nil {
		return h.fail(c, err)
	}
	return sendNDJSON(c, b.Manifest, b.Body)
}

// ExportChunks handles GET /api/v1/workspaces/:ws/export/chunks?size=n.
func (h *Handlers) ExportChunks(c *fiber.Ctx) error {
	size := c.QueryInt("size", DefaultChunkSize)
	m, chunks, err := h.kernel.ExportChunks(c.UserContext(), c.Params("ws"), size)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(ChunkIndexResponse{Manifest: m, Chunks: len(chunks), ChunkSize: size})
}

// ExportChunk handles GET /api/v1/workspaces/:ws/export/chunks/:index?size=n.
func (h *Handlers) ExportChunk(c *fiber.Ctx) error {
	size := c.QueryInt("size", DefaultChunkSize)
	index, err := strconv.Atoi(c.Params("index"))
	if err != nil || index < 0 {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_chunk", "Bad Request",
			"chunk index must be a non-negative integer")
	}
	m, chunks, err := h.kernel.ExportChunks(c.UserContext(), c.Params("ws"), size)
	if err != nil {
		return h.fail(c, err)
	}
	if index >= len(chunks) {
		return problemResponse(c, fiber.StatusNotFound,
			"chunk_not_found", "Not Found",
			"chunk "+strconv.Itoa(index)+" of "+strconv.Itoa(len(chunks)))
	}
	c.Set("X-Export-Chunks", strconv.Itoa(len(chunks)))
	return sendNDJSON(c, m, chunks[index])
}

func sendNDJSON(c *fiber.Ctx, m exchange.Manifest, body []byte) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	c.Set("X-Export-Manifest", string(raw))
	c.Set(fiber.HeaderContentType, "application/x-ndjson")
	return c.Send(body)
}

// ValidateImport handles POST /api/v1/imports/validate.
func (h *Handlers) ValidateImport(c *fiber.Ctx) error {
	var req ValidateImportRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	report, err := h.kernel.ValidateImport(req.Manifest, bytes.NewReader([]byte(req.Body)))
	if err != nil {
		return h.fail(c, err)
	}
	status := fiber.StatusOK
	if !report.Success {
		status = fiber.StatusUnprocessableEntity
	}
	return c.Status(status).JSON(report)
}

// Reindex handles POST /api/v1/workspaces/:ws/reindex.
func (h *Handlers) Reindex(c *fiber.Ctx) error {
	res, err := h.kernel.Reindex(c.UserContext(), c.Params("ws"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(res)
}

// HealthDetail handles GET /api/v1/health.
func (h *Handlers) HealthDetail(c *fiber.Ctx) error {
	snap := h.kernel.Health(c.UserContext())
	status := fiber.StatusOK
	if !snap.OK {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(snap)
}

// Types handles GET /api/v1/types.
func (h *Handlers) Types(c *fiber.Ctx) error {
	reg := h.kernel.Registry()
	out := make([]TypeInfo, 0)
	for _, t := range reg.Types() {
		v, err := reg.CurrentVersion(t)
		if err != nil {
			return h.fail(c, err)
		}
		out = append(out, TypeInfo{Type: t, SchemaVersion: v})
	}
	return c.JSON(out)
}

// Audit handles GET /api/v1/audit?workspace=&limit=.
func (h *Handlers) Audit(c *fiber.Ctx) error {
	log := h.kernel.Audit()
	entries := log.Entries(c.Query("workspace"), c.QueryInt("limit", 100))
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	return c.JSON(AuditResponse{Entries: entries, Total: log.Count()})
}

// fail maps kernel errors onto problem responses.
func (h *Handlers) fail(c *fiber.Ctx, err error) error {
	status, errType, title := classify(err)
	if status >= fiber.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return problemResponse(c, status, errType, title, err.Error())
}

func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, kerrors.ErrUnknownType):
		return fiber.StatusBadRequest, "unknown_type", "Bad Request"
	case errors.Is(err, kerrors.ErrValidation):
		return fiber.StatusBadRequest, "validation_failed", "Bad Request"
	case errors.Is(err, kerrors.ErrInvalidCursor):
		return fiber.StatusBadRequest, "invalid_cursor", "Bad Request"
	case errors.Is(err, kerrors.ErrNotFound):
		return fiber.StatusNotFound, "not_found", "Not Found"
	case errors.Is(err, kerrors.ErrDenied):
		return fiber.StatusForbidden, "access_denied", "Forbidden"
	case errors.Is(err, kerrors.ErrMigration):
		return fiber.StatusConflict, "migration_failed", "Conflict"
	case errors.Is(err, kerrors.ErrConflict):
		return fiber.StatusConflict, "conflict", "Conflict"
	case errors.Is(err, kerrors.ErrStorage):
		return fiber.StatusServiceUnavailable, "storage_failure", "Service Unavailable"
	}
	return fiber.StatusInternalServerError, "internal_error", "Internal Server Error"
}
