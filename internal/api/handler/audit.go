package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/coldchain-ledger/internal/access"
	"github.com/jmerrifield20/coldchain-ledger/internal/auditledger"
	"github.com/jmerrifield20/coldchain-ledger/internal/compliance"
)

// AuditLedger is the ledger surface the HTTP API uses.
type AuditLedger interface {
	Record(ctx context.Context, ev auditledger.Event) (*auditledger.AuditRecord, error)
	Get(ctx context.Context, sequence uint64) (*auditledger.RecordView, error)
	Query(ctx context.Context, f auditledger.Filter) (*auditledger.Page, error)
	Verify(ctx context.Context, opts auditledger.VerifyOptions) (*auditledger.VerificationResult, error)
	Head(ctx context.Context) (*auditledger.Head, error)
	Amend(ctx context.Context, sequence uint64, ev auditledger.Event) error
	Delete(ctx context.Context, sequence uint64) error
}

// Exporter writes compliance exports.
type Exporter interface {
	Export(ctx context.Context, tenantID string, format compliance.Format, w io.Writer) error
}

// AuditHandler exposes the audit trail over HTTP.
type AuditHandler struct {
	ledger   AuditLedger
	exporter Exporter
	tokens   *access.Issuer
	logger   *zap.Logger
	now      func() time.Time
}

// NewAuditHandler creates a new AuditHandler. A nil tokens issuer disables
// authentication, which is only suitable for local development.
func NewAuditHandler(ledger AuditLedger, exporter Exporter, tokens *access.Issuer, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{ledger: ledger, exporter: exporter, tokens: tokens, logger: logger, now: time.Now}
}

// requireRole returns the RequireToken middleware when auth is configured,
// or a no-op middleware when tokens is nil.
func (h *AuditHandler) requireRole(roles ...access.Role) gin.HandlerFunc {
	if h.tokens == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return access.RequireToken(h.tokens, roles...)
}

// Register mounts the audit routes on the given router group.
func (h *AuditHandler) Register(rg *gin.RouterGroup) {
	readers := h.requireRole(access.RoleAuditor, access.RoleAdmin)

	a := rg.Group("/audit")
	{
		a.GET("/records", readers, h.ListRecords)
		a.GET("/records/:seq", readers, h.GetRecord)
		a.POST("/records", h.requireRole(access.RoleService, access.RoleAdmin), h.CreateRecord)
		a.PATCH("/records/:seq", h.AmendRecord)
		a.PUT("/records/:seq", h.AmendRecord)
		a.DELETE("/records/:seq", h.DeleteRecord)
		a.GET("/head", h.requireRole(access.RoleAdmin), h.Head)
		a.GET("/verify", readers, h.Verify)
		a.GET("/export", readers, h.Export)
	}
}

// tenantScope resolves the tenant a request may read. Auditors are pinned to
// their own tenant; asking for another one is refused.
func (h *AuditHandler) tenantScope(c *gin.Context) (*string, bool) {
	requested := strings.TrimSpace(c.Query("tenant_id"))
	claims := access.ClaimsFromCtx(c)
	if claims == nil || claims.Role == access.RoleAdmin {
		if requested == "" {
			return nil, true
		}
		return &requested, true
	}
	if requested != "" && requested != claims.TenantID {
		c.JSON(http.StatusForbidden, gin.H{"error": "token is not valid for tenant " + requested})
		return nil, false
	}
	tenant := claims.TenantID
	return &tenant, true
}

// ListRecords handles GET /audit/records: filtered, paginated audit trail.
func (h *AuditHandler) ListRecords(c *gin.Context) {
	tenant, ok := h.tenantScope(c)
	if !ok {
		return
	}

	f := auditledger.Filter{
		TenantID:        tenant,
		EventTypePrefix: c.Query("event_type"),
		Order:           auditledger.Order(strings.ToLower(c.DefaultQuery("order", "asc"))),
	}
	if u := strings.TrimSpace(c.Query("user_id")); u != "" {
		f.UserID = &u
	}

	var err error
	if f.CreatedFrom, err = timeParam(c, "from"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if f.CreatedTo, err = timeParam(c, "to"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if f.Limit, err = intParam(c, "limit"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if f.Offset, err = intParam(c, "offset"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	page, err := h.ledger.Query(c.Request.Context(), f)
	if err != nil {
		h.writeError(c, "query audit records", err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetRecord handles GET /audit/records/:seq: a single record.
func (h *AuditHandler) GetRecord(c *gin.Context) {
	seq, ok := sequenceParam(c)
	if !ok {
		return
	}
	tenant, ok := h.tenantScope(c)
	if !ok {
		return
	}

	rec, err := h.ledger.Get(c.Request.Context(), seq)
	if err != nil {
		h.writeError(c, "get audit record", err)
		return
	}
	// Records outside the caller's tenant are reported as absent.
	if tenant != nil && auditledger.Deref(rec.TenantID) != *tenant {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// RecordRequest is the body of POST /audit/records.
type RecordRequest struct {
	EventType string                   `json:"event_type" binding:"required"`
	Action    string                   `json:"action" binding:"required"`
	TenantID  *string                  `json:"tenant_id"`
	UserID    *string                  `json:"user_id"`
	Resource  *auditledger.ResourceRef `json:"resource"`
	Changes   auditledger.Changes      `json:"changes"`
	Metadata  auditledger.Metadata     `json:"metadata"`
}

// CreateRecord handles POST /audit/records: appends an event.
func (h *AuditHandler) CreateRecord(c *gin.Context) {
	var req RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.ledger.Record(c.Request.Context(), auditledger.Event{
		EventType: req.EventType,
		Action:    req.Action,
		TenantID:  req.TenantID,
		UserID:    req.UserID,
		Resource:  req.Resource,
		Changes:   req.Changes,
		Metadata:  req.Metadata,
	})
	if err != nil {
		h.writeError(c, "record audit event", err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// AmendRecord handles PATCH and PUT /audit/records/:seq: always refused.
func (h *AuditHandler) AmendRecord(c *gin.Context) {
	seq, ok := sequenceParam(c)
	if !ok {
		return
	}
	h.writeError(c, "amend audit record", h.ledger.Amend(c.Request.Context(), seq, auditledger.Event{}))
}

// DeleteRecord handles DELETE /audit/records/:seq: always refused.
func (h *AuditHandler) DeleteRecord(c *gin.Context) {
	seq, ok := sequenceParam(c)
	if !ok {
		return
	}
	h.writeError(c, "delete audit record", h.ledger.Delete(c.Request.Context(), seq))
}

// Head handles GET /audit/head: the chain length and current tip hash.
func (h *AuditHandler) Head(c *gin.Context) {
	head, err := h.ledger.Head(c.Request.Context())
	if err != nil {
		h.writeError(c, "read ledger head", err)
		return
	}
	c.JSON(http.StatusOK, head)
}

// VerifyResponse is a verification result stamped with when it was produced.
type VerifyResponse struct {
	*auditledger.VerificationResult
	VerifiedAt time.Time `json:"verified_at"`
}

// Verify handles GET /audit/verify: recomputes signatures and chain links.
func (h *AuditHandler) Verify(c *gin.Context) {
	tenant, ok := h.tenantScope(c)
	if !ok {
		return
	}
	opts := auditledger.VerifyOptions{TenantID: tenant}

	var err error
	if opts.StartSequence, err = uintParam(c, "start"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if opts.EndSequence, err = uintParam(c, "end"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.ledger.Verify(c.Request.Context(), opts)
	if err != nil {
		h.writeError(c, "verify audit chain", err)
		return
	}
	if !res.Valid {
		h.logger.Warn("audit chain verification reported findings",
			zap.String("tenant_id", auditledger.Deref(tenant)),
			zap.Int("findings", len(res.Errors)),
		)
	}
	c.JSON(http.StatusOK, VerifyResponse{VerificationResult: res, VerifiedAt: h.now().UTC()})
}

// Export handles GET /audit/export: a tenant's history plus verification.
func (h *AuditHandler) Export(c *gin.Context) {
	tenant, ok := h.tenantScope(c)
	if !ok {
		return
	}
	if tenant == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}
	format, err := compliance.ParseFormat(c.Query("format"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Buffer so a failure can still produce a clean error response.
	var buf strings.Builder
	if err := h.exporter.Export(c.Request.Context(), *tenant, format, &buf); err != nil {
		h.writeError(c, "export audit records", err)
		return
	}

	contentType := "application/json"
	if format == compliance.FormatCSV {
		contentType = "text/csv; charset=utf-8"
	}
	filename := "audit-tenant-" + *tenant + "-" + h.now().UTC().Format("20060102") + "." + string(format)
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, contentType, []byte(buf.String()))
}

// writeError maps ledger errors to HTTP responses.
func (h *AuditHandler) writeError(c *gin.Context, op string, err error) {
	var (
		verr *auditledger.ValidationError
		ierr *auditledger.ImmutabilityError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
	case errors.As(err, &ierr):
		c.JSON(http.StatusConflict, gin.H{"error": "audit records are immutable", "code": "immutable"})
	case errors.Is(err, auditledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
	case errors.Is(err, compliance.ErrUnsupportedFormat):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, auditledger.ErrRetriesExhausted):
		h.logger.Error(op, zap.Error(err))
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger busy, retry later"})
	default:
		h.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to " + op})
	}
}

func sequenceParam(c *gin.Context) (uint64, bool) {
	seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
	if err != nil || seq == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seq must be a positive integer"})
		return 0, false
	}
	return seq, true
}

func timeParam(c *gin.Context, name string) (*time.Time, error) {
	v := c.Query(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, errors.New(name + " must be an RFC 3339 timestamp")
	}
	return &t, nil
}

func intParam(c *gin.Context, name string) (int, error) {
	v := c.Query(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

func uintParam(c *gin.Context, name string) (*uint64, error) {
	v := c.Query(name)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return nil, errors.New(name + " must be a non-negative integer")
	}
	return &n, nil
}
