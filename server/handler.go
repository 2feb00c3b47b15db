package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid/v5"

	"github.com/authgraph/rebac"
	"github.com/authgraph/rebac/dsl"
)

// Handler exposes the authorization engine over REST. Permission checks go
// through the Authorizer (and so through the cache); tuple and model reads
// hit storage directly.
type Handler struct {
	authorizer *rebac.Authorizer
	storage    rebac.Storage
	log        *slog.Logger
}

func NewHandler(authorizer *rebac.Authorizer, storage rebac.Storage, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{authorizer: authorizer, storage: storage, log: log}
}

func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	v1 := r.Group("/v1")
	v1.POST("/check", h.Check)
	v1.POST("/tuples", h.WriteTuples)
	v1.GET("/tuples", h.ListTuples)
	v1.GET("/changelog", h.Changelog)
	v1.POST("/models", h.PublishModel)
	v1.POST("/models/validate", h.ValidateModel)
	v1.GET("/models", h.ListModels)
	v1.GET("/models/:id", h.GetModel)
	v1.POST("/models/:id/activate", h.ActivateModel)
}

type checkRequest struct {
	Subject  string `json:"subject" binding:"required"`
	Relation string `json:"relation" binding:"required"`
	Object   string `json:"object" binding:"required"`
	Txid     int64  `json:"txid"`
}

func (h *Handler) Check(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key := rebac.TupleString(req.Object + "#" + req.Relation + "@" + req.Subject)
	if err := key.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	allowed, err := h.authorizer.Check(c.Request.Context(), rebac.CheckRequest{
		SubjectType:     key.SubjectType,
		SubjectID:       key.SubjectID,
		SubjectRelation: key.SubjectRelation,
		Relation:        key.Relation,
		ObjectType:      key.ObjectType,
		ObjectID:        key.ObjectID,
		Txid:            req.Txid,
	})
	if err != nil {
		// An aborted check is neither allowed nor denied.
		if errors.Is(err, rebac.ErrAborted) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, rebac.ErrNotFound) {
			c.JSON(http.StatusConflict, gin.H{"error": "no active authorization model"})
			return
		}
		h.log.Error("check failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "check failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"allowed": allowed})
}

type writeRequest struct {
	Writes  []string `json:"writes"`
	Deletes []string `json:"deletes"`
}

func (h *Handler) WriteTuples(c *gin.Context) {
	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Writes) == 0 && len(req.Deletes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to write"})
		return
	}

	parse := func(in []string) ([]rebac.TupleKey, bool) {
		keys := make([]rebac.TupleKey, 0, len(in))
		for _, s := range in {
			key := rebac.TupleString(s)
			if err := key.Validate(); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "tuple": s})
				return nil, false
			}
			keys = append(keys, key)
		}
		return keys, true
	}
	writes, ok := parse(req.Writes)
	if !ok {
		return
	}
	deletes, ok := parse(req.Deletes)
	if !ok {
		return
	}

	result, err := h.authorizer.Write(c.Request.Context(), writes, deletes)
	if err != nil {
		if errors.Is(err, rebac.ErrInvalidKey) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, rebac.ErrNotFound) {
			c.JSON(http.StatusConflict, gin.H{"error": "no active authorization model"})
			return
		}
		h.log.Error("tuple write failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"txid":    result.Txid,
		"written": result.Written,
		"deleted": result.Deleted,
	})
}

func (h *Handler) ListTuples(c *gin.Context) {
	txid, err := queryInt64(c, "txid")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid txid"})
		return
	}
	filter := rebac.TupleFilter{
		SubjectType:     c.Query("subject_type"),
		SubjectID:       c.Query("subject_id"),
		SubjectRelation: c.Query("subject_relation"),
		Relation:        c.Query("relation"),
		ObjectType:      c.Query("object_type"),
		ObjectID:        c.Query("object_id"),
		Txid:            txid,
		IncludeDeleted:  c.Query("include_deleted") == "true",
	}

	tuples, err := h.storage.Find(c.Request.Context(), filter)
	if err != nil {
		h.log.Error("tuple query failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	out := make([]gin.H, 0, len(tuples))
	for _, t := range tuples {
		out = append(out, gin.H{
			"id":           t.ID,
			"tuple":        t.String(),
			"created_txid": t.CreatedTxid,
			"deleted_txid": t.DeletedTxid,
			"created_at":   t.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tuples": out})
}

func (h *Handler) Changelog(c *gin.Context) {
	from, err := queryInt64(c, "from")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
		return
	}
	to, err := queryInt64(c, "to")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
		return
	}

	entries, err := h.storage.Changelog(c.Request.Context(), from, to)
	if err != nil {
		h.log.Error("changelog query failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{
			"id":         e.ID,
			"operation":  e.Op,
			"tuple_id":   e.TupleID,
			"txid":       e.Txid,
			"created_at": e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": out})
}

type modelRequest struct {
	Source string `json:"source" binding:"required"`
}

func (h *Handler) PublishModel(c *gin.Context) {
	var req modelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := dsl.Compile(req.Source)
	if !result.Success {
		c.JSON(http.StatusBadRequest, gin.H{
			"errors":   issuesJSON(result.Errors),
			"warnings": issuesJSON(result.Warnings),
		})
		return
	}

	if err := h.authorizer.Publish(c.Request.Context(), result.Model); err != nil {
		h.log.Error("model publish failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "publish failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         result.Model.ID,
		"version_id": result.Model.VersionID,
		"warnings":   issuesJSON(result.Warnings),
	})
}

func (h *Handler) ValidateModel(c *gin.Context) {
	var req modelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result := dsl.Validate(req.Source)
	c.JSON(http.StatusOK, gin.H{
		"valid":    result.Success,
		"errors":   issuesJSON(result.Errors),
		"warnings": issuesJSON(result.Warnings),
	})
}

func (h *Handler) ListModels(c *gin.Context) {
	models, err := h.storage.ListModels(c.Request.Context())
	if err != nil {
		h.log.Error("model list failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	out := make([]gin.H, 0, len(models))
	for _, m := range models {
		out = append(out, modelJSON(m, false))
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}

func (h *Handler) GetModel(c *gin.Context) {
	id, err := uuid.FromString(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid model id"})
		return
	}
	m, err := h.storage.Model(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, rebac.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "model not found"})
			return
		}
		h.log.Error("model fetch failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, modelJSON(m, true))
}

func (h *Handler) ActivateModel(c *gin.Context) {
	id, err := uuid.FromString(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid model id"})
		return
	}
	if err := h.authorizer.Activate(c.Request.Context(), id); err != nil {
		if errors.Is(err, rebac.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "model not found"})
			return
		}
		h.log.Error("model activation failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "activation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "active": true})
}

func modelJSON(m *rebac.AuthorizationModel, withSource bool) gin.H {
	out := gin.H{
		"id":             m.ID,
		"version_id":     m.VersionID,
		"schema_version": m.SchemaVersion,
		"is_active":      m.IsActive,
		"created_at":     m.CreatedAt,
	}
	if withSource {
		out["source"] = m.DSLSource
	}
	return out
}

func issuesJSON(issues []dsl.Issue) []gin.H {
	out := make([]gin.H, 0, len(issues))
	for _, issue := range issues {
		out = append(out, gin.H{
			"message": issue.Message,
			"line":    issue.Line,
			"column":  issue.Column,
		})
	}
	return out
}

func queryInt64(c *gin.Context, name string) (int64, error) {
	s := c.Query(name)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
