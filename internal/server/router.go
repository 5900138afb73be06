package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/revision/internal/auth"
	"github.com/MarcoPoloResearchLab/revision/internal/docstore"
	"github.com/MarcoPoloResearchLab/revision/internal/history"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey   = "revision_user_id"
	changeReasonHeader = "X-Change-Reason"
	heartbeatInterval  = 25 * time.Second
)

var (
	errMissingSessions    = errors.New("session validator dependency required")
	errMissingCatalog     = errors.New("repository catalog dependency required")
	errMissingHistory     = errors.New("history reader dependency required")
	errMissingFeed        = errors.New("history feed dependency required")
	errIdentityMismatch   = errors.New("document _id does not match the path")
	errInvalidQueryNumber = errors.New("query parameter must be an integer")
)

// SessionValidator resolves the user a request's changes are attributed to.
type SessionValidator interface {
	Authenticate(r *http.Request) (auth.Actor, error)
}

// RepositoryCatalog resolves a collection name to its tracked repository.
type RepositoryCatalog interface {
	Repository(collection string) (docstore.Repository, error)
}

type HistoryReader interface {
	GetHistory(ctx context.Context, collection, id string, query history.Query) ([]history.Record, error)
	Changes(ctx context.Context, collection, id string, query history.Query) ([]history.Change, error)
	Revision(ctx context.Context, repository docstore.Repository, id string, version int64) (docstore.Document, error)
}

type Dependencies struct {
	Sessions SessionValidator
	Catalog  RepositoryCatalog
	History  HistoryReader
	Feed     *HistoryFeed
	Logger   *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Catalog == nil {
		return nil, errMissingCatalog
	}
	if deps.History == nil {
		return nil, errMissingHistory
	}
	if deps.Feed == nil {
		return nil, errMissingFeed
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions: deps.Sessions,
		catalog:  deps.Catalog,
		history:  deps.History,
		feed:     deps.Feed,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/collections/:collection")
	protected.Use(handler.authorizeRequest)
	protected.PUT("/documents/:id", handler.handleSaveDocument)
	protected.PATCH("/documents", handler.handleUpdateDocuments)
	protected.DELETE("/documents/:id", handler.handleDeleteDocument)
	protected.GET("/documents/:id", handler.handleGetDocument)
	protected.GET("/documents/:id/history", handler.handleGetHistory)
	protected.GET("/documents/:id/revisions/:version", handler.handleGetRevision)
	protected.GET("/documents/:id/changes", handler.handleGetChanges)
	protected.GET("/history/stream", handler.handleHistoryStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", changeReasonHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions SessionValidator
	catalog  RepositoryCatalog
	history  HistoryReader
	feed     *HistoryFeed
	logger   *zap.Logger
}

type updateRequestPayload struct {
	Filter map[string]any `json:"filter"`
	Update map[string]any `json:"update"`
	Multi  bool           `json:"multi"`
	Upsert bool           `json:"upsert"`
	Strict *bool          `json:"strict"`
}

type updateResponsePayload struct {
	Matched    int64  `json:"matched"`
	Modified   int64  `json:"modified"`
	UpsertedID string `json:"upserted_id,omitempty"`
}

type historyResponsePayload struct {
	Records []history.Record `json:"records"`
}

type changesResponsePayload struct {
	Changes []history.Change `json:"changes"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleSaveDocument(c *gin.Context) {
	repository, ok := h.repository(c)
	if !ok {
		return
	}
	var document docstore.Document
	if err := c.ShouldBindJSON(&document); err != nil || document == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	id := c.Param("id")
	if existing := document.ID(); existing != "" && existing != id {
		h.respondError(c, "save", history.NewServiceError("server.save", "identity_mismatch", errIdentityMismatch))
		return
	}
	document[docstore.IDField] = id

	saved, err := repository.Save(c.Request.Context(), document, h.callOptions(c))
	if err != nil {
		h.respondError(c, "save", err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (h *httpHandler) handleUpdateDocuments(c *gin.Context) {
	repository, ok := h.repository(c)
	if !ok {
		return
	}
	var request updateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	update, err := docstore.ParseUpdate(request.Update)
	if err != nil {
		h.respondError(c, "update", err)
		return
	}
	filter := request.Filter
	if filter == nil {
		filter = map[string]any{}
	}
	options := docstore.UpdateOptions{
		CallOptions: h.callOptions(c),
		Upsert:      request.Upsert,
		Strict:      request.Strict,
	}

	var result docstore.UpdateResult
	if request.Multi {
		result, err = repository.UpdateMany(c.Request.Context(), filter, update, options)
	} else {
		result, err = repository.UpdateOne(c.Request.Context(), filter, update, options)
	}
	if err != nil {
		h.respondError(c, "update", err)
		return
	}
	c.JSON(http.StatusOK, updateResponsePayload{
		Matched:    result.Matched,
		Modified:   result.Modified,
		UpsertedID: result.UpsertedID,
	})
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	repository, ok := h.repository(c)
	if !ok {
		return
	}
	document, err := repository.FindByID(c.Request.Context(), c.Param("id"), nil)
	if err != nil {
		h.respondError(c, "delete", err)
		return
	}
	if err := repository.Delete(c.Request.Context(), document, h.callOptions(c)); err != nil {
		h.respondError(c, "delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	repository, ok := h.repository(c)
	if !ok {
		return
	}
	document, err := repository.FindByID(c.Request.Context(), c.Param("id"), nil)
	if err != nil {
		h.respondError(c, "get_document", err)
		return
	}
	c.JSON(http.StatusOK, document)
}

func (h *httpHandler) handleGetHistory(c *gin.Context) {
	query, err := parseHistoryQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_query"})
		return
	}
	records, err := h.history.GetHistory(c.Request.Context(), c.Param("collection"), c.Param("id"), query)
	if err != nil {
		h.respondError(c, "get_history", err)
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	c.JSON(http.StatusOK, historyResponsePayload{Records: records})
}

func (h *httpHandler) handleGetChanges(c *gin.Context) {
	query, err := parseHistoryQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_query"})
		return
	}
	changes, err := h.history.Changes(c.Request.Context(), c.Param("collection"), c.Param("id"), query)
	if err != nil {
		h.respondError(c, "get_changes", err)
		return
	}
	if changes == nil {
		changes = []history.Change{}
	}
	c.JSON(http.StatusOK, changesResponsePayload{Changes: changes})
}

func (h *httpHandler) handleGetRevision(c *gin.Context) {
	repository, ok := h.repository(c)
	if !ok {
		return
	}
	version, err := strconv.ParseInt(c.Param("version"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version"})
		return
	}
	document, err := h.history.Revision(c.Request.Context(), repository, c.Param("id"), version)
	if err != nil {
		h.respondError(c, "get_revision", err)
		return
	}
	c.JSON(http.StatusOK, document)
}

func (h *httpHandler) handleHistoryStream(c *gin.Context) {
	collection := c.Param("collection")
	ctx := c.Request.Context()
	stream, cleanup := h.feed.Subscribe(ctx, collection)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(FeedEventHistoryRecorded, event)
			return true
		case <-heartbeat.C:
			c.SSEvent(feedEventHeartbeat, gin.H{"timestamp": time.Now().UTC().Unix()})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	actor, err := h.sessions.Authenticate(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, actor.UserID)
	c.Next()
}

func (h *httpHandler) repository(c *gin.Context) (docstore.Repository, bool) {
	repository, err := h.catalog.Repository(c.Param("collection"))
	if err != nil {
		h.respondError(c, "resolve_collection", err)
		return nil, false
	}
	return repository, true
}

func (h *httpHandler) callOptions(c *gin.Context) docstore.CallOptions {
	return docstore.CallOptions{
		User:   c.GetString(userIDContextKey),
		Reason: strings.TrimSpace(c.GetHeader(changeReasonHeader)),
	}
}

func (h *httpHandler) respondError(c *gin.Context, action string, err error) {
	status := statusFor(err)
	body := gin.H{"error": errorLabel(status)}
	var serviceErr *history.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("action", action), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("action", action), zap.Error(err))
	}
	c.JSON(status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, docstore.ErrNotFound), errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, docstore.ErrInvalidDocument),
		errors.Is(err, docstore.ErrInvalidFilter),
		errors.Is(err, docstore.ErrInvalidUpdate),
		errors.Is(err, docstore.ErrInvalidPath),
		errors.Is(err, history.ErrInvalidEntityKey),
		errors.Is(err, history.ErrInvalidQuery),
		errors.Is(err, errIdentityMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorLabel(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadRequest:
		return "invalid_request"
	default:
		return "internal_error"
	}
}

func parseHistoryQuery(c *gin.Context) (history.Query, error) {
	var query history.Query
	var err error
	if query.Limit, err = intQuery(c, "limit"); err != nil {
		return history.Query{}, err
	}
	if query.Offset, err = intQuery(c, "offset"); err != nil {
		return history.Query{}, err
	}
	if query.FromVersion, err = optionalInt64Query(c, "from"); err != nil {
		return history.Query{}, err
	}
	if query.ToVersion, err = optionalInt64Query(c, "to"); err != nil {
		return history.Query{}, err
	}
	query.Descending = strings.EqualFold(c.Query("order"), "desc")
	return query, nil
}

func intQuery(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errInvalidQueryNumber
	}
	return value, nil
}

func optionalInt64Query(c *gin.Context, name string) (*int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, errInvalidQueryNumber
	}
	return &value, nil
}
