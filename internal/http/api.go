package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flixkeeper/internal/app"
	"flixkeeper/internal/cleanup"
	"flixkeeper/internal/domain"
	"flixkeeper/internal/downloader"
	"flixkeeper/internal/posters"
)

type HistoryLister interface {
	List(ctx context.Context, limit int) ([]domain.HistoryEntry, error)
}

type ContentReader interface {
	Films() []domain.ContentItem
	Series() []domain.ContentItem
	BuiltAt() time.Time
	RebuildNow(ctx context.Context) (bool, error)
}

type TimerResetter interface {
	ResetTimer(ctx context.Context, id string) (time.Time, error)
}

type Cleaner interface {
	RunOnce(ctx context.Context) (cleanup.Report, error)
	DeleteItem(ctx context.Context, id string, force bool) (cleanup.ItemResult, error)
}

type PosterSweeper interface {
	SweepPosters(ctx context.Context, req app.SweepRequest) (posters.SweepReport, error)
}

// Deps are the operations the routes bind to. Shutdown is called once the
// response has been written and must not block.
type Deps struct {
	Downloads downloader.Manager
	History   HistoryLister
	Content   ContentReader
	Timers    TimerResetter
	Cleanup   Cleaner
	Posters   PosterSweeper
	Shutdown  func(reason string)
	PosterDir string
}

// Handler wires HTTP routes to domain services.
type Handler struct {
	deps Deps
}

func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// FromApp binds every route to the running application.
func FromApp(a *app.App, shutdown func(reason string)) Deps {
	return Deps{
		Downloads: a.Downloads,
		History:   a.History,
		Content:   a.Content,
		Timers:    a,
		Cleanup:   a.Cleanup,
		Posters:   a,
		Shutdown:  shutdown,
		PosterDir: a.PosterDir(),
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if h.deps.PosterDir != "" {
		router.Static("/posters", h.deps.PosterDir)
	}

	api := router.Group("/api")
	{
		api.GET("/health", h.health)

		api.GET("/downloads", h.listDownloads)
		api.POST("/downloads", h.addDownload)
		api.POST("/downloads/:id/pause", h.pauseDownload)
		api.POST("/downloads/:id/resume", h.resumeDownload)
		api.POST("/downloads/:id/toggle", h.toggleDownload)
		api.DELETE("/downloads/:id", h.removeDownload)
		api.GET("/ratelimit", h.getRateLimit)
		api.PUT("/ratelimit", h.setRateLimit)
		api.GET("/history", h.listHistory)

		api.GET("/films", h.listFilms)
		api.GET("/series", h.listSeries)
		api.POST("/items/:id/reset", h.resetTimer)
		api.DELETE("/items/:id", h.deleteItem)

		api.POST("/cleanup", h.cleanupNow)
		api.POST("/posters/sweep", h.sweepPosters)
		api.POST("/rebuild", h.rebuildNow)
		api.POST("/shutdown", h.shutdown)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// writeError maps the error taxonomy onto status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrOffline):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func queryBool(c *gin.Context, name string) (bool, bool) {
	v, err := strconv.ParseBool(c.DefaultQuery(name, "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag " + name})
		return false, false
	}
	return v, true
}

func (h *Handler) health(c *gin.Context) {
	resp := gin.H{"ok": true}
	if built := h.deps.Content.BuiltAt(); !built.IsZero() {
		resp["content_built_at"] = built.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

type addDownloadRequest struct {
	Source string `json:"source" binding:"required"`
	Dest   string `json:"dest"`
}

func (h *Handler) listDownloads(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Downloads.ListDownloads())
}

func (h *Handler) addDownload(c *gin.Context) {
	var req addDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.deps.Downloads.AddDownload(c.Request.Context(), req.Source, req.Dest)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (h *Handler) pauseDownload(c *gin.Context) {
	if err := h.deps.Downloads.Pause(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "state": domain.DownloadPaused})
}

func (h *Handler) resumeDownload(c *gin.Context) {
	if err := h.deps.Downloads.Resume(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
}

func (h *Handler) toggleDownload(c *gin.Context) {
	state, err := h.deps.Downloads.Toggle(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "state": state})
}

func (h *Handler) removeDownload(c *gin.Context) {
	purge, ok := queryBool(c, "purge")
	if !ok {
		return
	}
	if err := h.deps.Downloads.Remove(c.Request.Context(), c.Param("id"), purge); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id"), "purged": purge})
}

type rateLimitRequest struct {
	BytesPerSecond *int64 `json:"bytes_per_second" binding:"required"`
}

func (h *Handler) getRateLimit(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"bytes_per_second": h.deps.Downloads.RateLimit()})
}

func (h *Handler) setRateLimit(c *gin.Context) {
	var req rateLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if *req.BytesPerSecond < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bytes_per_second must not be negative"})
		return
	}
	h.deps.Downloads.SetGlobalRateLimit(*req.BytesPerSecond)
	c.JSON(http.StatusOK, gin.H{"bytes_per_second": h.deps.Downloads.RateLimit()})
}

func (h *Handler) listHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	entries, err := h.deps.History.List(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

func (h *Handler) listFilms(c *gin.Context) {
	c.JSON(http.StatusOK, nonNil(h.deps.Content.Films()))
}

func (h *Handler) listSeries(c *gin.Context) {
	c.JSON(http.StatusOK, nonNil(h.deps.Content.Series()))
}

func nonNil(items []domain.ContentItem) []domain.ContentItem {
	if items == nil {
		return []domain.ContentItem{}
	}
	return items
}

func (h *Handler) resetTimer(c *gin.Context) {
	deleteAt, err := h.deps.Timers.ResetTimer(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "deleteAt": deleteAt.UTC().Format(time.RFC3339)})
}

func (h *Handler) deleteItem(c *gin.Context) {
	force, ok := queryBool(c, "force")
	if !ok {
		return
	}
	res, err := h.deps.Cleanup.DeleteItem(c.Request.Context(), c.Param("id"), force)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) cleanupNow(c *gin.Context) {
	report, err := h.deps.Cleanup.RunOnce(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) sweepPosters(c *gin.Context) {
	var req app.SweepRequest
	var ok bool
	if req.Force, ok = queryBool(c, "force"); !ok {
		return
	}
	if req.DryRun, ok = queryBool(c, "dry_run"); !ok {
		return
	}
	if req.Rebuild, ok = queryBool(c, "rebuild"); !ok {
		return
	}

	report, err := h.deps.Posters.SweepPosters(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) rebuildNow(c *gin.Context) {
	rebuilt, err := h.deps.Content.RebuildNow(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if !rebuilt {
		c.JSON(http.StatusServiceUnavailable, gin.H{"rebuilt": false, "reason": "library_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rebuilt": true, "built_at": h.deps.Content.BuiltAt().UTC().Format(time.RFC3339)})
}

func (h *Handler) shutdown(c *gin.Context) {
	if h.deps.Shutdown == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "shutdown not available"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"shutting_down": true})
	h.deps.Shutdown("api")
}
