package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"bucketdrop/internal/backend"
	"bucketdrop/internal/job"
	"bucketdrop/internal/storage"
)

// ObjectBrowser lists the bucket and mints presigned URLs.
type ObjectBrowser interface {
	List(ctx context.Context, prefix string) ([]storage.Object, error)
	PresignGet(ctx context.Context, key string) (string, error)
}

// JobBackend is the external download-job service.
type JobBackend interface {
	Initiate(ctx context.Context, keys []string) (backend.InitiateResponse, error)
	Status(ctx context.Context, jobID string) (job.State, error)
	Subscribe(ctx context.Context, subscribeURL string) (<-chan job.State, error)
}

type startDownloadRequest struct {
	Keys []string `json:"keys"`
}

type startDownloadResponse struct {
	JobID      string     `json:"job_id"`
	Status     job.Status `json:"status"`
	TotalFiles int        `json:"total_files"`
}

type API struct {
	browser ObjectBrowser
	backend JobBackend
	tracker *job.Tracker
}

func NewAPI(browser ObjectBrowser, jobBackend JobBackend, tracker *job.Tracker) *API {
	return &API{browser: browser, backend: jobBackend, tracker: tracker}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/objects", a.ListObjects)
		api.GET("/objects/url", a.PresignObject)
		api.POST("/downloads", a.StartDownload)
		api.GET("/downloads/current", a.CurrentDownload)
		api.GET("/downloads/current/events", a.StreamDownload)
		api.GET("/downloads/current/artifact", a.RedirectArtifact)
		api.DELETE("/downloads/current", a.DismissDownload)
		api.GET("/downloads/history", a.DownloadHistory)
	}
}

// ListObjects returns bucket contents under an optional prefix
func (a *API) ListObjects(c *gin.Context) {
	prefix := c.Query("prefix")
	objects, err := a.browser.List(c.Request.Context(), prefix)
	if err != nil {
		log.Error().Str("prefix", prefix).Err(err).Msg("bucket listing failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "listing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"objects": objects})
}

// PresignObject mints a time-limited URL for a single object
func (a *API) PresignObject(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}
	signed, err := a.browser.PresignGet(c.Request.Context(), key)
	if err != nil {
		log.Error().Str("key", key).Err(err).Msg("presign failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "presign failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": signed})
}

// StartDownload initiates a packaged download for the selected keys and
// begins tracking it, replacing any previous job.
func (a *API) StartDownload(c *gin.Context) {
	var req startDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid start download request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if len(req.Keys) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no keys selected"})
		return
	}

	initiated, err := a.backend.Initiate(c.Request.Context(), req.Keys)
	if err != nil {
		log.Error().Int("keys", len(req.Keys)).Err(err).Msg("download initiation failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "download initiation failed"})
		return
	}

	a.startTracking(initiated)

	log.Info().Str("job_id", initiated.JobID).Int("total_files", initiated.TotalFiles).Msg("download job started")
	c.JSON(http.StatusCreated, startDownloadResponse{
		JobID:      initiated.JobID,
		Status:     initiated.Status,
		TotalFiles: initiated.TotalFiles,
	})
}

func (a *API) startTracking(initiated backend.InitiateResponse) {
	initial := job.State{
		JobID:      initiated.JobID,
		Status:     initiated.Status,
		TotalFiles: initiated.TotalFiles,
	}
	subscribe := func(ctx context.Context) (<-chan job.State, error) {
		return a.backend.Subscribe(ctx, initiated.SubscribeURL)
	}
	a.tracker.Start(initial, subscribe, a.backend.Status)
}

// CurrentDownload returns the latest snapshot of the active job
func (a *API) CurrentDownload(c *gin.Context) {
	state, ok := a.tracker.Current()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active download"})
		return
	}
	c.JSON(http.StatusOK, state)
}

// StreamDownload relays job updates to the browser as server-sent events.
// Event names mirror the backend channel: progress, complete, error, plus a
// redirect event carrying the one-shot navigation target.
func (a *API) StreamDownload(c *gin.Context) {
	if _, ok := a.tracker.Current(); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active download"})
		return
	}

	events, unsubscribe := a.tracker.Subscribe()
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", sse.ContentType)
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			if ev.RedirectURL != "" {
				c.Render(-1, sse.Event{Event: "redirect", Data: gin.H{"url": ev.RedirectURL}})
				return false
			}
			name := "progress"
			switch {
			case ev.State.Status == job.StatusFailed:
				name = "error"
			case ev.State.Terminal():
				name = "complete"
			}
			c.Render(-1, sse.Event{Event: name, Data: ev.State})
			// after complete, keep the stream open for the redirect event
			return name != "error"
		}
	})
}

// RedirectArtifact sends the browser to the finished artifact
func (a *API) RedirectArtifact(c *gin.Context) {
	url, err := a.tracker.ArtifactURL()
	switch {
	case errors.Is(err, job.ErrNoActiveJob):
		c.JSON(http.StatusNotFound, gin.H{"error": "no active download"})
	case errors.Is(err, job.ErrNoArtifact):
		c.JSON(http.StatusConflict, gin.H{"error": "artifact not ready"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.Redirect(http.StatusSeeOther, url)
	}
}

// DismissDownload stops tracking the active job
func (a *API) DismissDownload(c *gin.Context) {
	if err := a.tracker.Dismiss(); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active download"})
		return
	}
	log.Info().Msg("download job dismissed")
	c.Status(http.StatusNoContent)
}

// DownloadHistory lists recently finished jobs, newest first
func (a *API) DownloadHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"downloads": a.tracker.History()})
}
