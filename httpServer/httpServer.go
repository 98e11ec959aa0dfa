package httpServer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"fullscreencam/internal/auth"
	"fullscreencam/internal/camera"
	"fullscreencam/internal/capture"
	"fullscreencam/internal/filter"
	"fullscreencam/internal/metrics"
	"fullscreencam/internal/preview"
	"fullscreencam/internal/recorder"
	"fullscreencam/internal/storage"
	"fullscreencam/pkg/models"
)

const mjpegBoundary = "frame"

// Camera is the control surface exposed over HTTP
type Camera interface {
	Status() models.StatusResponse
	FilterCatalogue() []models.FilterInfo
	SelectFilter(name string, intensity *float64) (models.FilterSelection, error)
	ToggleRecording(ctx context.Context) (models.RecordingState, error)
	TakePhoto(ctx context.Context) (models.MediaItem, error)
	FilterPhoto(ctx context.Context, name, filterName string, intensity *float64) (models.MediaItem, error)
	Capture(ctx context.Context) (models.CaptureResponse, error)
	SetMode(mode models.CaptureMode) error
	SwitchCamera() (string, error)
	SetOrientation(o models.Orientation) error
}

// Preview serves encoded preview frames
type Preview interface {
	JPEG() ([]byte, *models.Frame, error)
	Subscribe() (<-chan struct{}, func())
}

// Events is the event stream source
type Events interface {
	Subscribe(bufferSize int) (<-chan models.Event, func())
}

// Library is the media library
type Library interface {
	List(ctx context.Context, kind models.MediaKind) ([]models.MediaItem, error)
	Open(ctx context.Context, kind models.MediaKind, name string) (io.ReadCloser, storage.ObjectInfo, error)
	SignedURL(kind models.MediaKind, name string, expiration time.Duration) (string, bool)
}

// Config holds HTTP surface settings
type Config struct {
	RTMPPublicURL    string // e.g. rtmp://localhost:1935
	DefaultStreamKey string
	MJPEGMaxFPS      float64
	SignedURLTTL     time.Duration
}

// Deps are the collaborators served by the HTTP API
type Deps struct {
	Camera  Camera
	Preview Preview
	Events  Events
	Library Library
	Auth    *auth.Manager
	Metrics *metrics.Metrics
}

// Server wraps the HTTP server with dependencies
type Server struct {
	router *gin.Engine
	deps   Deps
	cfg    Config
}

// New creates a new HTTP server
func New(deps Deps, cfg Config) *Server {
	if cfg.DefaultStreamKey == "" {
		cfg.DefaultStreamKey = "camera"
	}
	if cfg.MJPEGMaxFPS <= 0 {
		cfg.MJPEGMaxFPS = 15
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = 15 * time.Minute
	}

	s := &Server{deps: deps, cfg: cfg}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	router := gin.New()
	router.Use(gin.Recovery(), s.observe())

	router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/v1/status", s.handleStatus)
		api.GET("/v1/filters", s.handleListFilters)
		api.PUT("/v1/filter", s.handleSelectFilter)
		api.POST("/v1/recording/toggle", s.handleToggleRecording)
		api.POST("/v1/photo", s.handlePhoto)
		api.POST("/v1/capture", s.handleCapture)
		api.PUT("/v1/mode", s.handleSetMode)
		api.POST("/v1/camera/switch", s.handleSwitchCamera)
		api.PUT("/v1/camera/orientation", s.handleSetOrientation)
		api.POST("/v1/publish", s.handlePublish)
		api.GET("/v1/media/:kind", s.handleListMedia)
		api.GET("/v1/media/:kind/:name", s.handleGetMedia)
		api.POST("/v1/media/photos/:name/filter", s.handleFilterPhoto)
		api.GET("/v1/events", s.handleEvents)
	}

	pv := router.Group("/preview")
	{
		pv.GET("/latest.jpg", s.handlePreviewJPEG)
		pv.GET("/stream.mjpeg", s.handlePreviewMJPEG)
	}

	s.router = router
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// observe records request metrics and logs failed requests
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		s.deps.Metrics.RecordHTTPRequest(c.Request.Method, path, status, elapsed.Seconds())

		if status >= http.StatusInternalServerError {
			logrus.WithFields(logrus.Fields{
				"component": "http",
				"method":    c.Request.Method,
				"path":      path,
				"status":    status,
				"duration":  elapsed,
			}).Warn("Request failed")
		}
	}
}

// Handler implementations

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Camera.Status())
}

func (s *Server) handleListFilters(c *gin.Context) {
	filters := s.deps.Camera.FilterCatalogue()
	c.JSON(http.StatusOK, gin.H{
		"filters": filters,
		"total":   len(filters),
	})
}

func (s *Server) handleSelectFilter(c *gin.Context) {
	var req models.FilterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sel, err := s.deps.Camera.SelectFilter(req.Name, req.Intensity)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sel)
}

func (s *Server) handleToggleRecording(c *gin.Context) {
	state, err := s.deps.Camera.ToggleRecording(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

func (s *Server) handlePhoto(c *gin.Context) {
	item, err := s.deps.Camera.TakePhoto(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

// handleFilterPhoto saves a filtered copy of a library photo
func (s *Server) handleFilterPhoto(c *gin.Context) {
	var req models.FilterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item, err := s.deps.Camera.FilterPhoto(c.Request.Context(), c.Param("name"), req.Name, req.Intensity)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (s *Server) handleCapture(c *gin.Context) {
	resp, err := s.deps.Camera.Capture(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSetMode(c *gin.Context) {
	var req struct {
		Mode models.CaptureMode `json:"mode" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.deps.Camera.SetMode(req.Mode); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": req.Mode})
}

func (s *Server) handleSwitchCamera(c *gin.Context) {
	device, err := s.deps.Camera.SwitchCamera()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": device})
}

func (s *Server) handleSetOrientation(c *gin.Context) {
	var req struct {
		Orientation models.Orientation `json:"orientation" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Orientation.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid orientation %q", req.Orientation)})
		return
	}

	if err := s.deps.Camera.SetOrientation(req.Orientation); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orientation": req.Orientation})
}

func (s *Server) handlePublish(c *gin.Context) {
	var req models.PublishRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.StreamKey == "" {
		req.StreamKey = s.cfg.DefaultStreamKey
	}

	// Generate publish token
	token, err := s.deps.Auth.GenerateToken(req.StreamKey, req.ExpiresIn, c.ClientIP())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	// Build publish URL
	publishURL := fmt.Sprintf("%s/live/%s?token=%s", s.cfg.RTMPPublicURL, req.StreamKey, token.Token)

	c.JSON(http.StatusOK, models.PublishResponse{
		PublishURL: publishURL,
		StreamKey:  req.StreamKey,
		Token:      token.Token,
		ExpiresAt:  token.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleListMedia(c *gin.Context) {
	kind := models.MediaKind(c.Param("kind"))
	if !kind.Valid() {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown media kind"})
		return
	}

	items, err := s.deps.Library.List(c.Request.Context(), kind)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items": items,
		"total": len(items),
	})
}

func (s *Server) handleGetMedia(c *gin.Context) {
	kind := models.MediaKind(c.Param("kind"))
	name := c.Param("name")
	if !kind.Valid() {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown media kind"})
		return
	}

	if url, ok := s.deps.Library.SignedURL(kind, name, s.cfg.SignedURLTTL); ok {
		c.Redirect(http.StatusFound, url)
		return
	}

	r, info, err := s.deps.Library.Open(c.Request.Context(), kind, name)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer r.Close()

	c.DataFromReader(http.StatusOK, info.Size, storage.ContentType(name), r, map[string]string{
		"Content-Disposition": fmt.Sprintf("inline; filename=%q", name),
		"Cache-Control":       "private, max-age=3600",
	})
}

func (s *Server) handleEvents(c *gin.Context) {
	ch, cancel := s.deps.Events.Subscribe(32)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		}
	})
}

func (s *Server) handlePreviewJPEG(c *gin.Context) {
	data, frame, err := s.deps.Preview.JPEG()
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("X-Frame-Seq", fmt.Sprint(frame.Seq))
	c.Data(http.StatusOK, "image/jpeg", data)
}

func (s *Server) handlePreviewMJPEG(c *gin.Context) {
	notify, cancel := s.deps.Preview.Subscribe()
	defer cancel()

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")

	interval := time.Duration(float64(time.Second) / s.cfg.MJPEGMaxFPS)
	ctx := c.Request.Context()
	var last *models.Frame
	var sent time.Time

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-notify:
		}

		if wait := interval - time.Since(sent); wait > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(wait):
			}
		}

		data, frame, err := s.deps.Preview.JPEG()
		if err != nil || frame == last {
			return err == nil || errors.Is(err, preview.ErrNoFrame)
		}
		last, sent = frame, time.Now()

		_, err = fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(data))
		if err == nil {
			_, err = w.Write(data)
		}
		if err == nil {
			_, err = io.WriteString(w, "\r\n")
		}
		return err == nil
	})
}

// fail maps pipeline errors to HTTP status codes
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, recorder.ErrBusy), errors.Is(err, recorder.ErrNotRecording):
		status = http.StatusConflict
	case errors.Is(err, camera.ErrNoPreview), errors.Is(err, preview.ErrNoFrame):
		status = http.StatusConflict
	case errors.Is(err, camera.ErrInvalidMode), errors.Is(err, camera.ErrNoFilter), errors.Is(err, filter.ErrUnknownFilter):
		status = http.StatusBadRequest
	case errors.Is(err, capture.ErrUnsupported):
		status = http.StatusNotImplemented
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
