package httpServer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mtcsync/internal/auth"
	"mtcsync/internal/capture"
	"mtcsync/internal/metrics"
	"mtcsync/internal/midiport"
	"mtcsync/internal/session"
	"mtcsync/internal/storage"
	"mtcsync/pkg/models"
	"mtcsync/pkg/mtc"
	"mtcsync/pkg/timecode"
)

// PortLister lists the MIDI ports the driver can see
type PortLister interface {
	OutputNames() ([]string, error)
	InputNames() ([]string, error)
}

// Options holds the server's dependencies. Auth, Recorder, Monitor and Ports
// may be nil; a nil Auth leaves session control open.
type Options struct {
	Sessions         *session.Manager
	Auth             *auth.Manager
	Recorder         *capture.Recorder
	Monitor          *midiport.Monitor
	Ports            PortLister
	Metrics          *metrics.Metrics
	Gatherer         prometheus.Gatherer
	DefaultFrameRate timecode.FrameRate
	DefaultOutPort   string // Used when a create request names no port
}

// Server wraps the HTTP server with dependencies
type Server struct {
	router      *gin.Engine
	sessions    *session.Manager
	auth        *auth.Manager
	recorder    *capture.Recorder
	monitor     *midiport.Monitor
	ports       PortLister
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer
	defaultRate timecode.FrameRate
	defaultPort string
}

// New creates a new HTTP server
func New(opts Options) *Server {
	s := &Server{
		sessions:    opts.Sessions,
		auth:        opts.Auth,
		recorder:    opts.Recorder,
		monitor:     opts.Monitor,
		ports:       opts.Ports,
		metrics:     opts.Metrics,
		gatherer:    opts.Gatherer,
		defaultRate: opts.DefaultFrameRate,
		defaultPort: opts.DefaultOutPort,
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if !s.defaultRate.IsValid() {
		s.defaultRate = timecode.FPS30
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	router := gin.Default()
	if s.metrics != nil {
		router.Use(s.metrics.Middleware())
	}

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/v1/ports", s.handleListPorts)
		api.GET("/v1/monitor", s.handleMonitor)

		api.POST("/v1/sessions", s.handleCreateSession)
		api.GET("/v1/sessions", s.handleListSessions)
		api.GET("/v1/sessions/:id", s.handleGetSession)
		api.GET("/v1/sessions/:id/events", s.handleEvents)
		api.GET("/v1/sessions/:id/captures", s.handleListCaptures)
	}

	// Routes that change a session
	control := router.Group("/api/v1/sessions/:id")
	if s.auth != nil {
		control.Use(s.auth.RequireToken("id"))
	}
	{
		control.DELETE("", s.handleCloseSession)
		control.POST("/locate", s.handleLocate)
		control.POST("/start", s.handleStart)
		control.POST("/stop", s.handleStop)
		control.POST("/captures", s.handleStartCapture)
		control.DELETE("/captures", s.handleStopCapture)
	}

	captures := router.Group("/captures")
	{
		captures.GET("/:id/:segment", s.handleCaptureSegment)
		captures.GET("/:id/:segment/decoded", s.handleDecodedSegment)
	}

	s.router = router
}

// Handler returns the router for use with httptest or a custom server
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler implementations

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":    "pong",
		"time":       time.Now().Unix(),
		"sessions":   s.sessions.SessionCount(),
		"generating": s.sessions.GeneratingCount(),
	})
}

func (s *Server) handleListPorts(c *gin.Context) {
	if s.ports == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no MIDI driver"})
		return
	}

	outputs, err := s.ports.OutputNames()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	inputs, err := s.ports.InputNames()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"outputs": outputs,
		"inputs":  inputs,
	})
}

func (s *Server) handleMonitor(c *gin.Context) {
	if s.monitor == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no MIDI input configured"})
		return
	}
	c.JSON(http.StatusOK, s.monitor.Status())
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rate := s.defaultRate
	if req.FrameRate != "" {
		r, err := timecode.ParseFrameRate(req.FrameRate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rate = r
	}

	outPort := req.OutPort
	if outPort == "" {
		outPort = s.defaultPort
	}

	sess, err := s.sessions.CreateSession(req.Name, rate, outPort)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	if req.Capture {
		if s.recorder == nil {
			s.sessions.CloseSession(sess.ID)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capture storage not configured"})
			return
		}
		if err := s.recorder.StartCapture(sess.ID); err != nil {
			s.sessions.CloseSession(sess.ID)
			s.abortWithError(c, err)
			return
		}
	}

	info := s.sessionToInfo(sess)
	if s.auth != nil {
		token, err := s.auth.IssueToken(sess.ID, c.ClientIP())
		if err != nil {
			s.sessions.CloseSession(sess.ID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
			return
		}
		info.ControlToken = token.Token
		info.TokenExpiresAt = token.ExpiresAt.Format(time.RFC3339)
	}

	c.JSON(http.StatusCreated, info)
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.sessions.GetAllSessions()

	infos := make([]models.SessionInfo, len(sessions))
	for i, sess := range sessions {
		infos[i] = s.sessionToInfo(sess)
	}

	c.JSON(http.StatusOK, models.SessionListResponse{
		Sessions: infos,
		Total:    len(infos),
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, ok := s.lookupSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.sessionToInfo(sess))
}

func (s *Server) handleCloseSession(c *gin.Context) {
	id := c.Param("id")

	if s.recorder != nil {
		s.recorder.StopCapture(id)
	}
	if err := s.sessions.CloseSession(id); err != nil {
		s.abortWithError(c, err)
		return
	}
	if s.auth != nil {
		s.auth.RevokeSession(id)
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "session closed",
		"id":      id,
	})
}

func (s *Server) handleLocate(c *gin.Context) {
	sess, ok := s.lookupSession(c)
	if !ok {
		return
	}

	var req models.LocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rate := sess.GetFrameRate()
	if req.FrameRate != "" {
		r, err := timecode.ParseFrameRate(req.FrameRate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rate = r
	}
	tc, err := timecode.Parse(req.Timecode, rate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	policy, err := mtc.ParseFullFramePolicy(req.TransmitFullFrame)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.sessions.Locate(sess.ID, tc, policy); err != nil {
		s.abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, s.sessionToInfo(sess))
}

func (s *Server) handleStart(c *gin.Context) {
	sess, ok := s.lookupSession(c)
	if !ok {
		return
	}

	// The body is optional
	var req models.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var err error
	if req.Timecode == "" {
		err = s.sessions.Resume(sess.ID)
	} else {
		var tc timecode.Timecode
		if tc, err = timecode.Parse(req.Timecode, sess.GetFrameRate()); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err = s.sessions.Start(sess.ID, tc)
	}
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, s.sessionToInfo(sess))
}

func (s *Server) handleStop(c *gin.Context) {
	sess, ok := s.lookupSession(c)
	if !ok {
		return
	}

	if err := s.sessions.Stop(sess.ID); err != nil {
		s.abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, s.sessionToInfo(sess))
}

// handleEvents streams the session's wire messages as server-sent events
func (s *Server) handleEvents(c *gin.Context) {
	id := c.Param("id")

	ch, cleanup, err := s.sessions.Subscribe(id, 256)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Access-Control-Allow-Origin", "*")

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(msg.Kind()), gin.H{
				"time": msg.Timestamp.Format(time.RFC3339Nano),
				"data": fmt.Sprintf("% X", msg.Data),
			})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) handleListCaptures(c *gin.Context) {
	if !s.requireRecorder(c) {
		return
	}
	id := c.Param("id")

	segments, err := s.recorder.ListSegments(id)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.CaptureListResponse{
		SessionID: id,
		Capturing: s.recorder.IsCapturing(id),
		Segments:  segments,
		Total:     len(segments),
	})
}

func (s *Server) handleStartCapture(c *gin.Context) {
	if !s.requireRecorder(c) {
		return
	}
	id := c.Param("id")

	if err := s.recorder.StartCapture(id); err != nil {
		s.abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "capture started",
		"id":      id,
	})
}

func (s *Server) handleStopCapture(c *gin.Context) {
	if !s.requireRecorder(c) {
		return
	}
	id := c.Param("id")

	s.recorder.StopCapture(id)

	c.JSON(http.StatusOK, gin.H{
		"message": "capture stopped",
		"id":      id,
	})
}

func (s *Server) handleCaptureSegment(c *gin.Context) {
	if !s.requireRecorder(c) {
		return
	}
	id := c.Param("id")
	seq, ok := parseSegmentParam(c)
	if !ok {
		return
	}

	// Prefer a direct link to the bucket when the backend can sign one
	url, err := s.recorder.SignedURL(id, seq)
	if err == nil {
		c.Redirect(http.StatusTemporaryRedirect, url)
		return
	}
	if !errors.Is(err, capture.ErrSigningDisabled) {
		s.abortWithError(c, err)
		return
	}

	rs, seg, err := s.recorder.OpenSegment(id, seq)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if closer, ok := rs.(io.Closer); ok {
		defer closer.Close()
	}

	c.Header("Content-Type", "application/vnd.mtcsync.capture")
	c.Header("Cache-Control", "public, max-age=3600")
	c.Header("Access-Control-Allow-Origin", "*")

	http.ServeContent(c.Writer, c.Request, fmt.Sprintf("segment_%d.mtc", seq), seg.CreatedAt, rs)
}

func (s *Server) handleDecodedSegment(c *gin.Context) {
	if !s.requireRecorder(c) {
		return
	}
	id := c.Param("id")
	seq, ok := parseSegmentParam(c)
	if !ok {
		return
	}

	var rate timecode.FrameRate
	if q := c.Query("frameRate"); q != "" {
		r, err := timecode.ParseFrameRate(q)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rate = r
	}

	resp, err := s.recorder.DecodeSegment(id, seq, rate)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Helper functions

func (s *Server) lookupSession(c *gin.Context) (*models.Session, bool) {
	sess, exists := s.sessions.GetSession(c.Param("id"))
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	return sess, true
}

func (s *Server) requireRecorder(c *gin.Context) bool {
	if s.recorder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capture storage not configured"})
		return false
	}
	return true
}

// parseSegmentParam accepts "5", "segment_5" or "segment_5.mtc"
func parseSegmentParam(c *gin.Context) (uint64, bool) {
	param := strings.TrimSuffix(strings.TrimPrefix(c.Param("segment"), "segment_"), ".mtc")
	seq, err := strconv.ParseUint(param, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid segment number"})
		return 0, false
	}
	return seq, true
}

func (s *Server) abortWithError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, capture.ErrSegmentNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionExists),
		errors.Is(err, capture.ErrAlreadyCapturing),
		errors.Is(err, mtc.ErrGeneratorClosed):
		return http.StatusConflict
	case errors.Is(err, session.ErrTooManySessions),
		errors.Is(err, session.ErrNoDriver):
		return http.StatusServiceUnavailable
	case errors.Is(err, timecode.ErrInvalidFrameRate),
		errors.Is(err, timecode.ErrInvalidComponents),
		errors.Is(err, timecode.ErrInvalidFormat),
		errors.Is(err, mtc.ErrInvalidComponent):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sessionToInfo(sess *models.Session) models.SessionInfo {
	rate := sess.GetFrameRate()
	stats := sess.GetStats()
	state := sess.GetState()
	if current, err := s.sessions.State(sess.ID); err == nil {
		state = current
	}

	info := models.SessionInfo{
		ID:                sess.ID,
		Name:              sess.Name,
		State:             string(state),
		FrameRate:         rate.String(),
		OutPort:           sess.OutPort,
		CreatedAt:         sess.CreatedAt.Format(time.RFC3339),
		MessagesSent:      stats.MessagesSent,
		QuarterFrames:     stats.QuarterFrames,
		FullFrames:        stats.FullFrames,
		SendErrors:        stats.SendErrors,
		DroppedDeliveries: stats.DroppedDeliveries,
	}

	if base, _, ok := mtc.BaseRate(rate); ok {
		info.MTCFrameRate = base.String()
	}
	if tc, err := s.sessions.Position(sess.ID); err == nil {
		info.Timecode = tc.String()
	}
	if s.recorder != nil {
		info.Capturing = s.recorder.IsCapturing(sess.ID)
	}

	if startedAt := sess.GetStartedAt(); !startedAt.IsZero() {
		info.StartedAt = startedAt.Format(time.RFC3339)
		if state == models.SessionStateGenerating {
			info.Uptime = int(time.Since(startedAt).Seconds())
		}
	}

	return info
}
