// Package server HTTP 去背景服务
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"

	"github.com/chaos-io/nobg/config"
	"github.com/chaos-io/nobg/journal"
	"github.com/chaos-io/nobg/pipeline"
)

const (
	maxSize         = 4096
	shutdownTimeout = 10 * time.Second
)

type Server struct {
	pipeline  *pipeline.Pipeline
	journal   *journal.Journal
	addr      string
	maxUpload int64
	logger    *slog.Logger
	engine    *gin.Engine
}

// New j 可以为 nil，此时不提供 /api/jobs
func New(p *pipeline.Pipeline, cfg config.Server, j *journal.Journal, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		pipeline:  p,
		journal:   j,
		addr:      cfg.Addr,
		maxUpload: int64(cfg.MaxUploadMB) << 20,
		logger:    logger,
		engine:    gin.New(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.Use(gin.Recovery(), s.requestLogger())

	s.engine.GET("/healthz", s.health)
	api := s.engine.Group("/api")
	api.POST("/remove", s.remove)
	if s.journal != nil {
		api.GET("/jobs", s.jobs)
	}
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run 监听直到 ctx 取消，然后优雅退出
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "address", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen %s: %w", s.addr, err)
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
			"remote_addr", c.ClientIP())
	}
}

func (s *Server) health(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

// remove POST /api/remove，multipart 字段 image，可选 ?size=N，返回 PNG
func (s *Server) remove(c *gin.Context) {
	if s.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload)
	}

	p := *s.pipeline
	if v := c.Query("size"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size < 0 || size > maxSize {
			abort(c, http.StatusBadRequest, fmt.Errorf("invalid size %q", v))
			return
		}
		p.Size = size
	}

	fh, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abort(c, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		abort(c, http.StatusBadRequest, fmt.Errorf("missing image: %w", err))
		return
	}
	f, err := fh.Open()
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	defer func() {
		_ = f.Close()
	}()

	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		abort(c, http.StatusBadRequest, fmt.Errorf("decode %s: %w", fh.Filename, err))
		return
	}

	out, err := p.Remove(c.Request.Context(), img)
	if err != nil {
		abort(c, statusOf(err), err)
		return
	}

	c.Header("Content-Type", "image/png")
	c.Status(http.StatusOK)
	if err := imaging.Encode(c.Writer, out, imaging.PNG); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// jobs GET /api/jobs?limit=N，最近的批处理记录
func (s *Server) jobs(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			abort(c, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}

	entries, err := s.journal.Recent(c.Request.Context(), limit)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}

	type job struct {
		RunID      string    `json:"run_id"`
		Input      string    `json:"input"`
		Output     string    `json:"output"`
		Status     string    `json:"status"`
		Attempts   int       `json:"attempts"`
		Error      string    `json:"error,omitempty"`
		DurationMS int64     `json:"duration_ms"`
		CreatedAt  time.Time `json:"created_at"`
	}
	resp := make([]job, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, job{
			RunID:      e.RunID,
			Input:      e.Input,
			Output:     e.Output,
			Status:     e.Status,
			Attempts:   e.Attempts,
			Error:      e.Error,
			DurationMS: e.Duration.Milliseconds(),
			CreatedAt:  e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"jobs": resp})
}

func statusOf(err error) int {
	switch pipeline.KindOf(err) {
	case pipeline.KindTimeout:
		return http.StatusGatewayTimeout
	case pipeline.KindIO:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
