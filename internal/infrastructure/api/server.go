package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"civicsignal/internal/config"
	"civicsignal/internal/domain"
	"civicsignal/internal/infrastructure/storage"
)

const defaultLimit = 200

// Server exposes the stored records over a read-only HTTP API. It never
// mutates anything; ingestion happens exclusively through the pipelines.
type Server struct {
	store  *storage.Store
	logger *slog.Logger
	http   *http.Server
}

// NewServer builds the gin router and binds it to the configured address.
func NewServer(cfg config.APIConfig, store *storage.Store, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{store: store, logger: logger}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.health)
	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/challenges", s.listChallenges)
		apiGroup.GET("/challenges/:id", s.getChallenge)
		apiGroup.GET("/events", s.listEvents)
		apiGroup.GET("/events/:id", s.getEvent)
		apiGroup.GET("/stats", s.stats)
	}

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the underlying router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	if s.logger != nil {
		s.logger.Info("api listening", "addr", s.http.Addr)
	}
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listChallenges(c *gin.Context) {
	bounds, err := parseBounds(c.Query("bbox"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	filter := storage.ChallengeFilter{
		Status:   statusParam(c),
		Category: c.Query("category"),
		Bounds:   bounds,
		Limit:    limitParam(c),
	}

	challenges, err := s.store.QueryChallenges(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, "query challenges", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(challenges), "challenges": challenges})
}

func (s *Server) listEvents(c *gin.Context) {
	bounds, err := parseBounds(c.Query("bbox"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	filter := storage.EventFilter{
		Status:    statusParam(c),
		EventType: c.Query("type"),
		Bounds:    bounds,
		Limit:     limitParam(c),
	}

	events, err := s.store.QueryEvents(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, "query events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(events), "events": events})
}

func (s *Server) getChallenge(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be numeric"})
		return
	}
	challenge, err := s.store.GetChallenge(c.Request.Context(), uint(id))
	if err != nil {
		s.fail(c, "get challenge", err)
		return
	}
	if challenge == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, challenge)
}

func (s *Server) getEvent(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be numeric"})
		return
	}
	event, err := s.store.GetEvent(c.Request.Context(), uint(id))
	if err != nil {
		s.fail(c, "get event", err)
		return
	}
	if event == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, event)
}

func (s *Server) stats(c *gin.Context) {
	summary, err := s.store.Summarize(c.Request.Context())
	if err != nil {
		s.fail(c, "summarize", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) fail(c *gin.Context, op string, err error) {
	if s.logger != nil {
		s.logger.Error("api request failed", "op", op, "error", err)
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// statusParam defaults to active; "all" disables the status filter.
func statusParam(c *gin.Context) string {
	status := c.DefaultQuery("status", string(domain.StatusActive))
	if status == "all" {
		return ""
	}
	return status
}

func limitParam(c *gin.Context) int {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return defaultLimit
	}
	return n
}

// parseBounds reads a "minLat,minLng,maxLat,maxLng" bounding box.
func parseBounds(raw string) (*storage.Bounds, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return nil, errors.New("bbox must be minLat,minLng,maxLat,maxLng")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, errors.New("bbox must contain four numbers")
		}
		vals[i] = v
	}
	return &storage.Bounds{MinLat: vals[0], MinLng: vals[1], MaxLat: vals[2], MaxLng: vals[3]}, nil
}
