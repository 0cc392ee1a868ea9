package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/brettboylen/telegram-tracker/models"
	"github.com/brettboylen/telegram-tracker/stats"
)

// Scraper triggers ingestion runs and reports on them
type Scraper interface {
	Run(ctx context.Context, lookbackDays int) (models.ScrapeStats, error)
	GetStatistics(ctx context.Context) (models.Statistics, error)
}

// Ranker serves ranked and recent posts
type Ranker interface {
	TopPosts(ctx context.Context, windowDays, limit int, filters models.RankFilters) ([]models.RankedPost, error)
	RecentPosts(ctx context.Context, days int, filters models.RankFilters) ([]models.RankedPost, error)
}

// Options configures the API server
type Options struct {
	Port                 int
	DefaultLookbackDays  int
	DefaultLimit         int
	MaxRequestsPerMinute int
}

// Server is the HTTP API
type Server struct {
	echo    *echo.Echo
	scraper Scraper
	ranker  Ranker
	opts    Options
	log     *logrus.Logger
}

// New creates the API server and registers its routes
func New(scraper Scraper, ranker Ranker, opts Options, log *logrus.Logger) *Server {
	if opts.DefaultLimit < 1 {
		opts.DefaultLimit = 10
	}
	if opts.DefaultLookbackDays < 1 {
		opts.DefaultLookbackDays = 7
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	if opts.MaxRequestsPerMinute > 0 {
		e.Use(middleware.RateLimiterWithConfig(rateLimiterConfig(opts.MaxRequestsPerMinute)))
	}

	s := &Server{
		echo:    e,
		scraper: scraper,
		ranker:  ranker,
		opts:    opts,
		log:     log,
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	e.GET("/api/stats", s.handleStats)
	e.GET("/api/top", s.handleTop)
	e.GET("/api/posts", s.handleRecent)
	e.POST("/api/scrape", s.handleScrape)

	return s
}

// Handler exposes the router, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		serverAddr := fmt.Sprintf(":%d", s.opts.Port)
		s.log.WithField("port", s.opts.Port).Info("Starting API server")
		if err := s.echo.Start(serverAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("Shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server shutdown failed: %w", err)
	}
	return nil
}

func rateLimiterConfig(maxRequestsPerMinute int) middleware.RateLimiterConfig {
	// use 95% of the rate limit to be safe
	rateLimit := rate.Limit(float64(maxRequestsPerMinute) / 60.0 * 0.95)

	tooMany := func(ctx echo.Context) error {
		return ctx.JSON(http.StatusTooManyRequests, map[string]string{
			"error": "Rate limit exceeded, please try again later",
		})
	}

	return middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rateLimit,
				Burst:     1,
				ExpiresIn: 3 * time.Minute,
			},
		),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
		ErrorHandler: func(ctx echo.Context, err error) error {
			return tooMany(ctx)
		},
		DenyHandler: func(ctx echo.Context, identifier string, err error) error {
			return tooMany(ctx)
		},
	}
}

func (s *Server) handleStats(c echo.Context) error {
	statistics, err := s.scraper.GetStatistics(c.Request().Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to get statistics")
		return errorJSON(c, http.StatusInternalServerError, "Failed to get statistics")
	}
	return c.JSON(http.StatusOK, statistics)
}

func (s *Server) handleTop(c echo.Context) error {
	limit, err := intParam(c, "limit", s.opts.DefaultLimit)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	days, err := intParam(c, "days", s.opts.DefaultLookbackDays)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	filters, err := filterParams(c, models.RankFilters{RequireGitHub: true, RequireExternalLink: true})
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	posts, err := s.ranker.TopPosts(c.Request().Context(), days, limit, filters)
	if errors.Is(err, stats.ErrInvalidLimit) {
		return errorJSON(c, http.StatusBadRequest, "limit must be at least 1")
	}
	if err != nil {
		s.log.WithError(err).Error("Failed to rank posts")
		return errorJSON(c, http.StatusInternalServerError, "Failed to rank posts")
	}

	return c.JSON(http.StatusOK, posts)
}

func (s *Server) handleRecent(c echo.Context) error {
	days, err := intParam(c, "days", s.opts.DefaultLookbackDays)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	filters, err := filterParams(c, models.RankFilters{RequireExternalLink: true})
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	posts, err := s.ranker.RecentPosts(c.Request().Context(), days, filters)
	if err != nil {
		s.log.WithError(err).Error("Failed to list recent posts")
		return errorJSON(c, http.StatusInternalServerError, "Failed to list recent posts")
	}

	return c.JSON(http.StatusOK, posts)
}

func (s *Server) handleScrape(c echo.Context) error {
	days, err := intParam(c, "days", s.opts.DefaultLookbackDays)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	// the run keeps going if the client disconnects
	ctx := context.WithoutCancel(c.Request().Context())

	result, err := s.scraper.Run(ctx, days)
	if errors.Is(err, stats.ErrRunInProgress) {
		return errorJSON(c, http.StatusConflict, "A scrape run is already in progress")
	}
	if err != nil {
		s.log.WithError(err).Error("Scrape run failed")
		return errorJSON(c, http.StatusInternalServerError, "Scrape run failed")
	}

	return c.JSON(http.StatusOK, result)
}

// intParam reads a positive integer query parameter, falling back to def when it is absent
func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return value, nil
}

func filterParams(c echo.Context, defaults models.RankFilters) (models.RankFilters, error) {
	filters := defaults

	for name, target := range map[string]*bool{
		"github":   &filters.RequireGitHub,
		"external": &filters.RequireExternalLink,
		"research": &filters.ResearchOnly,
	} {
		raw := c.QueryParam(name)
		if raw == "" {
			continue
		}
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return models.RankFilters{}, fmt.Errorf("%s must be true or false", name)
		}
		*target = value
	}

	return filters, nil
}

func errorJSON(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]string{"error": message})
}
