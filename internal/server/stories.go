package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/newser-intel/internal/agent/orchestrator"
	"github.com/mohammad-safakhou/newser-intel/internal/audit"
)

// StoryService is the orchestrator surface the HTTP layer needs.
type StoryService interface {
	SubmitStory(ctx context.Context, topic, category string) (string, error)
	GetResult(ctx context.Context, storyID string) (orchestrator.StoryResult, error)
	Wait(ctx context.Context, storyID string) (orchestrator.StoryResult, error)
	CancelStory(storyID string) error
	ListStories(ctx context.Context, limit int) ([]orchestrator.StoryResult, error)
}

// StoriesHandler exposes story submission and results.
type StoriesHandler struct {
	Stories StoryService
	Audit   audit.Reader
	// MaxWait caps how long ?wait= may block a submit request.
	MaxWait time.Duration
	Logger  *log.Logger
}

type submitRequest struct {
	Topic    string `json:"topic"`
	Category string `json:"category"`
}

type submitResponse struct {
	StoryID string                    `json:"story_id"`
	Result  *orchestrator.StoryResult `json:"result,omitempty"`
}

// Register mounts the story routes.
func (h *StoriesHandler) Register(g *echo.Group) {
	g.POST("", h.submit)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.DELETE("/:id", h.cancel)
	g.GET("/:id/audit", h.audit)
}

// submit starts a story. With ?wait=30s the response carries the result when
// it finishes within that window.
func (h *StoriesHandler) submit(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if strings.TrimSpace(req.Topic) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "topic is required")
	}
	id, err := h.Stories.SubmitStory(c.Request().Context(), req.Topic, req.Category)
	if err != nil {
		return storyError(err)
	}
	h.logf("story=%s submitted via http topic=%q", id, req.Topic)

	resp := submitResponse{StoryID: id}
	if raw := c.QueryParam("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "wait must be a positive duration")
		}
		if h.MaxWait > 0 && d > h.MaxWait {
			d = h.MaxWait
		}
		ctx, cancel := context.WithTimeout(c.Request().Context(), d)
		defer cancel()
		res, err := h.Stories.Wait(ctx, id)
		if err == nil {
			resp.Result = &res
			return c.JSON(http.StatusOK, resp)
		}
	}
	return c.JSON(http.StatusAccepted, resp)
}

func (h *StoriesHandler) list(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	stories, err := h.Stories.ListStories(c.Request().Context(), limit)
	if err != nil && len(stories) == 0 {
		return storyError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"stories": stories})
}

func (h *StoriesHandler) get(c echo.Context) error {
	res, err := h.Stories.GetResult(c.Request().Context(), c.Param("id"))
	if err != nil {
		return storyError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *StoriesHandler) cancel(c echo.Context) error {
	id := c.Param("id")
	if err := h.Stories.CancelStory(id); err != nil {
		return storyError(err)
	}
	h.logf("story=%s cancelled via http", id)
	return c.JSON(http.StatusOK, map[string]string{"story_id": id, "status": string(orchestrator.StatusCancelled)})
}

func (h *StoriesHandler) audit(c echo.Context) error {
	if h.Audit == nil {
		return echo.NewHTTPError(http.StatusNotFound, "audit log not configured")
	}
	entries, err := h.Audit.List(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	audit.SortByTime(entries)
	if entries == nil {
		entries = []audit.Entry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"story_id": c.Param("id"), "entries": entries})
}

func (h *StoriesHandler) logf(format string, args ...interface{}) {
	if h.Logger != nil {
		h.Logger.Printf(format, args...)
	}
}

func storyError(err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrStoryNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrInvalidStory):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return err
}
