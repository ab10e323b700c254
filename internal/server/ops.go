package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// OpsStats reports live counters of the running pipeline.
type OpsStats interface {
	InFlight() int
	LateResponses() int64
}

// OpsHandler exposes operational endpoints.
type OpsHandler struct {
	Bus           OpsStats
	Agents        func() int
	Conversations func() int
}

// Register mounts ops endpoints under the provided group.
func (h *OpsHandler) Register(g *echo.Group) {
	g.GET("/status", h.status)
}

type opsStatus struct {
	Agents              int   `json:"agents"`
	OpenConversations   int   `json:"open_conversations"`
	InFlightRequests    int   `json:"in_flight_requests"`
	DroppedLateResponse int64 `json:"dropped_late_responses"`
}

func (h *OpsHandler) status(c echo.Context) error {
	var s opsStatus
	if h.Bus != nil {
		s.InFlightRequests = h.Bus.InFlight()
		s.DroppedLateResponse = h.Bus.LateResponses()
	}
	if h.Agents != nil {
		s.Agents = h.Agents()
	}
	if h.Conversations != nil {
		s.OpenConversations = h.Conversations()
	}
	return c.JSON(http.StatusOK, s)
}
