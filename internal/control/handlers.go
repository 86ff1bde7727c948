package control

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rickgao/tradesync/internal/connection"
	"github.com/rickgao/tradesync/internal/mode"
	"github.com/rickgao/tradesync/internal/resilience"
)

type switchRequest struct {
	Target string `json:"target" binding:"required"`
}

type routeRequest struct {
	Path string `json:"path" binding:"required"`
}

func (s *Server) getHealth(c *gin.Context) {
	status := "ok"
	if s.deps.Session != nil && s.deps.Session.Terminated() {
		status = "logged_out"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"version":    s.version,
		"connection": s.deps.Connection.Stats().State.String(),
	})
}

func (s *Server) getState(c *gin.Context) {
	st := s.deps.Mode.State()
	stats := s.deps.Connection.Stats()
	c.JSON(http.StatusOK, gin.H{
		"mode":    st.Mode(),
		"state":   st.String(),
		"pending": pendingJSON(s.deps.Mode.Pending()),
		"connection": gin.H{
			"state":              stats.State.String(),
			"subscriptions":      stats.Subscriptions,
			"handles":            stats.Handles,
			"pending_subscribes": stats.PendingSubscribes,
			"reconnect_attempts": stats.ReconnectAttempts,
		},
	})
}

func (s *Server) postSwitch(c *gin.Context) {
	var req switchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	target, err := mode.ParseMode(req.Target)
	if err != nil {
		s.fail(c, err)
		return
	}

	p, err := s.deps.Mode.RequestSwitch(c.Request.Context(), target)
	if err != nil {
		s.fail(c, err)
		return
	}

	code := http.StatusOK
	if p != nil {
		code = http.StatusAccepted
	}
	c.JSON(code, gin.H{
		"state":   s.deps.Mode.State().String(),
		"pending": pendingJSON(p),
	})
}

func (s *Server) postConfirm(c *gin.Context) {
	if err := s.deps.Mode.Confirm(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.deps.Mode.State().String()})
}

func (s *Server) postCancel(c *gin.Context) {
	if err := s.deps.Mode.Cancel(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.deps.Mode.State().String()})
}

func (s *Server) postRoute(c *gin.Context) {
	var req routeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	nav, err := s.deps.Navigator.Navigate(c.Request.Context(), req.Path)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"path":      nav.Path,
		"required":  nav.Required,
		"effective": nav.Effective,
		"mismatch":  nav.Mismatch,
		"pending":   pendingJSON(nav.Pending),
	})
}

// postRestore re-arms forced logout after the host has logged in again.
func (s *Server) postRestore(c *gin.Context) {
	if s.deps.Session != nil {
		s.deps.Session.Restore()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) postReconnect(c *gin.Context) {
	if err := s.deps.Connection.Reconnect(); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"state": s.deps.Connection.Stats().State.String()})
}

// getStream relays a channel's updates as server-sent events. Query
// parameters become subscription parameters.
func (s *Server) getStream(c *gin.Context) {
	h, err := s.deps.Connection.Request(c.Param("channel"), c.Request.URL.Query())
	if err != nil {
		s.fail(c, err)
		return
	}
	defer h.Release()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case u, ok := <-h.Updates():
			if !ok {
				return false
			}
			c.SSEvent("update", updateJSON(u))
			return u.Err == nil
		}
	})
}

// fail renders err with the status its category calls for.
func (s *Server) fail(c *gin.Context, err error) {
	category := resilience.CategoryOf(err)

	code := http.StatusBadGateway
	switch {
	case errors.Is(err, mode.ErrUnknownMode), errors.Is(err, connection.ErrInvalidChannel):
		code = http.StatusBadRequest
	case errors.Is(err, mode.ErrNoPendingConfirmation), errors.Is(err, mode.ErrConfirmationSuperseded):
		code = http.StatusConflict
	case errors.Is(err, connection.ErrStopped):
		code = http.StatusServiceUnavailable
	case category == resilience.Authentication:
		code = http.StatusUnauthorized
	case category == resilience.RateLimited:
		code = http.StatusTooManyRequests
	}

	if code >= http.StatusInternalServerError {
		s.logger.Warn("control request failed", "path", c.FullPath(), "category", category, "error", err)
	}
	c.JSON(code, gin.H{
		"error":    err.Error(),
		"category": category.String(),
	})
}

func pendingJSON(p *mode.Pending) gin.H {
	if p == nil {
		return nil
	}
	return gin.H{
		"id":           p.ID.String(),
		"target":       p.Target,
		"requested_at": p.RequestedAt.Format(time.RFC3339Nano),
	}
}

func updateJSON(u connection.Update) gin.H {
	out := gin.H{
		"channel":     u.Channel,
		"type":        u.Type,
		"sid":         u.SID,
		"seq":         u.Seq,
		"data":        u.Data,
		"received_at": u.ReceivedAt.Format(time.RFC3339Nano),
	}
	if u.SeqGap {
		out["gap"] = u.GapSize
	}
	if u.Err != nil {
		out["error"] = u.Err.Error()
		out["category"] = resilience.CategoryOf(u.Err).String()
	}
	return out
}
