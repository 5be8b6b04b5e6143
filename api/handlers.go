package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kidhasmoxy/otto-engine/engine"
	"github.com/kidhasmoxy/otto-engine/errors"
	"github.com/kidhasmoxy/otto-engine/health"
	"github.com/kidhasmoxy/otto-engine/types/hass"
)

func (s *Server) getHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, health.NewHealthy("engine", "No health source"))
		return
	}
	st := s.health()
	code := http.StatusOK
	if st.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, st)
}

func (s *Server) listRules(c *gin.Context) {
	defs, err := s.backend.ListRules(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, defs)
}

func (s *Server) getRule(c *gin.Context) {
	def, ok, err := s.backend.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if !ok {
		writeError(c, http.StatusNotFound, "rule not found")
		return
	}
	c.JSON(http.StatusOK, def)
}

func (s *Server) saveRule(c *gin.Context) {
	raw, ok := bindObject(c)
	if !ok {
		return
	}
	if id := c.Param("id"); id != "" {
		if existing, ok := raw["id"].(string); ok && existing != id {
			writeError(c, http.StatusBadRequest, "rule id does not match path")
			return
		}
		raw["id"] = id
	}

	res, err := s.backend.SaveRule(c.Request.Context(), raw)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeResult(c, res)
}

func (s *Server) deleteRule(c *gin.Context) {
	deleted, err := s.backend.DeleteRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if !deleted {
		writeError(c, http.StatusNotFound, "rule not found")
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) reloadRules(c *gin.Context) {
	res, err := s.backend.ReloadRules(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeResult(c, res)
}

func (s *Server) listEntities(c *gin.Context) {
	states, err := s.backend.ListEntities(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if domain := c.Query("domain"); domain != "" {
		filtered := states[:0:0]
		for _, st := range states {
			if st.Domain() == domain {
				filtered = append(filtered, st)
			}
		}
		states = filtered
	}
	c.JSON(http.StatusOK, states)
}

func (s *Server) listServices(c *gin.Context) {
	domains, err := s.backend.ListServices(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, domains)
}

func (s *Server) callService(c *gin.Context) {
	data := map[string]any{}
	if c.Request.ContentLength != 0 {
		var ok bool
		if data, ok = bindObject(c); !ok {
			return
		}
	}
	call := hass.ServiceCall{Domain: c.Param("domain"), Service: c.Param("service"), Data: data}
	if err := s.backend.CallService(c.Request.Context(), call); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"service": call.String()})
}

func (s *Server) checkTimeSpec(c *gin.Context) {
	raw, ok := bindObject(c)
	if !ok {
		return
	}
	res, err := s.backend.CheckTimeSpec(c.Request.Context(), raw)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeResult(c, res)
}

func (s *Server) getState(c *gin.Context) {
	group, key := c.Param("group"), c.Param("key")
	v, ok, err := s.backend.GetState(c.Request.Context(), group, key)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !ok {
		writeError(c, http.StatusNotFound, "state not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": group, "key": key, "value": v})
}

// bindObject decodes a JSON object body. On failure it has already written the
// response.
func bindObject(c *gin.Context) (map[string]any, bool) {
	raw := map[string]any{}
	if err := c.ShouldBindJSON(&raw); err != nil {
		if strings.Contains(err.Error(), "request body too large") {
			writeError(c, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		writeError(c, http.StatusBadRequest, "request body must be a JSON object")
		return nil, false
	}
	return raw, true
}

// writeResult reports an engine Result. Validation failures are the caller's
// fault; anything else is the server's.
func (s *Server) writeResult(c *gin.Context, res engine.Result) {
	switch {
	case res.Success:
		c.JSON(http.StatusOK, res)
	case res.Kind == errors.ErrorInvalid.String():
		c.JSON(http.StatusBadRequest, res)
	case res.Kind == errors.ErrorTransient.String():
		c.JSON(http.StatusServiceUnavailable, res)
	default:
		c.JSON(http.StatusInternalServerError, res)
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", c.FullPath(), "status", code, "error", err,
			"request_id", c.GetString(headerRequestID))
	}
	writeError(c, code, sanitize(err))
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.Is(err, errors.ErrLoopStopped):
		return http.StatusServiceUnavailable
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sanitize keeps internal details out of responses.
func sanitize(err error) string {
	switch {
	case errors.IsTimeout(err):
		return "engine did not respond in time"
	case errors.Is(err, errors.ErrLoopStopped):
		return "engine is shutting down"
	case errors.IsInvalid(err):
		return "invalid request"
	case errors.IsTransient(err):
		return "service temporarily unavailable"
	default:
		return "internal server error"
	}
}

func writeError(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, gin.H{"error": message, "status": code})
}
