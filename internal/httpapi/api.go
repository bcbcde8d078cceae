// Package httpapi is the request/response side of the server: creating and
// looking up sessions, joining by code, exports and health.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/pokerdash/internal/facilitator"
	"github.com/kiliankoe/pokerdash/internal/poker"
	"github.com/kiliankoe/pokerdash/internal/router"
)

type API struct {
	store  *poker.Store
	fac    *facilitator.Manager
	router *router.Router
}

func New(store *poker.Store, fac *facilitator.Manager, rt *router.Router) *API {
	return &API{store: store, fac: fac, router: rt}
}

type createRequest struct {
	Title string `json:"title"`
	Name  string `json:"name"`
	Scale string `json:"scale"`
}

type joinRequest struct {
	Name string `json:"name"`
}

type joinResponse struct {
	SessionID     string      `json:"sessionId"`
	ParticipantID string      `json:"participantId"`
	Token         string      `json:"token"`
	Code          string      `json:"code"`
	Session       *poker.View `json:"session"`
}

// Mount registers the routes. Session routes accept either the share code
// or the session id as :ref.
func (a *API) Mount(r *gin.Engine) {
	r.GET("/health", a.health)

	api := r.Group("/api")
	api.GET("/scales", a.scales)
	api.POST("/sessions", a.create)
	api.GET("/sessions/:ref", a.lookup)
	api.POST("/sessions/:ref/join", a.join)
	api.GET("/sessions/:ref/export", a.export)
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"time":     time.Now().UTC(),
		"sessions": a.store.Len(),
		"router":   a.router.Stats(),
		"grace":    a.fac.Pending(),
	})
}

func (a *API) scales(c *gin.Context) {
	c.JSON(http.StatusOK, poker.Scales())
}

func (a *API) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, poker.ErrInvalidInput)
		return
	}
	s, err := a.store.CreateSession(req.Title, req.Name, req.Scale)
	if err != nil {
		fail(c, err)
		return
	}
	p := s.Participants[0]
	view := poker.ViewFor(s, p.ID, a.fac.Status(s.ID))
	c.JSON(http.StatusCreated, joinResponse{SessionID: s.ID, ParticipantID: p.ID, Token: p.Token, Code: s.Code, Session: &view})
}

// resolve finds a session by share code first, then by id.
func (a *API) resolve(ref string) (*poker.Session, error) {
	s, err := a.store.Lookup(ref)
	if errors.Is(err, poker.ErrNotFound) {
		s, err = a.store.Get(ref)
	}
	return s, err
}

// lookup returns the anonymous view: open votes are hidden from everyone.
func (a *API) lookup(c *gin.Context) {
	s, err := a.resolve(c.Param("ref"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, poker.ViewFor(s, "", a.fac.Status(s.ID)))
}

func (a *API) join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, poker.ErrInvalidInput)
		return
	}
	s, err := a.resolve(c.Param("ref"))
	if err != nil {
		fail(c, err)
		return
	}
	s, p, err := a.store.JoinSession(s.Code, req.Name)
	if err != nil {
		fail(c, err)
		return
	}
	view := poker.ViewFor(s, p.ID, a.fac.Status(s.ID))
	c.JSON(http.StatusCreated, joinResponse{SessionID: s.ID, ParticipantID: p.ID, Token: p.Token, Code: s.Code, Session: &view})
}

func (a *API) export(c *gin.Context) {
	s, err := a.resolve(c.Param("ref"))
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="pokerdash-`+s.Code+`.txt"`)
	c.String(http.StatusOK, poker.Summary(s))
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code poker.Code) int {
	switch code {
	case poker.CodeNotFound:
		return http.StatusNotFound
	case poker.CodeForbidden, poker.CodeNotInSession:
		return http.StatusForbidden
	case poker.CodeNameTaken, poker.CodeInvalidTransition, poker.CodeFacilitatorAvailable:
		return http.StatusConflict
	case poker.CodeInvalidInput, poker.CodeInvalidValue, poker.CodeNotActive:
		return http.StatusBadRequest
	case poker.CodeCodeSpaceExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	code := poker.CodeOf(err)
	msg := poker.ErrInternal.Message
	var pe *poker.Error
	if errors.As(err, &pe) {
		msg = pe.Message
	}
	status := StatusFor(code)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": msg, "code": code})
}
