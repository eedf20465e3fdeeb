// Package http is the gin control surface over the session supervisor.
// Frames never pass through here; this is lifecycle, admission, quality
// and recording control plus the websocket event feed.
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"kizuna/internal/core/domain"
	"kizuna/internal/engine/session"
	"kizuna/internal/infrastructure/signal"
	kerrors "kizuna/pkg/errors"
)

// SessionHandler exposes the supervisor over HTTP.
type SessionHandler struct {
	supervisor *session.Supervisor
	feed       *signal.EventFeed
}

// NewSessionHandler builds the handler.
func NewSessionHandler(supervisor *session.Supervisor, feed *signal.EventFeed) *SessionHandler {
	return &SessionHandler{supervisor: supervisor, feed: feed}
}

// SetupRoutes registers the control API under auth.
func (h *SessionHandler) SetupRoutes(router *gin.Engine, auth gin.HandlerFunc) {
	api := router.Group("/api/v1", auth)
	{
		api.POST("/sessions", h.StartSession)
		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/:id", h.GetSession)
		api.DELETE("/sessions/:id", h.StopSession)
		api.POST("/sessions/:id/pause", h.PauseSession)
		api.POST("/sessions/:id/resume", h.ResumeSession)
		api.POST("/sessions/:id/quality", h.SetQuality)
		api.GET("/sessions/:id/stats", h.GetStats)

		api.GET("/sessions/:id/viewers", h.ListViewers)
		api.POST("/sessions/:id/viewers", h.AddViewer)
		api.POST("/sessions/:id/viewers/approve", h.ApproveViewer)
		api.POST("/sessions/:id/viewers/reject", h.RejectViewer)
		api.DELETE("/sessions/:id/viewers/:viewer_id", h.RemoveViewer)
		api.PUT("/sessions/:id/viewers/:viewer_id/permissions", h.UpdatePermissions)

		api.POST("/sessions/:id/recording", h.StartRecording)
		api.DELETE("/sessions/:id/recording", h.StopRecording)
	}

	router.GET("/ws/events", auth, gin.WrapH(h.feed))
}

type permissionsReq struct {
	CanView           bool                 `json:"can_view"`
	CanRecord         bool                 `json:"can_record"`
	CanControlQuality bool                 `json:"can_control_quality"`
	MaxQualityPreset  domain.QualityPreset `json:"max_quality_preset"`
}

func (r permissionsReq) domain() domain.Permissions {
	return domain.Permissions{
		CanView:           r.CanView,
		CanRecord:         r.CanRecord,
		CanControlQuality: r.CanControlQuality,
		MaxQualityPreset:  r.MaxQualityPreset,
	}
}

func (h *SessionHandler) StartSession(c *gin.Context) {
	var req struct {
		Kind   domain.StreamKind    `json:"kind" binding:"required"`
		Preset domain.QualityPreset `json:"preset"`
		Region domain.ScreenRegion  `json:"region"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Preset == "" {
		req.Preset = domain.PresetMedium
	}

	var (
		id  domain.SessionID
		err error
	)
	switch req.Kind {
	case domain.KindCamera:
		id, err = h.supervisor.StartCameraStream(c.Request.Context(), req.Preset)
	case domain.KindScreenRegion:
		id, err = h.supervisor.StartScreenStream(c.Request.Context(), req.Region, req.Preset)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported stream kind"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": id})
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.supervisor.ListSessions()})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	meta, err := h.supervisor.GetSession(domain.SessionID(c.Param("id")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": meta})
}

func (h *SessionHandler) StopSession(c *gin.Context) {
	if err := h.supervisor.StopStream(domain.SessionID(c.Param("id"))); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (h *SessionHandler) PauseSession(c *gin.Context) {
	if err := h.supervisor.PauseStream(domain.SessionID(c.Param("id"))); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (h *SessionHandler) ResumeSession(c *gin.Context) {
	if err := h.supervisor.ResumeStream(domain.SessionID(c.Param("id"))); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "active"})
}

func (h *SessionHandler) SetQuality(c *gin.Context) {
	var req struct {
		Preset domain.QualityPreset `json:"preset"`
		Auto   bool                 `json:"auto"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := domain.SessionID(c.Param("id"))

	var err error
	if req.Auto {
		err = h.supervisor.EnableAutoQuality(id)
	} else {
		err = h.supervisor.SetQualityPreset(id, req.Preset)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (h *SessionHandler) GetStats(c *gin.Context) {
	stats, err := h.supervisor.GetStats(domain.SessionID(c.Param("id")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (h *SessionHandler) ListViewers(c *gin.Context) {
	viewers, err := h.supervisor.GetViewerStatus(domain.SessionID(c.Param("id")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"viewers": viewers})
}

func (h *SessionHandler) AddViewer(c *gin.Context) {
	var req struct {
		PeerID      domain.PeerID  `json:"peer_id" binding:"required"`
		Permissions permissionsReq `json:"permissions"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	vid, err := h.supervisor.AddViewer(c.Request.Context(),
		domain.SessionID(c.Param("id")), req.PeerID, req.Permissions.domain())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"viewer_id": vid,
		"status":    "pending_approval",
	})
}

func (h *SessionHandler) ApproveViewer(c *gin.Context) {
	var req struct {
		PeerID domain.PeerID `json:"peer_id" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	vid, err := h.supervisor.ApprovePending(c.Request.Context(),
		domain.SessionID(c.Param("id")), req.PeerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"viewer_id": vid,
		"status":    "connected",
	})
}

func (h *SessionHandler) RejectViewer(c *gin.Context) {
	var req struct {
		PeerID domain.PeerID `json:"peer_id" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.supervisor.RejectPending(domain.SessionID(c.Param("id")), req.PeerID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected"})
}

func (h *SessionHandler) RemoveViewer(c *gin.Context) {
	err := h.supervisor.RemoveViewer(
		domain.SessionID(c.Param("id")),
		domain.ViewerID(c.Param("viewer_id")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

func (h *SessionHandler) UpdatePermissions(c *gin.Context) {
	var req permissionsReq
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.supervisor.UpdatePermissions(
		domain.SessionID(c.Param("id")),
		domain.ViewerID(c.Param("viewer_id")),
		req.domain())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "staged"})
}

func (h *SessionHandler) StartRecording(c *gin.Context) {
	var req struct {
		Consent bool `json:"consent"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var consent func() error
	if req.Consent {
		consent = func() error { return nil }
	}
	rid, err := h.supervisor.StartRecording(domain.SessionID(c.Param("id")), consent)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"recording_id": rid})
}

func (h *SessionHandler) StopRecording(c *gin.Context) {
	if err := h.supervisor.StopRecording(domain.SessionID(c.Param("id"))); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// respondError maps engine errors to HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrViewerNotFound),
		errors.Is(err, domain.ErrRecordingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrViewerLimit):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrDuplicatePeer):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case kerrors.IsKind(err, kerrors.KindPeerUntrusted),
		kerrors.IsKind(err, kerrors.KindPermissionDenied),
		kerrors.IsKind(err, kerrors.KindConsentDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case kerrors.IsKind(err, kerrors.KindDeviceUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
