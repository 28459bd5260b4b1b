package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"mobilecontrol/errors"
	"mobilecontrol/models"
	"mobilecontrol/service"
)

// Handlers serves the operator HTTP surface.
type Handlers struct {
	devices   *service.DeviceManager
	catalog   *service.Catalog
	source    service.CatalogSource
	engine    *service.Engine
	scheduler *service.Scheduler
	log       zerolog.Logger
}

// NewHandlers wires the handlers. source may be nil when the catalog is only
// refreshed through request bodies.
func NewHandlers(devices *service.DeviceManager, catalog *service.Catalog, source service.CatalogSource,
	engine *service.Engine, scheduler *service.Scheduler, log zerolog.Logger) *Handlers {
	return &Handlers{
		devices:   devices,
		catalog:   catalog,
		source:    source,
		engine:    engine,
		scheduler: scheduler,
		log:       log,
	}
}

// statusFor maps an error kind to the HTTP status code reported for it.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errors.ErrValidation), errors.Is(err, errors.ErrUnknownApp), errors.Is(err, errors.ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrDeviceUnavailable), errors.Is(err, errors.ErrConnection), errors.Is(err, errors.ErrTransport):
		return http.StatusServiceUnavailable
	case errors.Is(err, errors.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handlers) fail(c *gin.Context, err error) {
	h.failWith(c, err, nil)
}

// failWith reports err and keeps data in the envelope, so a caller still
// learns the id of a command that was recorded before it failed.
func (h *Handlers) failWith(c *gin.Context, err error, data interface{}) {
	status := statusFor(err)
	kind := errors.KindOf(err)
	if status == http.StatusConflict {
		kind = ""
	}
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	resp := models.KindErrorResponse(err.Error(), kind, errors.ValidationField(err))
	resp.Data = data
	c.JSON(status, resp)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, models.KindErrorResponse("invalid request body: "+err.Error(), models.ErrorKindValidation, ""))
}

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{
		"status":  "ok",
		"message": "mobile controller is running",
	}))
}

// ---- sessions ----

func (h *Handlers) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, models.SuccessResponse(h.devices.ListSessions()))
}

type connectRequest struct {
	Address string `json:"address" binding:"required"`
}

func (h *Handlers) ConnectSession(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	session, err := h.devices.Connect(c.Request.Context(), req.Address)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(session))
}

// ScanSessions connects every device adb currently reports.
func (h *Handlers) ScanSessions(c *gin.Context) {
	sessions, err := h.devices.ScanDevices(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(sessions))
}

func (h *Handlers) Heartbeat(c *gin.Context) {
	status, err := h.devices.Heartbeat(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{"status": status}))
}

func (h *Handlers) DisconnectSession(c *gin.Context) {
	if err := h.devices.Disconnect(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("session disconnected"))
}

// ---- catalog ----

func (h *Handlers) ListApps(c *gin.Context) {
	c.JSON(http.StatusOK, models.SuccessResponse(h.catalog.ListApps()))
}

type refreshRequest struct {
	Apps []models.AppProfile `json:"apps"`
}

// RefreshApps replaces the catalog with the posted profiles, or reloads it
// from the configured source when the body is empty.
func (h *Handlers) RefreshApps(c *gin.Context) {
	if c.Request.ContentLength == 0 {
		if h.source == nil {
			h.fail(c, errors.Invalid("apps", "no catalog source configured, post the profiles instead"))
			return
		}
		if err := h.catalog.Reload(c.Request.Context(), h.source); err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, models.SuccessResponse(h.catalog.ListApps()))
		return
	}

	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.catalog.Refresh(req.Apps); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(h.catalog.ListApps()))
}

// ---- commands ----

// SubmitCommand queues a command. With ?wait=true it blocks until the
// command settles and returns its record.
func (h *Handlers) SubmitCommand(c *gin.Context) {
	var raw models.RawCommand
	if err := c.ShouldBindJSON(&raw); err != nil {
		badRequest(c, err)
		return
	}

	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		rec, err := h.engine.Execute(c.Request.Context(), raw)
		if err != nil {
			if rec.CommandID != "" {
				h.failWith(c, err, rec)
				return
			}
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, models.SuccessResponse(rec))
		return
	}

	cmd, err := h.engine.Submit(c.Request.Context(), raw)
	if err != nil {
		if cmd != nil {
			h.failWith(c, err, cmd)
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, models.SuccessResponse(cmd))
}

func (h *Handlers) GetCommand(c *gin.Context) {
	rec, err := h.engine.Record(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(rec))
}

func (h *Handlers) CancelCommand(c *gin.Context) {
	if err := h.engine.Cancel(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, models.MessageResponse("cancel requested"))
}

// History lists execution records. since and until take RFC 3339 times.
func (h *Handlers) History(c *gin.Context) {
	filter := models.HistoryFilter{
		AppID:     c.Query("app_id"),
		SessionID: c.Query("session_id"),
		State:     models.CommandState(strings.ToLower(c.Query("state"))),
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		v := c.Query(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.fail(c, errors.Invalid(p.name, "must be an RFC 3339 time"))
			return
		}
		*p.dst = t
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.fail(c, errors.Invalid("limit", "must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}
	c.JSON(http.StatusOK, models.SuccessResponse(h.engine.History(filter)))
}

// ---- shadow mode ----

type shadowModeRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *Handlers) GetShadowMode(c *gin.Context) {
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{"enabled": h.engine.ShadowMode()}))
}

func (h *Handlers) SetShadowMode(c *gin.Context) {
	var req shadowModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.engine.SetShadowMode(*req.Enabled)
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{"enabled": h.engine.ShadowMode()}))
}

// ---- scripts ----

func (h *Handlers) ListScripts(c *gin.Context) {
	c.JSON(http.StatusOK, models.SuccessResponse(h.scheduler.ListScripts()))
}

func (h *Handlers) CreateScript(c *gin.Context) {
	var in models.AutomationScript
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	sc, err := h.scheduler.CreateScript(in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.SuccessResponse(sc))
}

func (h *Handlers) GetScript(c *gin.Context) {
	sc, err := h.scheduler.GetScript(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(sc))
}

func (h *Handlers) DeleteScript(c *gin.Context) {
	if err := h.scheduler.DeleteScript(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("script deleted"))
}

func (h *Handlers) EnableScript(c *gin.Context) {
	sc, err := h.scheduler.EnableScript(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(sc))
}

func (h *Handlers) DisableScript(c *gin.Context) {
	sc, err := h.scheduler.DisableScript(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(sc))
}

// RunScript runs the script now and returns the run summary.
func (h *Handlers) RunScript(c *gin.Context) {
	run, err := h.scheduler.Run(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(run))
}
