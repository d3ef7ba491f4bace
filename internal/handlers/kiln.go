package handlers

import (
	"errors"
	"net/http"
	"time"

	"kilncontrol"
	"kilncontrol/internal/control"

	"github.com/gin-gonic/gin"
)

const (
	statusOK       = "ok"
	statusStarted  = "started"
	statusStopped  = "stopped"
	statusStaged   = "schedule_loaded"
	statusTuning   = "autotune_started"
	statusApplied  = "applied"
	statusResolved = "error_reset"
)

// httpStatusFor maps command rejections to HTTP codes: a busy controller is
// a conflict, bad input is a bad request, anything else is internal.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, control.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, control.ErrBadSchedule), errors.Is(err, control.ErrBadParam):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// rejectOrError writes the appropriate error response and logs server-side
// failures.
func (h *Handler) rejectOrError(c *gin.Context, logKey string, err error) {
	code := httpStatusFor(err)
	if code == http.StatusInternalServerError && h.log != nil {
		h.log.Errorw(logKey, "err", err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// respondWithStatus includes the live snapshot with every acknowledgement so
// clients need no follow-up poll.
func (h *Handler) respondWithStatus(c *gin.Context, status string, extra gin.H) {
	resp := gin.H{"status": status}
	for k, v := range extra {
		resp[k] = v
	}
	if st, err := h.services.Monitoring.GetStatus(c.Request.Context()); err == nil {
		resp["state"] = st
	}
	c.JSON(http.StatusOK, resp)
}

// loadScheduleRequest stages a firing. Either steps (inline) or schedule_id
// (stored profile) must be present.
type loadScheduleRequest struct {
	Steps       []kilncontrol.Step `json:"steps,omitempty"`
	ScheduleID  string             `json:"schedule_id,omitempty"`
	StartDelayS int                `json:"start_delay_s,omitempty"`
}

type gainsRequest struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`
}

type calibrationRequest struct {
	OffsetC float64 `json:"offset_c"`
}

type setpointRequest struct {
	SetpointC float64 `json:"setpoint_c" binding:"required"`
}

type autotuneRequest struct {
	Step          float64 `json:"step,omitempty"`
	NoiseBandC    float64 `json:"noise_band_c,omitempty"`
	StartValue    float64 `json:"start_value,omitempty"`
	LookBackS     int     `json:"lookback_s,omitempty"`
	MaxDurationMn int     `json:"max_duration_min,omitempty"`
}

// @Summary      Health check
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": statusOK})
}

// @Summary      Current controller status
// @Tags         kiln
// @Produce      json
// @Success      200  {object}  kilncontrol.Status
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/kiln/state [get]
// @Security     BearerAuth
func (h *Handler) getState(c *gin.Context) {
	st, err := h.services.Monitoring.GetStatus(c.Request.Context())
	if err != nil {
		h.rejectOrError(c, "kiln_get_state_failed", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// @Summary      Load a firing schedule
// @Description  Stages steps (inline or by stored profile id) with an optional start delay. Idle only.
// @Tags         kiln
// @Accept       json
// @Produce      json
// @Param        body  body  loadScheduleRequest  true  "Schedule payload"
// @Success      200   {object}  map[string]interface{}
// @Failure      400   {object}  map[string]string
// @Failure      409   {object}  map[string]string  "controller busy"
// @Router       /api/v1/kiln/schedule [post]
// @Security     BearerAuth
func (h *Handler) loadSchedule(c *gin.Context) {
	var req loadScheduleRequest
	if !h.bindJSONOrBadRequest(c, &req) {
		return
	}
	ctx := c.Request.Context()
	delay := time.Duration(req.StartDelayS) * time.Second

	var err error
	switch {
	case req.ScheduleID != "" && len(req.Steps) > 0:
		c.JSON(http.StatusBadRequest, gin.H{"error": "provide either steps or schedule_id, not both"})
		return
	case req.ScheduleID != "":
		err = h.services.Kiln.LoadScheduleByID(ctx, req.ScheduleID, delay)
	case len(req.Steps) > 0:
		err = h.services.Kiln.LoadSchedule(ctx, req.Steps, delay)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "steps or schedule_id required"})
		return
	}
	if err != nil {
		h.rejectOrError(c, "kiln_load_schedule_failed", err)
		return
	}
	h.respondWithStatus(c, statusStaged, gin.H{"start_delay_s": req.StartDelayS})
}

// @Summary      Start the staged schedule
// @Tags         kiln
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      409  {object}  map[string]string
// @Router       /api/v1/kiln/start [post]
// @Security     BearerAuth
func (h *Handler) startKiln(c *gin.Context) {
	if err := h.services.Kiln.Start(c.Request.Context()); err != nil {
		h.rejectOrError(c, "kiln_start_failed", err)
		return
	}
	h.respondWithStatus(c, statusStarted, gin.H{})
}

// @Summary      Stop any running state
// @Tags         kiln
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/kiln/stop [post]
// @Security     BearerAuth
func (h *Handler) stopKiln(c *gin.Context) {
	if err := h.services.Kiln.Stop(c.Request.Context()); err != nil {
		h.rejectOrError(c, "kiln_stop_failed", err)
		return
	}
	h.respondWithStatus(c, statusStopped, gin.H{})
}

// @Summary      Start PID autotune
// @Description  Relay-feedback identification. Cancels a running schedule.
// @Tags         kiln
// @Accept       json
// @Produce      json
// @Param        body  body  autotuneRequest  false  "Optional overrides"
// @Success      200   {object}  map[string]interface{}
// @Failure      400   {object}  map[string]string
// @Failure      409   {object}  map[string]string
// @Router       /api/v1/kiln/autotune [post]
// @Security     BearerAuth
func (h *Handler) startAutotune(c *gin.Context) {
	var req autotuneRequest
	if c.Request.ContentLength > 0 && !h.bindJSONOrBadRequest(c, &req) {
		return
	}
	params := control.AutotuneParams{
		Step:        req.Step,
		NoiseBandC:  req.NoiseBandC,
		StartValue:  req.StartValue,
		LookBack:    time.Duration(req.LookBackS) * time.Second,
		MaxDuration: time.Duration(req.MaxDurationMn) * time.Minute,
	}
	// An empty body leaves params zero; the supervisor then applies the
	// configured autotune defaults.
	if err := h.services.Kiln.StartAutotune(c.Request.Context(), params); err != nil {
		h.rejectOrError(c, "kiln_autotune_failed", err)
		return
	}
	h.respondWithStatus(c, statusTuning, gin.H{})
}

// @Summary      Manual setpoint hold
// @Description  Holds a fixed setpoint without a schedule. Idle only; stop ends it.
// @Tags         kiln
// @Accept       json
// @Produce      json
// @Param        body  body  setpointRequest  true  "Setpoint payload"
// @Success      200   {object}  map[string]interface{}
// @Failure      400   {object}  map[string]string
// @Failure      409   {object}  map[string]string
// @Router       /api/v1/kiln/setpoint [post]
// @Security     BearerAuth
func (h *Handler) setManualSetpoint(c *gin.Context) {
	var req setpointRequest
	if !h.bindJSONOrBadRequest(c, &req) {
		return
	}
	if err := h.services.Kiln.SetManualSetpoint(c.Request.Context(), req.SetpointC); err != nil {
		h.rejectOrError(c, "kiln_setpoint_failed", err)
		return
	}
	h.respondWithStatus(c, statusApplied, gin.H{"setpoint_c": req.SetpointC})
}

// @Summary      Set PID gains
// @Description  Hot-reloads and persists the tuning.
// @Tags         kiln
// @Accept       json
// @Produce      json
// @Param        body  body  gainsRequest  true  "Gains payload"
// @Success      200   {object}  map[string]interface{}
// @Failure      400   {object}  map[string]string
// @Router       /api/v1/kiln/gains [post]
// @Security     BearerAuth
func (h *Handler) setGains(c *gin.Context) {
	var req gainsRequest
	if !h.bindJSONOrBadRequest(c, &req) {
		return
	}
	g := kilncontrol.Gains{Kp: req.Kp, Ki: req.Ki, Kd: req.Kd}
	if err := h.services.Kiln.SetGains(c.Request.Context(), g); err != nil {
		h.rejectOrError(c, "kiln_set_gains_failed", err)
		return
	}
	h.respondWithStatus(c, statusApplied, gin.H{"gains": g})
}

// @Summary      Set thermocouple calibration offset
// @Tags         kiln
// @Accept       json
// @Produce      json
// @Param        body  body  calibrationRequest  true  "Calibration payload"
// @Success      200   {object}  map[string]interface{}
// @Failure      400   {object}  map[string]string
// @Router       /api/v1/kiln/calibration [post]
// @Security     BearerAuth
func (h *Handler) setCalibration(c *gin.Context) {
	var req calibrationRequest
	if !h.bindJSONOrBadRequest(c, &req) {
		return
	}
	if err := h.services.Kiln.SetCalibration(c.Request.Context(), req.OffsetC); err != nil {
		h.rejectOrError(c, "kiln_set_calibration_failed", err)
		return
	}
	h.respondWithStatus(c, statusApplied, gin.H{"offset_c": req.OffsetC})
}

// @Summary      Acknowledge a latched error
// @Tags         kiln
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string  "no error latched"
// @Router       /api/v1/kiln/reset-error [post]
// @Security     BearerAuth
func (h *Handler) resetError(c *gin.Context) {
	if err := h.services.Kiln.ResetError(c.Request.Context()); err != nil {
		h.rejectOrError(c, "kiln_reset_error_failed", err)
		return
	}
	h.respondWithStatus(c, statusResolved, gin.H{})
}
