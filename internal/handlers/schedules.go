package handlers

import (
	"errors"
	"net/http"

	"kilncontrol"
	"kilncontrol/internal/repository"

	"github.com/gin-gonic/gin"
)

// @Summary      List stored firing profiles
// @Tags         schedules
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "count, schedules"
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/schedules [get]
// @Security     BearerAuth
func (h *Handler) listSchedules(c *gin.Context) {
	schedules, err := h.services.Schedules.List(c.Request.Context())
	if err != nil {
		h.rejectOrError(c, "schedules_list_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(schedules), "schedules": schedules})
}

// @Summary      Save a firing profile
// @Description  Creates a profile, or updates it when an id is supplied.
// @Tags         schedules
// @Accept       json
// @Produce      json
// @Param        body  body  kilncontrol.Schedule  true  "Profile payload"
// @Success      200   {object}  kilncontrol.Schedule
// @Failure      400   {object}  map[string]string
// @Router       /api/v1/schedules [post]
// @Security     BearerAuth
func (h *Handler) saveSchedule(c *gin.Context) {
	var sched kilncontrol.Schedule
	if !h.bindJSONOrBadRequest(c, &sched) {
		return
	}
	saved, err := h.services.Schedules.Save(c.Request.Context(), sched)
	if err != nil {
		h.rejectOrError(c, "schedules_save_failed", err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

// @Summary      Fetch a firing profile
// @Tags         schedules
// @Produce      json
// @Param        id   path      string  true  "Profile id"
// @Success      200  {object}  kilncontrol.Schedule
// @Failure      404  {object}  map[string]string
// @Router       /api/v1/schedules/{id} [get]
// @Security     BearerAuth
func (h *Handler) getSchedule(c *gin.Context) {
	sched, err := h.services.Schedules.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrScheduleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.rejectOrError(c, "schedules_get_failed", err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

// @Summary      Delete a firing profile
// @Tags         schedules
// @Produce      json
// @Param        id   path      string  true  "Profile id"
// @Success      200  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /api/v1/schedules/{id} [delete]
// @Security     BearerAuth
func (h *Handler) deleteSchedule(c *gin.Context) {
	if err := h.services.Schedules.Delete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, repository.ErrScheduleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.rejectOrError(c, "schedules_delete_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
