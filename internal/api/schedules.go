package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/a2aflow/host/internal/scheduler"
)

// listSchedules lists every schedule (spec §6.1 GET /api/schedules).
func (s *Server) listSchedules(c *gin.Context) {
	scheds, err := s.store.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, scheds)
}

// getSchedule returns one schedule by id.
func (s *Server) getSchedule(c *gin.Context) {
	sched, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

// createSchedule creates a new schedule (spec §4.5, §6.1).
func (s *Server) createSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}

	sched := scheduleFromRequest(req)
	sched.ID = uuid.New().String()
	sched.Enabled = true
	if req.Enabled != nil {
		sched.Enabled = *req.Enabled
	}

	if err := s.store.Create(c.Request.Context(), sched); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sched)
}

// updateSchedule replaces a schedule's trigger definition.
func (s *Server) updateSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}

	id := c.Param("id")
	existing, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	next := scheduleFromRequest(req)
	next.ID = id
	next.Enabled = existing.Enabled
	if req.Enabled != nil {
		next.Enabled = *req.Enabled
	}
	next.RunCount = existing.RunCount
	next.LastRunAt = existing.LastRunAt
	next.NextRunAt = existing.NextRunAt

	if err := s.store.Update(c.Request.Context(), next); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, next)
}

// deleteSchedule removes a schedule. Idempotent (spec P7).
func (s *Server) deleteSchedule(c *gin.Context) {
	if err := s.store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// toggleSchedule flips a schedule's enabled flag (spec §4.5 Toggle(enabled)).
func (s *Server) toggleSchedule(c *gin.Context) {
	id := c.Param("id")
	sched, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	sched.Enabled = !sched.Enabled
	if err := s.store.Update(c.Request.Context(), sched); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

// runScheduleNow fires a schedule immediately, out of band from its normal
// trigger (spec §4.5 RunNow(id)).
func (s *Server) runScheduleNow(c *gin.Context) {
	if err := s.sched.RunNow(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// upcomingSchedules lists the next n schedules by NextRunAt (spec §4.5
// ListUpcoming(n)).
func (s *Server) upcomingSchedules(c *gin.Context) {
	n := 10
	if raw := c.Query("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	upcoming, err := s.sched.ListUpcoming(c.Request.Context(), n)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, upcoming)
}

// scheduleHistory lists recorded runs for a schedule (spec §4.5 History).
func (s *Server) scheduleHistory(c *gin.Context) {
	id := c.Query("schedule_id")
	if id == "" {
		respondValidation(c, "schedule_id is required")
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	hist, err := s.store.History(c.Request.Context(), id, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, hist)
}

func scheduleFromRequest(req scheduleRequest) *scheduler.Schedule {
	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}
	days := make([]time.Weekday, 0, len(req.DaysOfWeek))
	for _, d := range req.DaysOfWeek {
		days = append(days, time.Weekday(d))
	}
	return &scheduler.Schedule{
		WorkflowID:      req.WorkflowID,
		SessionID:       req.SessionID,
		Type:            scheduler.Type(req.Type),
		RunAt:           req.RunAt,
		IntervalMinutes: req.IntervalMinutes,
		TimeOfDay:       req.TimeOfDay,
		DaysOfWeek:      days,
		DayOfMonth:      req.DayOfMonth,
		CronExpr:        req.CronExpr,
		Timezone:        tz,
		MaxRuns:         req.MaxRuns,
		TimeoutS:        req.TimeoutS,
		RetryOnFailure:  req.RetryOnFailure,
		MaxRetries:      req.MaxRetries,
	}
}
