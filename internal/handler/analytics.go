package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aman-churiwal/admission-control/internal/service"
	"github.com/gin-gonic/gin"
)

type AnalyticsHandler struct {
	service *service.AnalyticsService
}

func NewAnalyticsHandler(service *service.AnalyticsService) *AnalyticsHandler {
	return &AnalyticsHandler{service: service}
}

// Handles GET /admin/analytics
func (h *AnalyticsHandler) GetStatistics(c *gin.Context) {
	from, to, err := parseTimeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, h.service.Statistics(from, to))
}

// Handles GET /admin/analytics/blocked
func (h *AnalyticsHandler) GetRecentBlocked(c *gin.Context) {
	limit := parseLimit(c, 50, 1000)
	events := h.service.RecentBlocked(limit)

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// Handles GET /admin/analytics/offenders
func (h *AnalyticsHandler) GetOffenders(c *gin.Context) {
	from, to, err := parseTimeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"offenders": h.service.Offenders(from, to, parseLimit(c, 10, 100))})
}

// Handles DELETE /admin/analytics?before=
func (h *AnalyticsHandler) Purge(c *gin.Context) {
	before, err := parseTimestamp(c.Query("before"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "before must be an RFC3339 or unix timestamp"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"purged": h.service.Purge(before)})
}

// Handles GET /admin/analytics/archive
func (h *AnalyticsHandler) GetArchiveSummary(c *gin.Context) {
	from, to, err := parseTimeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	summary, err := h.service.GetArchiveSummary(c.Request.Context(), from, to)
	if err != nil {
		archiveError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

// Handles GET /admin/analytics/archive/decisions
func (h *AnalyticsHandler) GetArchivedDecisions(c *gin.Context) {
	from, to, err := parseTimeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	limit := parseLimit(c, 100, 1000)

	offset := 0
	if offsetStr := c.Query("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	blockedOnly := c.Query("blocked") == "true"

	decisions, err := h.service.GetArchivedDecisions(c.Request.Context(), from, to, blockedOnly, limit, offset)
	if err != nil {
		archiveError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"decisions": decisions,
		"limit":     limit,
		"offset":    offset,
	})
}

func archiveError(c *gin.Context, err error) {
	if errors.Is(err, service.ErrArchiveDisabled) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func parseLimit(c *gin.Context, def, upper int) int {
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= upper {
			return l
		}
	}
	return def
}

// Parses 'from' and 'to' query parameters
func parseTimeRange(c *gin.Context) (time.Time, time.Time, error) {
	// Default: last 24 hours
	to := time.Now()
	from := to.Add(-24 * time.Hour)

	if fromStr := c.Query("from"); fromStr != "" {
		parsedFrom, err := parseTimestamp(fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = parsedFrom
	}

	if toStr := c.Query("to"); toStr != "" {
		parsedTo, err := parseTimestamp(toStr)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = parsedTo
	}

	if to.Before(from) {
		return time.Time{}, time.Time{}, errors.New("'to' must not be before 'from'")
	}

	return from, to, nil
}

// Accepts RFC3339 or a unix timestamp in seconds
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("timestamp is required")
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return parsed, nil
	}
	if timestamp, perr := strconv.ParseInt(s, 10, 64); perr == nil {
		return time.Unix(timestamp, 0), nil
	}
	return time.Time{}, err
}
