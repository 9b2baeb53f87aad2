package daemon

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/runnerr0/histo/internal/tracker"
)

// Event is one browser notification posted by the extension.
type Event struct {
	Type     string `json:"type" binding:"required"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Source   string `json:"source"`
	TabID    int64  `json:"tab_id"`
	WindowID int64  `json:"window_id"`
	State    string `json:"state"`
}

// Event types accepted by POST /events.
const (
	EventVisit      = "visit"
	EventActivate   = "activate"
	EventTabRemoved = "tab_removed"
	EventWindowBlur = "window_blur"
	EventIdle       = "idle"
)

func (d *Daemon) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if d.cfg.Logging.Verbose {
		router.Use(gin.Logger())
	}
	if d.cfg.Daemon.AuthToken != "" {
		router.Use(d.authMiddleware())
	}

	router.GET("/healthz", d.handleHealth)
	router.POST("/events", d.handleEvent)
	router.POST("/analysis", d.handleAnalysis)
	router.GET("/data", d.handleData)

	return router
}

// authMiddleware rejects requests without the configured bearer token.
func (d *Daemon) authMiddleware() gin.HandlerFunc {
	expect := "Bearer " + d.cfg.Daemon.AuthToken
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") != expect {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (d *Daemon) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleEvent dispatches a browser event to the session lifecycle manager.
// Session transitions complete (including their store writes) before the
// response is sent; aggregation is only enqueued, never awaited.
func (d *Daemon) handleEvent(c *gin.Context) {
	var ev Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	var err error

	switch ev.Type {
	case EventVisit:
		source := ev.Source
		if source == "" {
			source = tracker.SourceHistory
		}
		err = d.tracker.RecordVisit(ctx, ev.URL, ev.Title, source)
	case EventActivate:
		err = d.tracker.Activate(ctx, ev.URL, ev.TabID, ev.WindowID)
	case EventTabRemoved:
		err = d.tracker.TabRemoved(ctx, ev.TabID)
	case EventWindowBlur:
		err = d.tracker.WindowBlur(ctx)
	case EventIdle:
		if d.cfg.Tracking.EndOnIdle {
			err = d.tracker.IdleStateChanged(ctx, ev.State)
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "unknown event type: " + ev.Type})
		return
	}

	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleAnalysis forces an aggregation pass (start-analysis).
func (d *Daemon) handleAnalysis(c *gin.Context) {
	if _, err := d.agg.Aggregate(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleData forces an aggregation pass and returns the latest snapshot
// (get-data).
func (d *Daemon) handleData(c *gin.Context) {
	snap, err := d.agg.Aggregate(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": snap})
}
