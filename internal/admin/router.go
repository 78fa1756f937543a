// Package admin is the operational HTTP API: task snapshots and manual runs,
// record inspection and cancellation, direct notifications, the outbound
// queue and waitlist promotion.
package admin

import (
	"context"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"herald/internal/entity"
	"herald/internal/notification"
	"herald/internal/outbox"
	"herald/internal/pipeline"
	"herald/internal/retry"
	"herald/internal/storage"
	"herald/internal/task/engine"
	"herald/internal/task/scheduler"
	"herald/internal/waitlist"
	logx "herald/pkg/logx"
)

type Tasks interface {
	Snapshot() scheduler.Snapshot
	RunNow(name string) error
}

type Notifier interface {
	Notify(ctx context.Context, req pipeline.Request) (*notification.Record, error)
	Cancel(ctx context.Context, id string) (*notification.Record, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, msg *notification.OutboundMessage) (string, error)
}

type Promoter interface {
	Promote(ctx context.Context, parentID string) ([]waitlist.Promotion, error)
}

// Backend is everything the routes talk to.
type Backend struct {
	Tasks    Tasks
	Records  storage.RecordStore
	Messages storage.MessageStore
	Notifier Notifier
	Outbox   Enqueuer
	Waitlist Promoter
}

type RouterOptions struct {
	Secret string
	Pprof  bool
	Log    logx.Logger
}

const defaultListLimit = 100

func NewRouter(b Backend, opt RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(opt.Log))

	r.GET("/healthz", func(c *gin.Context) {
		body := gin.H{"status": "ok", "time": time.Now().UTC()}
		if b.Tasks != nil {
			body["scheduler_running"] = b.Tasks.Snapshot().Running
		}
		c.JSON(http.StatusOK, body)
	})

	h := &handlers{b: b, log: opt.Log}
	v1 := r.Group("/v1", requireToken(opt.Secret))
	{
		v1.GET("/tasks", h.listTasks)
		v1.POST("/tasks/:name/run", h.runTask)

		v1.GET("/records", h.listRecords)
		v1.GET("/records/:id", h.getRecord)
		v1.POST("/records/:id/cancel", h.cancelRecord)
		v1.POST("/notify", h.notify)

		v1.GET("/outbound", h.listOutbound)
		v1.POST("/outbound", h.enqueue)

		v1.POST("/waitlist/:parent/promote", h.promote)
	}

	if opt.Pprof {
		dbg := r.Group("/debug/pprof", requireToken(opt.Secret))
		dbg.GET("/", gin.WrapF(hpprof.Index))
		dbg.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
		dbg.GET("/profile", gin.WrapF(hpprof.Profile))
		dbg.GET("/symbol", gin.WrapF(hpprof.Symbol))
		dbg.GET("/trace", gin.WrapF(hpprof.Trace))
		dbg.GET("/:profile", gin.WrapF(hpprof.Index))
	}
	return r
}

func requestLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if log.IsZero() {
			return
		}
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		}
		if op := operator(c); op != "" {
			fields = append(fields, logx.String("operator", op))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("admin request failed", fields...)
			return
		}
		log.Debug("admin request", fields...)
	}
}

type handlers struct {
	b   Backend
	log logx.Logger
}

func fail(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func limitParam(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}

func (h *handlers) listTasks(c *gin.Context) {
	if h.b.Tasks == nil {
		fail(c, http.StatusServiceUnavailable, errors.New("scheduler not configured"))
		return
	}
	c.JSON(http.StatusOK, h.b.Tasks.Snapshot())
}

func (h *handlers) runTask(c *gin.Context) {
	if h.b.Tasks == nil {
		fail(c, http.StatusServiceUnavailable, errors.New("scheduler not configured"))
		return
	}
	name := c.Param("name")
	err := h.b.Tasks.RunNow(name)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"task": name, "queued": true})
	case errors.Is(err, scheduler.ErrUnknownTask):
		fail(c, http.StatusNotFound, err)
	case errors.Is(err, engine.ErrOverlapSkip):
		fail(c, http.StatusConflict, err)
	case errors.Is(err, engine.ErrQueueFull), errors.Is(err, engine.ErrStopped):
		fail(c, http.StatusServiceUnavailable, err)
	default:
		fail(c, http.StatusInternalServerError, err)
	}
}

func (h *handlers) listRecords(c *gin.Context) {
	f := storage.RecordFilter{
		Recipient:     c.Query("recipient"),
		RelatedEntity: c.Query("related_entity"),
		Kind:          notification.Kind(c.Query("kind")),
	}
	if raw := c.Query("state"); raw != "" {
		st, err := notification.ParseState(raw)
		if err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
		f.State = st
	}
	limit, err := limitParam(c)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	f.Limit = limit
	recs, err := h.b.Records.ListRecords(c.Request.Context(), f)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs, "count": len(recs)})
}

func (h *handlers) getRecord(c *gin.Context) {
	rec, err := h.b.Records.GetRecord(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		fail(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handlers) cancelRecord(c *gin.Context) {
	rec, err := h.b.Notifier.Cancel(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		h.log.Info("record cancelled via admin", logx.String("record", rec.ID), logx.String("operator", operator(c)))
		c.JSON(http.StatusOK, rec)
	case errors.Is(err, storage.ErrNotFound):
		fail(c, http.StatusNotFound, err)
	case errors.Is(err, retry.ErrTerminal):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error(), "record": rec})
	default:
		fail(c, http.StatusInternalServerError, err)
	}
}

func (h *handlers) notify(c *gin.Context) {
	var req pipeline.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := req.Key().Validate(); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if req.Priority != "" && !req.Priority.Valid() {
		fail(c, http.StatusBadRequest, errors.New("unknown priority "+strconv.Quote(string(req.Priority))))
		return
	}
	rec, err := h.b.Notifier.Notify(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"record": rec, "already_handled": false})
	case errors.Is(err, pipeline.ErrAlreadyHandled):
		c.JSON(http.StatusOK, gin.H{"record": rec, "already_handled": true})
	default:
		fail(c, http.StatusInternalServerError, err)
	}
}

// outboundRequest is the enqueue body; state, ids and counters are owned by
// the queue.
type outboundRequest struct {
	Channel      notification.Channel `json:"channel"`
	Recipient    string               `json:"recipient"`
	Subject      string               `json:"subject"`
	Body         string               `json:"body"`
	TemplateID   notification.Kind    `json:"template_id"`
	Data         map[string]any       `json:"data"`
	Priority     int                  `json:"priority"`
	ScheduledFor time.Time            `json:"scheduled_for"`
}

func (h *handlers) enqueue(c *gin.Context) {
	var req outboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	msg := &notification.OutboundMessage{
		Channel:      req.Channel,
		Recipient:    req.Recipient,
		Subject:      req.Subject,
		Body:         req.Body,
		TemplateID:   req.TemplateID,
		Data:         req.Data,
		Priority:     req.Priority,
		ScheduledFor: req.ScheduledFor,
	}
	id, err := h.b.Outbox.Enqueue(c.Request.Context(), msg)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"id": id, "scheduled_for": msg.ScheduledFor})
	case errors.Is(err, outbox.ErrInvalidMessage):
		fail(c, http.StatusBadRequest, err)
	default:
		fail(c, http.StatusInternalServerError, err)
	}
}

func (h *handlers) listOutbound(c *gin.Context) {
	f := storage.MessageFilter{
		State:     notification.MessageState(c.Query("state")),
		Recipient: c.Query("recipient"),
	}
	limit, err := limitParam(c)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	f.Limit = limit
	msgs, err := h.b.Messages.ListMessages(c.Request.Context(), f)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

func (h *handlers) promote(c *gin.Context) {
	if h.b.Waitlist == nil {
		fail(c, http.StatusServiceUnavailable, errors.New("waitlist not configured"))
		return
	}
	got, err := h.b.Waitlist.Promote(c.Request.Context(), c.Param("parent"))
	switch {
	case err == nil:
		if got == nil {
			got = []waitlist.Promotion{}
		}
		c.JSON(http.StatusOK, gin.H{"promotions": got})
	case errors.Is(err, entity.ErrNotFound):
		fail(c, http.StatusNotFound, err)
	default:
		fail(c, http.StatusInternalServerError, err)
	}
}
