package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/geocoder89/taskbus/internal/bus"
	"github.com/geocoder89/taskbus/internal/cache"
	"github.com/geocoder89/taskbus/internal/config"
	"github.com/geocoder89/taskbus/internal/http/middlewares"
	"github.com/geocoder89/taskbus/internal/repo/postgres"
	"github.com/geocoder89/taskbus/internal/utils"
	"github.com/gin-gonic/gin"
)

type AdminTasksRepo interface {
	ListCursor(
		ctx context.Context,
		queue *string,
		state *int16,
		limit int,
		afterCreatedOn time.Time,
		afterID int64,
	) (items []postgres.TaskRecord, nextCursor *string, hasMore bool, err error)
	GetByID(ctx context.Context, id int64) (postgres.TaskRecord, error)
	Retry(ctx context.Context, id int64) error
	QueueStats(ctx context.Context, queue string) (map[string]int64, error)
}

type TaskSender interface {
	Send(ctx context.Context, tasks ...bus.Task) error
}

type AdminTasksHandler struct {
	repo     AdminTasksRepo
	registry *bus.Registry
	sender   TaskSender

	// stats run two aggregate scans, so dashboards polling the endpoint
	// get a few seconds of staleness instead of repeated seq scans
	statsCache *cache.Cache
}

func NewAdminTasksHandler(repo AdminTasksRepo, registry *bus.Registry, sender TaskSender) *AdminTasksHandler {
	return &AdminTasksHandler{
		repo:       repo,
		registry:   registry,
		sender:     sender,
		statsCache: cache.New(5 * time.Second),
	}
}

// GET /admin/tasks?queue=worker&state=failed&limit=50&cursor=...

func (h *AdminTasksHandler) List(ctx *gin.Context) {
	limit := parseIntDefault(ctx.Query("limit"), 20)
	if limit < 1 || limit > 100 {
		RespondBadRequest(ctx, "invalid_query", "limit must be between 1 and 100")
		return
	}

	var queuePtr *string
	if q := ctx.Query("queue"); q != "" {
		queuePtr = &q
	}

	statePtr, ok := parseState(ctx.Query("state"))
	if !ok {
		RespondBadRequest(ctx, "invalid_query", "state is not a known task state")
		return
	}

	cursor := ctx.Query("cursor")

	// DESC first-page sentinel: "far future" + max id
	afterCreatedOn := time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
	afterID := int64(math.MaxInt64)

	if cursor != "" {
		cur, err := utils.DecodeTaskCursor(cursor)
		if err != nil {
			RespondBadRequest(ctx, "invalid_query", "cursor is invalid")
			return
		}
		afterCreatedOn = cur.CreatedOn
		afterID = cur.ID
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	items, next, hasMore, err := h.repo.ListCursor(cctx, queuePtr, statePtr, limit, afterCreatedOn, afterID)
	if err != nil {
		RespondInternal(ctx, "Could not list tasks")
		return
	}

	resp := gin.H{
		"limit":      limit,
		"count":      len(items),
		"items":      items,
		"hasMore":    hasMore,
		"nextCursor": next,
	}

	RespondJSONWithETag(ctx, http.StatusOK, resp)
}

// GET /admin/tasks/:id

func (h *AdminTasksHandler) GetByID(ctx *gin.Context) {
	id, ok := parseTaskID(ctx.Param("id"))
	if !ok {
		RespondBadRequest(ctx, "invalid_request", "invalid_id")
		return
	}
	ctx.Set(middlewares.CtxTaskID, ctx.Param("id"))

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	rec, err := h.repo.GetByID(cctx, id)

	if err != nil {
		if errors.Is(err, postgres.ErrTaskNotFound) {
			RespondNotFound(ctx, "Task not found")
			return
		}

		RespondInternal(ctx, "Could not fetch task")
		return
	}

	RespondJSONWithETag(ctx, http.StatusOK, rec)
}

// POST /admin/tasks/:id/retry
func (h *AdminTasksHandler) Retry(ctx *gin.Context) {
	id, ok := parseTaskID(ctx.Param("id"))
	if !ok {
		RespondBadRequest(ctx, "invalid_request", "invalid_id")
		return
	}
	ctx.Set(middlewares.CtxTaskID, ctx.Param("id"))

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	err := h.repo.Retry(cctx, id)
	if err != nil {
		if errors.Is(err, postgres.ErrTaskNotFound) {
			RespondNotFound(ctx, "Task not found")
			return
		}
		if errors.Is(err, postgres.ErrTaskNotFailed) {
			RespondConflict(ctx, "task_not_failed", "Only failed or expired tasks can be retried")
			return
		}
		RespondInternal(ctx, "Could not retry task")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"taskId": id,
		"state":  "created",
	})
}

// GET /admin/queues/:queue/stats

func (h *AdminTasksHandler) QueueStats(ctx *gin.Context) {
	queue := ctx.Param("queue")
	if queue == "" {
		RespondBadRequest(ctx, "invalid_request", "queue is required")
		return
	}

	key := utils.BuildQueueStatsCacheKey(queue)

	if cached, ok := h.statsCache.Get(key); ok {
		if stats, ok := cached.(map[string]int64); ok {
			RespondJSONWithETag(ctx, http.StatusOK, gin.H{
				"queue":  queue,
				"counts": stats,
				"cached": true,
			})
			return
		}
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	stats, err := h.repo.QueueStats(cctx, queue)
	if err != nil {
		RespondInternal(ctx, "Could not fetch queue stats")
		return
	}

	h.statsCache.Set(key, stats)

	RespondJSONWithETag(ctx, http.StatusOK, gin.H{
		"queue":  queue,
		"counts": stats,
	})
}

// GET /admin/state

func (h *AdminTasksHandler) State(ctx *gin.Context) {
	RespondJSONWithETag(ctx, http.StatusOK, h.registry.State())
}

type EnqueueTaskRequest struct {
	Name string          `json:"name" binding:"required"`
	Data json.RawMessage `json:"data"`
}

// POST /admin/tasks
//
// Publishes one task through the registered definition, so payloads get the
// same validation a library caller would.
func (h *AdminTasksHandler) Enqueue(ctx *gin.Context) {
	var req EnqueueTaskRequest

	if !BindJSON(ctx, &req) {
		return
	}

	task, err := h.registry.From(req.Name, req.Data)

	if err != nil {
		if errors.Is(err, bus.ErrUnknownTask) {
			RespondNotFound(ctx, "Task is not registered")
			return
		}
		RespondBadRequest(ctx, "invalid_request", err.Error())
		return
	}

	cctx, cancel := config.WithTimeout(3 * time.Second)
	defer cancel()

	if err := h.sender.Send(cctx, task); err != nil {
		RespondInternal(ctx, "Could not enqueue task")
		return
	}

	ctx.JSON(http.StatusCreated, gin.H{
		"taskName": task.TaskName,
		"queued":   1,
	})
}

func parseIntDefault(s string, fallback int) int {
	if s == "" {
		return fallback
	}

	n, err := strconv.Atoi(s)

	if err != nil {
		return fallback
	}

	return n
}

func parseTaskID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)

	if err != nil || id <= 0 {
		return 0, false
	}

	return id, true
}

// parseState maps a state name from the query string onto its storage
// value. Empty means no filter.
func parseState(s string) (*int16, bool) {
	if s == "" {
		return nil, true
	}

	for st := bus.StateCreated; st <= bus.StateFailed; st++ {
		if st.String() == s {
			v := int16(st)
			return &v, true
		}
	}

	return nil, false
}
