package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"queuedownloader/internal/task"
)

type submitRequest struct {
	Username string `json:"username"`
	URL      string `json:"url"`
	task.SubmitOptions
}

type submitResponse struct {
	ID uuid.UUID `json:"id"`
}

type queueResponse struct {
	Count int         `json:"count"`
	Tasks []task.Info `json:"tasks"`
}

type API struct {
	taskManager *task.Manager
	store       task.QueueStore
	services    []string
	log         *zerolog.Logger
}

// NewAPI wires the handlers. store may be nil, in which case the queue
// save and load endpoints answer 501.
func NewAPI(taskManager *task.Manager, store task.QueueStore, services []string, logger *zerolog.Logger) *API {
	if logger == nil {
		logger = &log.Logger
	}
	return &API{taskManager: taskManager, store: store, services: services, log: logger}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/tasks", a.SubmitTask)
		api.GET("/tasks", a.ListTasks)
		api.GET("/tasks/:id", a.GetTask)
		api.DELETE("/tasks/:id", a.CancelTask)
		api.POST("/tasks/:id/restart", a.RestartTask)
		api.POST("/queue/save", a.SaveQueue)
		api.POST("/queue/load", a.LoadQueue)
		api.GET("/services", a.ListServices)
	}
}

// SubmitTask queues a new download. It may block for the size probe.
func (a *API) SubmitTask(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.log.Warn().Err(err).Msg("invalid submit request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	taskID, err := a.taskManager.Submit(c.Request.Context(), req.Username, req.URL, req.SubmitOptions)
	if err != nil {
		a.respondSubmitError(c, err)
		return
	}
	c.JSON(http.StatusCreated, submitResponse{ID: taskID})
}

func (a *API) respondSubmitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, task.ErrInvalidArgument):
		var fields task.FieldErrors
		if errors.As(err, &fields) {
			c.JSON(http.StatusBadRequest, gin.H{"error": task.ErrInvalidArgument.Error(), "fields": fields})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, task.ErrShutdown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		a.log.Error().Err(err).Msg("submit failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submit failed"})
	}
}

// ListTasks returns the queue as seen at one instant.
func (a *API) ListTasks(c *gin.Context) {
	var resp queueResponse
	err := a.taskManager.Snapshot(c.Request.Context(), func(ctx context.Context) error {
		resp.Tasks = a.taskManager.QueueInfo(ctx)
		resp.Count = len(resp.Tasks)
		return nil
	})
	if err != nil {
		a.log.Warn().Err(err).Msg("queue listing abandoned")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue listing unavailable"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) GetTask(c *gin.Context) {
	taskID, ok := parseID(c)
	if !ok {
		return
	}
	info, found := a.taskManager.GetTask(taskID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": task.ErrTaskNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

// CancelTask reports true only when the task was stopped before it started.
func (a *API) CancelTask(c *gin.Context) {
	taskID, ok := parseID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": a.taskManager.Cancel(taskID)})
}

func (a *API) RestartTask(c *gin.Context) {
	taskID, ok := parseID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"restarted": a.taskManager.Restart(taskID)})
}

func (a *API) SaveQueue(c *gin.Context) {
	if a.store == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "queue store not configured"})
		return
	}
	saved, err := a.taskManager.SaveTo(c.Request.Context(), a.store)
	if err != nil {
		a.log.Error().Err(err).Msg("queue save failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue save failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": saved})
}

// LoadQueue submits the saved tasks. Entries that could not be submitted are
// reported next to the ids of those that were.
func (a *API) LoadQueue(c *gin.Context) {
	if a.store == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "queue store not configured"})
		return
	}
	ids, err := a.taskManager.LoadFrom(c.Request.Context(), a.store)
	if ids == nil {
		ids = []uuid.UUID{}
	}
	if err != nil {
		a.log.Warn().Err(err).Int("loaded", len(ids)).Msg("queue load incomplete")
		c.JSON(http.StatusOK, gin.H{"loaded": ids, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"loaded": ids})
}

func (a *API) ListServices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"services": a.services})
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed task id"})
		return uuid.Nil, false
	}
	return taskID, true
}
