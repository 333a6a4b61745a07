package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"taskengine/internal/models"
	"taskengine/internal/store"
	"taskengine/internal/tasks"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type TaskRouter struct {
	tasks      *tasks.Service
	dispatcher Dispatcher
	router     chi.Router
}

func (t *TaskRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	t.router.ServeHTTP(writer, request)
}

func NewTaskRouter(svc *tasks.Service, dispatcher Dispatcher) *TaskRouter {
	r := &TaskRouter{
		tasks:      svc,
		dispatcher: dispatcher,
		router:     chi.NewRouter(),
	}
	r.router.Get("/", r.ListTasks)
	r.router.Post("/", r.CreateTask)
	r.router.Route("/{taskID}", func(sub chi.Router) {
		sub.Get("/", r.GetTask)
		sub.Patch("/", r.UpdateTask)
		sub.Get("/runs", r.ListRuns)
		sub.Post("/dispatch", r.Dispatch)
		sub.Post("/review", r.RequestReview)
		sub.Post("/approve", r.Approve)
		sub.Post("/retry", r.Retry)
	})

	return r
}

func (t *TaskRouter) ListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		writeError(w, badRequest(err.Error()))
		return
	}
	status := models.TaskStatus(query.Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, badRequest("unknown status "+strconv.Quote(string(status))))
		return
	}

	list, err := t.tasks.List(r.Context(), store.TaskFilter{
		CustomerID: query.Get("customer_id"),
		Status:     status,
		Executor:   query.Get("executor"),
		Limit:      limit,
	})
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, list)
}

func (t *TaskRouter) CreateTask(w http.ResponseWriter, r *http.Request) {
	var payload CreateTaskRequest
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		writeError(w, badRequest(err.Error()))
		return
	}

	task, err := t.tasks.Create(r.Context(), payload.toNewTask())
	if err != nil {
		serveError(w, err)
		return
	}
	serveJsonStatus(w, http.StatusCreated, task)
}

func (t *TaskRouter) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := t.tasks.Get(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, task)
}

func (t *TaskRouter) UpdateTask(w http.ResponseWriter, r *http.Request) {
	var payload UpdateTaskRequest
	if err := readJson(w, r, &payload); err != nil {
		return
	}

	id := chi.URLParam(r, "taskID")
	var task *models.Task
	var err error
	if payload.hasDescription {
		task, err = t.tasks.UpdateDescription(r.Context(), id, payload.Description.String)
	} else {
		task, err = t.tasks.Get(r.Context(), id)
	}
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, task)
}

func (t *TaskRouter) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := t.tasks.Runs(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, runs)
}

func (t *TaskRouter) Dispatch(w http.ResponseWriter, r *http.Request) {
	var payload DispatchRequest
	if err := readOptionalJson(w, r, &payload); err != nil {
		return
	}

	taskID := chi.URLParam(r, "taskID")
	result, err := t.dispatcher.Dispatch(r.Context(), taskID, payload.WorkerID)
	if err != nil {
		log.Debug().Err(err).Str("task_id", taskID).Msg("Dispatch declined")
		serveError(w, err)
		return
	}
	serveJson(w, result)
}

func (t *TaskRouter) RequestReview(w http.ResponseWriter, r *http.Request) {
	task, err := t.tasks.RequestReview(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, task)
}

func (t *TaskRouter) Approve(w http.ResponseWriter, r *http.Request) {
	var payload ApproveRequest
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		writeError(w, badRequest(err.Error()))
		return
	}

	task, err := t.tasks.Approve(r.Context(), chi.URLParam(r, "taskID"), payload.ApprovedBy)
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, task)
}

func (t *TaskRouter) Retry(w http.ResponseWriter, r *http.Request) {
	task, err := t.tasks.Retry(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, task)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, errInvalidLimit
	}
	return min(limit, maxListLimit), nil
}
