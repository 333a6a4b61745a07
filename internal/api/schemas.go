package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/guregu/null/v6"
	"github.com/tidwall/gjson"
	"taskengine/internal/dispatch"
	"taskengine/internal/models"
	"taskengine/internal/tasks"
)

var validate = newValidator()

// newValidator reports fields by their json name
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type CreateTaskRequest struct {
	CustomerID    string          `json:"customer_id"`
	ParentTaskID  string          `json:"parent_task_id"`
	Title         string          `json:"title" validate:"required,max=500"`
	Description   string          `json:"description"`
	AssignedAgent string          `json:"assigned_agent"`
	Executor      string          `json:"executor" validate:"required,contains=:"`
	Priority      models.Priority `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	Input         models.JSON     `json:"input"`
}

func (c *CreateTaskRequest) validate() error {
	c.Title = strings.TrimSpace(c.Title)
	c.Executor = strings.TrimSpace(c.Executor)
	c.CustomerID = strings.TrimSpace(c.CustomerID)
	c.AssignedAgent = strings.TrimSpace(c.AssignedAgent)
	return validationError(validate.Struct(c))
}

func (c *CreateTaskRequest) toNewTask() tasks.NewTask {
	return tasks.NewTask{
		CustomerID:    c.CustomerID,
		ParentTaskID:  c.ParentTaskID,
		Title:         c.Title,
		Description:   c.Description,
		AssignedAgent: c.AssignedAgent,
		Executor:      c.Executor,
		Priority:      c.Priority,
		Input:         c.Input,
	}
}

// UpdateTaskRequest only carries the description. A null description clears it, an absent one
// leaves it untouched.
type UpdateTaskRequest struct {
	Description null.String `json:"description"`
	// set when the body names the description at all
	hasDescription bool
}

func (u *UpdateTaskRequest) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	raw, ok := fields["description"]
	u.hasDescription = ok
	if !ok {
		return nil
	}
	return json.Unmarshal(raw, &u.Description)
}

type DispatchRequest struct {
	WorkerID string `json:"worker_id"`
}

type ApproveRequest struct {
	ApprovedBy string `json:"approved_by" validate:"required"`
}

func (a *ApproveRequest) validate() error {
	a.ApprovedBy = strings.TrimSpace(a.ApprovedBy)
	return validationError(validate.Struct(a))
}

// CallbackRequest is the completion report an asynchronous executor posts back. Error is either a
// plain message or an object with code and message.
type CallbackRequest struct {
	TaskID  string          `json:"task_id" validate:"required"`
	RunID   string          `json:"run_id" validate:"required"`
	Success *bool           `json:"success" validate:"required"`
	Output  models.JSON     `json:"output"`
	Error   json.RawMessage `json:"error"`

	runErr models.RunError
}

func (c *CallbackRequest) validate() error {
	c.TaskID = strings.TrimSpace(c.TaskID)
	c.RunID = strings.TrimSpace(c.RunID)
	if err := validationError(validate.Struct(c)); err != nil {
		return err
	}

	runErr, err := parseCallbackError(c.Error)
	if err != nil {
		return err
	}
	c.runErr = runErr
	return nil
}

func (c *CallbackRequest) toCallback() dispatch.Callback {
	return dispatch.Callback{
		TaskID:    c.TaskID,
		RunID:     c.RunID,
		Success:   *c.Success,
		Output:    c.Output,
		Error:     c.runErr.Message,
		ErrorCode: c.runErr.Code,
	}
}

// parseCallbackError normalizes the error field of a callback. Executors send either
// "error": "message" or "error": {"code": "...", "message": "..."}.
func parseCallbackError(raw json.RawMessage) (models.RunError, error) {
	if len(raw) == 0 {
		return models.RunError{}, nil
	}

	doc := gjson.ParseBytes(raw)
	switch {
	case doc.Type == gjson.Null:
		return models.RunError{}, nil
	case doc.Type == gjson.String:
		return models.RunError{Message: strings.TrimSpace(doc.String())}, nil
	case doc.IsObject():
		runErr := models.RunError{
			Code:    strings.TrimSpace(doc.Get("code").String()),
			Message: strings.TrimSpace(doc.Get("message").String()),
		}
		if runErr.Message == "" {
			runErr.Message = doc.Raw
		}
		return runErr, nil
	default:
		return models.RunError{}, errors.New("error must be a string or an object with code and message")
	}
}

type SweepRequest struct {
	OlderThanMinutes *int `json:"older_than_minutes" validate:"omitempty,gte=0"`
}

func (s *SweepRequest) validate() error {
	return validationError(validate.Struct(s))
}

// validationError turns validator errors into one readable error per failing field
func validationError(err error) error {
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	errs := make([]error, 0, len(validationErrors))
	for _, e := range validationErrors {
		errs = append(errs, fmt.Errorf("%s failed on rule '%s'", e.Field(), e.Tag()))
	}
	return errors.Join(errs...)
}
