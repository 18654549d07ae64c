package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"allo/internal/domain"
	"allo/internal/engine"
	"allo/internal/events"
	"allo/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Log      *logrus.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"lost"`
	Message string         `json:"message" example:"too late, every slot has already been claimed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"time_status\":\"closed\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Allo API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = cfg.Engine.Log
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		code := ""
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
			code = string(engine.KindInvalidInput)
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, code, msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(newRequestLogger(log))
	router.Use(newAuthMiddleware(basePath, cfg.Engine))
	hcfg := huma.DefaultConfig("Allo API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerPublic(group, cfg.Engine)
	registerAccounts(group, cfg.Engine)
	registerOperatorTasks(group, cfg.Engine)
	registerSlots(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// newRequestLogger tags each request with an id and logs its outcome.
func newRequestLogger(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", id)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(events.WithRequestID(r.Context(), id)))
			if log == nil {
				return
			}
			log.WithFields(logrus.Fields{
				"request_id":  id,
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
			}).Info("http request")
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func statusForKind(k engine.ErrorKind) int {
	switch k {
	case engine.KindInvalidInput, engine.KindNotAvailable, engine.KindWindowClosed, engine.KindDuplicateClaim, engine.KindRateLimited:
		return http.StatusBadRequest
	case engine.KindNotFound:
		return http.StatusNotFound
	case engine.KindForbidden:
		return http.StatusForbidden
	case engine.KindLost, engine.KindConflict:
		return http.StatusConflict
	case engine.KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		return newAPIError(statusForKind(ee.Kind), string(ee.Kind), ee.Message, ee.Details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

// applyAuthSecurity marks operator routes as bearer-protected.
func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	for route, item := range oas.Paths {
		if !operatorPath(basePath, route) {
			continue
		}
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op != nil {
				op.Security = security
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Allo API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{Status: "ok"}}, nil
	})
}

type taskPath struct {
	ID int64 `path:"id"`
}

type slotPath struct {
	ID int64 `path:"id"`
}

func registerPublic(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-groups",
		Method:      http.MethodGet,
		Path:        "/groups",
		Summary:     "List groups",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.BdeList `json:"body"`
	}, error) {
		groups, err := e.ListBdeLists(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.BdeList `json:"body"`
		}{Body: groups}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "live",
		Method:      http.MethodGet,
		Path:        "/live",
		Summary:     "Published tasks, those with free slots first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.TaskSummary `json:"body"`
	}, error) {
		tasks, err := e.Live(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TaskSummary `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Public task detail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body engine.PublicTaskView `json:"body"`
	}, error) {
		view, err := e.PublicTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.PublicTaskView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-slot",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/claim",
		Summary:     "Claim the next free slot of a task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64        `path:"id"`
		Body ClaimRequest `json:"body"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		res, err := e.AttemptClaim(ctx, engine.ClaimInput{
			TaskID:    input.ID,
			FirstName: input.Body.FirstName,
			LastName:  input.Body.LastName,
			Phone:     input.Body.Phone,
			Building:  input.Body.Building,
			Room:      input.Body.Room,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: ClaimResponse{Success: true, Message: res.Message, SlotID: res.SlotID, ClaimedAt: res.ClaimedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lookup-claims",
		Method:      http.MethodPost,
		Path:        "/claims/lookup",
		Summary:     "Slots held by a phone number",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body LookupRequest `json:"body"`
	}) (*struct {
		Body []domain.ClaimView `json:"body"`
	}, error) {
		claims, err := e.MyClaims(ctx, input.Body.Phone)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ClaimView `json:"body"`
		}{Body: claims}, nil
	})
}

func registerAccounts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register",
		Method:        http.MethodPost,
		Path:          "/auth/register",
		Summary:       "Create an operator account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		u, err := e.RegisterUser(ctx, engine.RegisterInput{
			Email:     input.Body.Email,
			Password:  input.Body.Password,
			FirstName: input.Body.FirstName,
			LastName:  input.Body.LastName,
			Phone:     input.Body.Phone,
			BdeListID: input.Body.BdeListID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange credentials for a bearer token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body engine.Session `json:"body"`
	}, error) {
		sess, err := e.Login(ctx, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Session `json:"body"`
		}{Body: sess}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current operator",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.GetUser(ctx, actor.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		g, err := e.Repo.GetBdeList(ctx, u.BdeListID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{User: u, Group: g}}, nil
	})
}

var operatorErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerOperatorTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/bde/dashboard",
		Summary:     "Tasks of the operator and of the group",
		Errors:      operatorErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Dashboard `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Dashboard(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Dashboard `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/bde/tasks",
		Summary:       "Create a draft task with its slots",
		DefaultStatus: http.StatusCreated,
		Errors:        operatorErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, actor, engine.TaskInput{
			TaskDetails: taskDetails(input.Body.TaskDetailsRequest),
			Slots:       input.Body.Slots,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-operator-task",
		Method:      http.MethodGet,
		Path:        "/bde/tasks/{id}",
		Summary:     "Task with slots and group members",
		Errors:      operatorErrors,
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body engine.OperatorTaskView `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		view, err := e.OperatorTask(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.OperatorTaskView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/bde/tasks/{id}",
		Summary:     "Edit a task",
		Errors:      operatorErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64              `path:"id"`
		Body TaskDetailsRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UpdateTask(ctx, actor, input.ID, taskDetails(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/bde/tasks/{id}",
		Summary:       "Delete a task and its slots",
		DefaultStatus: http.StatusNoContent,
		Errors:        operatorErrors,
	}, func(ctx context.Context, input *taskPath) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteTask(ctx, actor, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	transitions := []struct {
		name    string
		summary string
		fn      func(engine.Engine, context.Context, engine.Actor, int64) (domain.Task, error)
	}{
		{"publish", "Publish a task", engine.Engine.PublishTask},
		{"close", "Close a task", engine.Engine.CloseTask},
		{"reopen", "Reopen a closed task", engine.Engine.ReopenTask},
	}
	for _, tr := range transitions {
		huma.Register(api, huma.Operation{
			OperationID: tr.name + "-task",
			Method:      http.MethodPost,
			Path:        "/bde/tasks/{id}/" + tr.name,
			Summary:     tr.summary,
			Errors:      operatorErrors,
		}, func(ctx context.Context, input *taskPath) (*struct {
			Body domain.Task `json:"body"`
		}, error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			t, err := tr.fn(e, ctx, actor, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Task `json:"body"`
			}{Body: t}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/bde/tasks/{id}/assign",
		Summary:     "Assign or unassign a group member",
		Errors:      operatorErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64         `path:"id"`
		Body AssignRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.AssignTask(ctx, actor, input.ID, input.Body.AssignedTo)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerSlots(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-delivery-status",
		Method:      http.MethodPut,
		Path:        "/bde/slots/{id}/status",
		Summary:     "Set the delivery status of a claimed slot",
		Errors:      operatorErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64                 `path:"id"`
		Body DeliveryStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Slot `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		status, ok := domain.ParseDeliveryStatus(input.Body.Status)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "invalid_input", "unknown delivery status", map[string]any{"status": input.Body.Status})
		}
		slot, err := e.SetDeliveryStatus(ctx, actor, input.ID, status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Slot `json:"body"`
		}{Body: slot}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unclaim-slot",
		Method:      http.MethodDelete,
		Path:        "/bde/slots/{id}/claim",
		Summary:     "Free a claimed slot",
		Errors:      operatorErrors,
	}, func(ctx context.Context, input *slotPath) (*struct {
		Body domain.Slot `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		slot, err := e.Unclaim(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Slot `json:"body"`
		}{Body: slot}, nil
	})
}

func taskDetails(r TaskDetailsRequest) engine.TaskDetails {
	return engine.TaskDetails{
		Title:       r.Title,
		Description: r.Description,
		Conditions:  r.Conditions,
		Theme:       r.Theme,
		OpensAt:     r.OpensAt,
		ClosesAt:    r.ClosesAt,
	}
}
