package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"contentline/internal/domain"
	"contentline/internal/engine"
	"contentline/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	App      *engine.Application
	BasePath string
	Auth     AuthConfig
	Log      zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"workflow_denied"`
	Message string         `json:"message" example:"action publish not permitted in state draft of process publishing"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope of every failed request.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the content API of cfg.App.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: application required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// request schema errors are 400; 422 is left to field values
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Contentline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	s := &service{app: cfg.App, log: cfg.Log}
	registerDocs(router, basePath)
	registerHealth(group)
	s.registerSite(group)
	s.registerObjects(group)
	s.registerWorkflow(group)
	s.registerLocalGroups(group)
	s.registerRootValues(group)
	s.registerTools(group)
	s.registerEvents(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type service struct {
	app *engine.Application
	log zerolog.Logger
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe engine.FormErrors
	if errors.As(err, &fe) {
		details := map[string]any{}
		for k, v := range fe {
			details[k] = v
		}
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"fields": details})
	}
	var pe domain.PermissionDeniedError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": pe.Permission})
	}
	var we domain.WorkflowDeniedError
	if errors.As(err, &we) {
		return newAPIError(http.StatusForbidden, "workflow_denied", err.Error(), map[string]any{"process": we.Process, "state": we.State, "action": we.Action})
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidValue):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	case errors.Is(err, domain.ErrContainment):
		return newAPIError(http.StatusConflict, "containment", err.Error(), nil)
	case errors.Is(err, domain.ErrConfiguration):
		return newAPIError(http.StatusBadRequest, "configuration", err.Error(), nil)
	case errors.Is(err, engine.ErrNotRunning):
		return newAPIError(http.StatusServiceUnavailable, "not_running", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// root resolves a root path segment; "-" is the default root.
func (s *service) root(name string) (*engine.Root, error) {
	if name == "-" {
		name = ""
	}
	return s.app.Root(name)
}

// node resolves id below root; id 0 is the root itself.
func (s *service) node(ctx context.Context, rootName string, id int64) (engine.Node, error) {
	r, err := s.root(rootName)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return r, s.requireView(r, userFromContext(ctx))
	}
	o, err := r.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("object %d: %w", id, domain.ErrNotFound)
	}
	return o, s.requireView(o, userFromContext(ctx))
}

func (s *service) object(ctx context.Context, rootName string, id int64) (*engine.Object, error) {
	if id == 0 {
		return nil, newAPIError(http.StatusBadRequest, "bad_request", "object id required", nil)
	}
	n, err := s.node(ctx, rootName, id)
	if err != nil {
		return nil, err
	}
	return n.(*engine.Object), nil
}

// requireView checks the view permission; the engine enforces the others.
func (s *service) requireView(n engine.Node, u domain.User) error {
	if !s.app.Conf.EnforceACL || n.Contents().Allowed("view", u) {
		return nil
	}
	return domain.PermissionDeniedError{Permission: "view", ObjectID: n.ID(), UserID: u.ID}
}

func (s *service) objectResponse(ctx context.Context, o *engine.Object) (ObjectResponse, error) {
	files, err := o.Files(ctx)
	if err != nil {
		return ObjectResponse{}, err
	}
	return objectResponse(o, files), nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

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
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
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
    <title>Contentline API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
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
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type nodePath struct {
	Root string `path:"root" doc:"Root id, or - for the default root"`
	ID   int64  `path:"id" doc:"Object id, or 0 for the root"`
}

type objectOutput struct {
	Body ObjectResponse `json:"body"`
}

func (s *service) registerSite(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-types",
		Method:      http.MethodGet,
		Path:        "/types",
		Summary:     "List object types",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TypeResponse `json:"body"`
	}, error) {
		out := []TypeResponse{}
		for _, t := range s.app.ObjectTypes() {
			out = append(out, typeResponse(t))
		}
		return &struct {
			Body []TypeResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-roots",
		Method:      http.MethodGet,
		Path:        "/roots",
		Summary:     "List roots",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []RootResponse `json:"body"`
	}, error) {
		out := []RootResponse{}
		for _, r := range s.app.Roots() {
			out = append(out, rootResponse(r))
		}
		return &struct {
			Body []RootResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "search",
		Method:      http.MethodGet,
		Path:        "/roots/{root}/search",
		Summary:     "Fulltext search below a root",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Root string `path:"root"`
		Q    string `query:"q" required:"true"`
		Max  int    `query:"max" default:"50"`
	}) (*struct {
		Body ObjectList `json:"body"`
	}, error) {
		r, err := s.root(input.Root)
		if err != nil {
			return nil, handleError(err)
		}
		found, err := r.SearchFulltext(ctx, input.Q, normalizeLimit(input.Max))
		if err != nil {
			return nil, handleError(err)
		}
		list, err := s.listResponse(ctx, found)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ObjectList `json:"body"`
		}{Body: list}, nil
	})
}

func (s *service) listResponse(ctx context.Context, objs []*engine.Object) (ObjectList, error) {
	u := userFromContext(ctx)
	out := ObjectList{Items: []ObjectResponse{}}
	for _, o := range objs {
		if s.requireView(o, u) != nil {
			continue
		}
		resp, err := s.objectResponse(ctx, o)
		if err != nil {
			return ObjectList{}, err
		}
		out.Items = append(out.Items, resp)
	}
	return out, nil
}

func (s *service) registerObjects(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-object",
		Method:      http.MethodGet,
		Path:        "/roots/{root}/objects/{id}",
		Summary:     "Get object",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *nodePath) (*objectOutput, error) {
		o, err := s.object(ctx, input.Root, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := s.objectResponse(ctx, o)
		if err != nil {
			return nil, handleError(err)
		}
		return &objectOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-path",
		Method:      http.MethodGet,
		Path:        "/roots/{root}/path",
		Summary:     "Resolve an object by URL path",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Root string `path:"root"`
		Path string `query:"path" required:"true" example:"docs/hello_world.html"`
	}) (*objectOutput, error) {
		r, err := s.root(input.Root)
		if err != nil {
			return nil, handleError(err)
		}
		o, err := r.ResolvePath(ctx, strings.FieldsFunc(input.Path, func(c rune) bool { return c == '/' })...)
		if err != nil {
			return nil, handleError(err)
		}
		if o == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no object at "+input.Path, nil)
		}
		if err := s.requireView(o, userFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		resp, err := s.objectResponse(ctx, o)
		if err != nil {
			return nil, handleError(err)
		}
		return &objectOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-children",
		Method:      http.MethodGet,
		Path:        "/roots/{root}/objects/{id}/children",
		Summary:     "List children",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		nodePath
		Type  string   `query:"type"`
		Where []string `query:"where" doc:"field=value, or field:OPERATOR=value"`
		Sort  string   `query:"sort"`
		Desc  bool     `query:"desc"`
		Start int      `query:"start"`
		Max   int      `query:"max" default:"50"`
	}) (*struct {
		Body ObjectList `json:"body"`
	}, error) {
		n, err := s.node(ctx, input.Root, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		q, err := parseWhere(input.Where)
		if err != nil {
			return nil, handleError(err)
		}
		q.Type, q.Sort, q.Descending, q.Start, q.Max, q.Batch = input.Type, input.Sort, input.Desc, input.Start, normalizeLimit(input.Max), true
		objs, err := n.Contents().GetObjs(ctx, q)
		if err != nil {
			return nil, handleError(err)
		}
		list, err := s.listResponse(ctx, objs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ObjectList `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-object",
		Method:        http.MethodPost,
		Path:          "/roots/{root}/objects/{id}/children",
		Summary:       "Create a child object",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		nodePath
		Body CreateObjectRequest
	}) (*objectOutput, error) {
		u := userFromContext(ctx)
		n, err := s.node(ctx, input.Root, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		var values domain.Values
		if t := s.app.ObjectType(input.Body.Type); t != nil {
			values, err = toValues(input.Body.Values, t.Data)
		} else {
			values, err = toValues(input.Body.Values, nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		o, err := n.Contents().Create(ctx, input.Body.Type, values, u, engine.Options{})
		if o == nil && err != nil {
			return nil, handleError(err)
		}
		if err != nil {
			// committed, but an after-add listener failed
			s.log.Warn().Err(err).Int64("id", o.ID()).Msg("create listener failed")
		}
		resp, err := s.objectResponse(ctx, o)
		if err != nil {
			return nil, handleError(err)
		}
		return &objectOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-object",
		Method:      http.MethodPatch,
		Path:        "/roots/{root}/objects/{id}",
		Summary:     "Update object values",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		nodePath
		Body UpdateObjectRequest
	}) (*objectOutput, error) {
		o, err := s.object(ctx, input.Root, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		values, err := toValues(input.Body.Values, o.Conf().Data)
		if err != nil {
			return nil, handleError(err)
		}
		if err := o.Update(ctx, values, userFromContext(ctx), engine.Options{}); err != nil {
			return nil, handleError(err)
		}
		resp, err := s.objectResponse(ctx, o)
		if err != nil {
			return nil, handleError(err)
		}
		return &objectOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-object",
		Method:        http.MethodDelete,
		Path:          "/roots/{root}/objects/{id}",
		Summary:       "Delete object and its descendants",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *nodePath) (*struct{}, error) {
		o, err := s.object(ctx, input.Root, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := o.Parent().Contents().Delete(ctx, o.ID(), userFromContext(ctx), engine.Options{}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "duplicate-object",
		Method:        http.MethodPost,
		Path:          "/roots/{root}/objects/{id}/duplicate",
		Summary:       "Duplicate object with its children",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		nodePath
		Body DuplicateRequest
	}) (*objectOutput, error) {
		src, err := s.object(ctx, input.Root, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		target, err := s.node(ctx, input.Root, input.Body.Target)
		if err != nil {
			return nil, handleError(err)
		}
		o, err := target.Contents().Duplicate(ctx, src, userFromContext(ctx), engine.Options{})
		if o == nil && err != nil {
			return nil, handleError(err)
		}
		if err != nil {
			s.log.Warn().Err(err).Int64("id", o.ID()).Msg("duplicate listener failed")
		}
		resp, err := s.objectResponse(ctx, o)
		if err != nil {
			return nil, handleError(err)
		}
		return &objectOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-file",
		Method:      http.MethodGet,
		Path:        "/roots/{root}/objects/{id}/files/{key}",
		Summary:     "Download a file field",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		nodePath
		Key string `path:"key"`
	}) (*struct {
		ContentType        string `header:"Content-Type"`
		ContentDisposition string `header:"Content-Disposition"`
		Body               []byte
	}, error) {
		o, err := s.object(ctx, input.Root, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		f, err := o.File(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		if f == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no file "+input.Key, nil)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, handleError(err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType        string `header:"Content-Type"`
			ContentDisposition string `header:"Content-Disposition"`
			Body               []byte
		}{
			ContentType:        "application/octet-stream",
			ContentDisposition: fmt.Sprintf("attachment; filename=%q", f.Filename),
			Body:               data,
		}, nil
	})
}

// parseWhere reads field=value and field:OPERATOR=value filters.
func parseWhere(items []string) (engine.ObjQuery, error) {
	var q engine.ObjQuery
	if err := q.Filter(items...); err != nil {
		return q, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	return q, nil
}

func (s *service) registerWorkflow(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "workflow-info",
		Method:      http.MethodGet,
		Path:        "/roots/{root}/objects/{id}/workflow",
		Summary:     "Workflow state and permitted transitions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *nodePath) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		n, err := s.node(ctx, input.Root, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		info, err := n.Contents().WorkflowInfo(ctx, userFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		if info == nil {
			info = &workflow.Info{Transitions: []workflow.TransitionInfo{}, Actions: []string{}, StateActions: []string{}}
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: *info}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workflow-action",
		Method:      http.MethodPost,
		Path:        "/roots/{root}/objects/{id}/actions/{action}",
		Summary:     "Perform a workflow action",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		nodePath
		Action string `path:"action"`
		Body   *ActionRequest `required:"false"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		n, err := s.node(ctx, input.Root, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		var opts workflow.Options
		if input.Body != nil {
			opts = workflow.Options{Transition: input.Body.Transition, Values: input.Body.Values}
		}
		t, err := n.Contents().Action(ctx, input.Action, userFromContext(ctx), opts)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ActionResponse{State: n.StateID()}
		if t != nil {
			resp.Transition = t.ID
		}
		if o, ok := n.(*engine.Object); ok {
			obj, err := s.objectResponse(ctx, o)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Object = &obj
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func (s *service) registerLocalGroups(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-local-groups",
		Method:      http.MethodGet,
		Path:        "/roots/{root}/objects/{id}/groups",
		Summary:     "List local group grants",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *nodePath) (*struct {
		Body LocalGroupsResponse `json:"body"`
	}, error) {
		n, err := s.node(ctx, input.Root, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := n.Contents().LocalGroups(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LocalGroupsResponse `json:"body"`
		}{Body: LocalGroupsResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-local-group",
		Method:        http.MethodPost,
		Path:          "/roots/{root}/objects/{id}/groups",
		Summary:       "Grant a local group",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		nodePath
		Body LocalGroupRequest
	}) (*struct{}, error) {
		n, err := s.node(ctx, input.Root, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Principal == "" || input.Body.Group == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "principal and group required", nil)
		}
		if err := n.Contents().AddLocalGroup(ctx, input.Body.Principal, input.Body.Group, userFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-local-group",
		Method:        http.MethodDelete,
		Path:          "/roots/{root}/objects/{id}/groups/{principal}/{group}",
		Summary:       "Withdraw a local group",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		nodePath
		Principal string `path:"principal"`
		Group     string `path:"group"`
	}) (*struct{}, error) {
		n, err := s.node(ctx, input.Root, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := n.Contents().RemoveLocalGroup(ctx, input.Principal, input.Group, userFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (s *service) registerRootValues(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-root-values",
		Method:      http.MethodGet,
		Path:        "/roots/{root}/values",
		Summary:     "Persistent values of a root",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Root string `path:"root"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		r, err := s.root(input.Root)
		if err != nil {
			return nil, handleError(err)
		}
		if err := s.requireView(r, userFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		vals, err := r.Values(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: vals}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-root-values",
		Method:      http.MethodPatch,
		Path:        "/roots/{root}/values",
		Summary:     "Update persistent values of a root",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Root string `path:"root"`
		Body UpdateObjectRequest
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		r, err := s.root(input.Root)
		if err != nil {
			return nil, handleError(err)
		}
		values, err := toValues(input.Body.Values, r.Conf().Data)
		if err != nil {
			return nil, handleError(err)
		}
		if err := r.Update(ctx, values, userFromContext(ctx), engine.Options{}); err != nil {
			return nil, handleError(err)
		}
		vals, err := r.Values(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: vals}, nil
	})
}

func (s *service) registerTools(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tools",
		Method:      http.MethodGet,
		Path:        "/roots/{root}/objects/{id}/tools",
		Summary:     "Tools applying to a node",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *nodePath) (*struct {
		Body []string `json:"body"`
	}, error) {
		n, err := s.node(ctx, input.Root, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		ids := []string{}
		for _, t := range s.app.ToolsFor(n) {
			ids = append(ids, t.ID)
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: ids}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-tool",
		Method:      http.MethodPost,
		Path:        "/roots/{root}/objects/{id}/tools/{tool}",
		Summary:     "Run a tool",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		nodePath
		Tool string `path:"tool"`
		Body *ToolRequest `required:"false"`
	}) (*struct {
		Body ToolResponse `json:"body"`
	}, error) {
		n, err := s.node(ctx, input.Root, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		tool, err := s.app.Tool(n, input.Tool)
		if err != nil {
			return nil, handleError(err)
		}
		if tool == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no tool "+input.Tool, nil)
		}
		values := domain.Values{}
		if input.Body != nil {
			values = domain.Values(input.Body.Values)
		}
		var out strings.Builder
		ok, err := tool.Execute(ctx, values, &out)
		var fe engine.FormErrors
		if errors.As(err, &fe) {
			return &struct {
				Body ToolResponse `json:"body"`
			}{Body: ToolResponse{OK: false, Errors: fe}}, nil
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ToolResponse `json:"body"`
		}{Body: ToolResponse{OK: ok, Output: out.String()}}, nil
	})
}

func (s *service) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Root       string `query:"root"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" doc:"object or root"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := s.app.Pool.LatestEvents(ctx, domain.EventFilter{
			Limit:      limit + 1,
			Before:     before,
			RootID:     input.Root,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			// the cursor is exclusive, so it names the last returned id
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
