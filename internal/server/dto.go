package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"contentline/internal/config"
	"contentline/internal/domain"
	"contentline/internal/engine"
	"contentline/internal/workflow"
)

// Request payloads

// FileUpload carries file field contents inline.
type FileUpload struct {
	Filename string `json:"filename"`
	Content  string `json:"content_base64" contentEncoding:"base64"`
}

type CreateObjectRequest struct {
	Type   string         `json:"type"`
	Values map[string]any `json:"values,omitempty"`
}

type UpdateObjectRequest struct {
	Values map[string]any `json:"values"`
}

type DuplicateRequest struct {
	// Target is the destination container id; 0 is the root.
	Target int64 `json:"target"`
}

type ActionRequest struct {
	Transition string         `json:"transition,omitempty"`
	Values     map[string]any `json:"values,omitempty"`
}

type LocalGroupRequest struct {
	Principal string `json:"principal"`
	Group     string `json:"group"`
}

type ToolRequest struct {
	Values map[string]any `json:"values,omitempty"`
}

// Response payloads

type FieldResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Datatype string `json:"datatype"`
	Required bool   `json:"required,omitempty"`
	Default  any    `json:"default,omitempty"`
}

type TypeResponse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Table     string          `json:"table"`
	Container bool            `json:"container"`
	Subtypes  []string        `json:"subtypes"`
	Workflow  string          `json:"workflow,omitempty"`
	Fields    []FieldResponse `json:"fields"`
}

type RootResponse struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Default bool   `json:"default,omitempty"`
	State   string `json:"state_id,omitempty"`
}

type FileResponse struct {
	Key       string `json:"key"`
	FileID    string `json:"file_id"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	Extension string `json:"extension,omitempty"`
}

type ObjectResponse struct {
	ID       int64          `json:"id"`
	Type     string         `json:"type"`
	Root     string         `json:"root"`
	Parent   int64          `json:"parent"`
	Title    string         `json:"title"`
	Filename string         `json:"filename,omitempty"`
	URL      string         `json:"url"`
	Process  string         `json:"process_id,omitempty"`
	State    string         `json:"state_id,omitempty"`
	Values   map[string]any `json:"values"`
	Files    []FileResponse `json:"files"`
}

type ObjectList struct {
	Items []ObjectResponse `json:"items"`
}

type LocalGroupsResponse struct {
	Items []domain.LocalGroup `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	RootID     string         `json:"root_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type ActionResponse struct {
	Transition string         `json:"transition,omitempty"`
	State      string         `json:"state_id"`
	Object     *ObjectResponse `json:"object,omitempty"`
}

type WorkflowResponse = workflow.Info

type ToolResponse struct {
	OK     bool              `json:"ok"`
	Output string            `json:"output,omitempty"`
	Errors map[string]string `json:"errors,omitempty"`
}

func fieldResponses(fields []*config.FieldConf) []FieldResponse {
	out := make([]FieldResponse, 0, len(fields))
	for _, f := range fields {
		out = append(out, FieldResponse{ID: f.ID, Name: f.Name, Datatype: string(f.Datatype), Required: f.Required, Default: f.Default})
	}
	return out
}

func typeResponse(t *config.ObjectConf) TypeResponse {
	return TypeResponse{
		ID:        t.ID,
		Name:      t.Name,
		Table:     t.Table(),
		Container: t.IsContainer(),
		Subtypes:  nonNilSlice(t.Subtypes.Allowed),
		Workflow:  t.Workflow,
		Fields:    fieldResponses(t.Data),
	}
}

func rootResponse(r *engine.Root) RootResponse {
	return RootResponse{ID: r.Name(), Title: r.Title(), Default: r.Conf().Default, State: r.StateID()}
}

func fileResponses(files map[string]*domain.File) []FileResponse {
	out := make([]FileResponse, 0, len(files))
	for key, f := range files {
		if f == nil {
			continue
		}
		out = append(out, FileResponse{Key: key, FileID: f.FileID, Filename: f.Filename, Size: f.Size, Extension: f.Extension})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func objectResponse(o *engine.Object, files map[string]*domain.File) ObjectResponse {
	var parent int64
	if p := o.Parent(); p != nil {
		parent = p.ID()
	}
	return ObjectResponse{
		ID:       o.ID(),
		Type:     o.TypeID(),
		Root:     o.Root().Name(),
		Parent:   parent,
		Title:    o.Title(),
		Filename: o.Filename(),
		URL:      objectURL(o),
		Process:  o.ProcessID(),
		State:    o.StateID(),
		Values:   o.Values(),
		Files:    fileResponses(files),
	}
}

func objectURL(o *engine.Object) string {
	url := o.Root().Name()
	for _, p := range o.Path() {
		url += "/" + p.URLSegment()
	}
	return url + "/" + o.URLSegment()
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		RootID:     e.RootID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// toValues turns a JSON payload into engine values. Values of file fields
// are decoded as FileUpload objects.
func toValues(in map[string]any, fields []*config.FieldConf) (domain.Values, error) {
	out := domain.Values{}
	for k, v := range in {
		out[k] = v
	}
	for _, f := range fields {
		if f.Datatype != config.File {
			continue
		}
		raw, ok := in[f.ID]
		if !ok || raw == nil {
			continue
		}
		up, err := decodeUpload(raw)
		if err != nil {
			return nil, domain.InvalidValueError{Field: f.ID, Reason: err.Error()}
		}
		out[f.ID] = up
	}
	return out, nil
}

func decodeUpload(raw any) (domain.Upload, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return domain.Upload{}, err
	}
	var fu FileUpload
	if err := json.Unmarshal(data, &fu); err != nil {
		return domain.Upload{}, fmt.Errorf("expected {filename, content_base64}")
	}
	content, err := base64.StdEncoding.DecodeString(fu.Content)
	if err != nil {
		return domain.Upload{}, fmt.Errorf("invalid base64 content")
	}
	return domain.Upload{Filename: fu.Filename, Reader: bytes.NewReader(content)}, nil
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
