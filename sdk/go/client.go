package contentlinesdk

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Contentline HTTP API client.
type Client struct {
	BaseURL string
	// Root is the root id used by object calls; "-" selects the default
	// root.
	Root        string
	BearerToken string
	// UserID and Groups are sent as legacy headers when no token is set.
	UserID     string
	Groups     []string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, root string) *Client {
	if root == "" {
		root = "-"
	}
	return &Client{
		BaseURL: baseURL,
		Root:    root,
		Timeout: 10 * time.Second,
	}
}

// File describes a stored file field.
type File struct {
	Key       string `json:"key"`
	FileID    string `json:"file_id"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	Extension string `json:"extension,omitempty"`
}

// Object represents the API object model.
type Object struct {
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
	Files    []File         `json:"files"`
}

// Upload returns a file field value for Create and Update.
func Upload(filename string, content []byte) map[string]any {
	return map[string]any{"filename": filename, "content_base64": base64.StdEncoding.EncodeToString(content)}
}

// Type is an object type summary.
type Type struct {
	ID        string   `json:"id"`
	Name      string   `json:"name,omitempty"`
	Table     string   `json:"table"`
	Container bool     `json:"container"`
	Subtypes  []string `json:"subtypes"`
	Workflow  string   `json:"workflow,omitempty"`
}

// Transition is one permitted workflow transition.
type Transition struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	From        string   `json:"from"`
	To          string   `json:"to"`
	Actions     []string `json:"actions"`
	Interactive bool     `json:"interactive,omitempty"`
}

// WorkflowInfo is the workflow state of an object for the caller.
type WorkflowInfo struct {
	Process      string       `json:"process"`
	State        string       `json:"state"`
	Transitions  []Transition `json:"transitions"`
	Actions      []string     `json:"actions"`
	StateActions []string     `json:"state_actions"`
}

// ActionResult reports a performed workflow action.
type ActionResult struct {
	Transition string  `json:"transition,omitempty"`
	State      string  `json:"state_id"`
	Object     *Object `json:"object,omitempty"`
}

// LocalGroup is a grant of Group to PrincipalID on one object.
type LocalGroup struct {
	SecurityID  string `json:"security_id"`
	PrincipalID string `json:"principal_id"`
	Group       string `json:"group"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	RootID     string         `json:"root_id,omitempty"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// ToolResult is the outcome of a tool run. Errors holds form errors when
// OK is false.
type ToolResult struct {
	OK     bool              `json:"ok"`
	Output string            `json:"output,omitempty"`
	Errors map[string]string `json:"errors,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ListOptions filter Children. Where entries are field=value or
// field:OPERATOR=value.
type ListOptions struct {
	Type  string
	Where []string
	Sort  string
	Desc  bool
	Start int
	Max   int
}

// Types lists the object types of the site.
func (c *Client) Types(ctx context.Context) ([]Type, error) {
	var resp []Type
	err := c.do(ctx, http.MethodGet, "v0/types", nil, &resp)
	return resp, err
}

// Get fetches an object.
func (c *Client) Get(ctx context.Context, id int64) (Object, error) {
	var resp Object
	err := c.do(ctx, http.MethodGet, c.objectPath(id, ""), nil, &resp)
	return resp, err
}

// Children lists the children of parent; 0 is the root.
func (c *Client) Children(ctx context.Context, parent int64, opts ListOptions) ([]Object, error) {
	q := url.Values{}
	if opts.Type != "" {
		q.Set("type", opts.Type)
	}
	for _, w := range opts.Where {
		q.Add("where", w)
	}
	if opts.Sort != "" {
		q.Set("sort", opts.Sort)
	}
	if opts.Desc {
		q.Set("desc", "true")
	}
	if opts.Start > 0 {
		q.Set("start", strconv.Itoa(opts.Start))
	}
	if opts.Max > 0 {
		q.Set("max", strconv.Itoa(opts.Max))
	}
	endpoint := c.objectPath(parent, "children")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Object `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Create adds an object of typ below parent.
func (c *Client) Create(ctx context.Context, parent int64, typ string, values map[string]any) (Object, error) {
	var resp Object
	err := c.do(ctx, http.MethodPost, c.objectPath(parent, "children"), map[string]any{"type": typ, "values": values}, &resp)
	return resp, err
}

// Update changes object values.
func (c *Client) Update(ctx context.Context, id int64, values map[string]any) (Object, error) {
	var resp Object
	err := c.do(ctx, http.MethodPatch, c.objectPath(id, ""), map[string]any{"values": values}, &resp)
	return resp, err
}

// Delete removes an object and its descendants.
func (c *Client) Delete(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, c.objectPath(id, ""), nil, nil)
}

// Duplicate copies id with its children into target.
func (c *Client) Duplicate(ctx context.Context, id, target int64) (Object, error) {
	var resp Object
	err := c.do(ctx, http.MethodPost, c.objectPath(id, "duplicate"), map[string]any{"target": target}, &resp)
	return resp, err
}

// File downloads a file field.
func (c *Client) File(ctx context.Context, id int64, key string) ([]byte, error) {
	var buf bytes.Buffer
	err := c.do(ctx, http.MethodGet, c.objectPath(id, "files/"+url.PathEscape(key)), nil, &buf)
	return buf.Bytes(), err
}

// Workflow returns the workflow state of id.
func (c *Client) Workflow(ctx context.Context, id int64) (WorkflowInfo, error) {
	var resp WorkflowInfo
	err := c.do(ctx, http.MethodGet, c.objectPath(id, "workflow"), nil, &resp)
	return resp, err
}

// Action performs a workflow action; transition may be empty.
func (c *Client) Action(ctx context.Context, id int64, action, transition string) (ActionResult, error) {
	var resp ActionResult
	body := map[string]any{}
	if transition != "" {
		body["transition"] = transition
	}
	err := c.do(ctx, http.MethodPost, c.objectPath(id, "actions/"+url.PathEscape(action)), body, &resp)
	return resp, err
}

// LocalGroups lists grants on id.
func (c *Client) LocalGroups(ctx context.Context, id int64) ([]LocalGroup, error) {
	var resp struct {
		Items []LocalGroup `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.objectPath(id, "groups"), nil, &resp)
	return resp.Items, err
}

// AddLocalGroup grants group to principal on id.
func (c *Client) AddLocalGroup(ctx context.Context, id int64, principal, group string) error {
	return c.do(ctx, http.MethodPost, c.objectPath(id, "groups"), map[string]any{"principal": principal, "group": group}, nil)
}

// RemoveLocalGroup withdraws a grant.
func (c *Client) RemoveLocalGroup(ctx context.Context, id int64, principal, group string) error {
	endpoint := c.objectPath(id, fmt.Sprintf("groups/%s/%s", url.PathEscape(principal), url.PathEscape(group)))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// Search runs a fulltext search in the client root.
func (c *Client) Search(ctx context.Context, phrase string, max int) ([]Object, error) {
	q := url.Values{"q": {phrase}}
	if max > 0 {
		q.Set("max", strconv.Itoa(max))
	}
	var resp struct {
		Items []Object `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.rootPath("search")+"?"+q.Encode(), nil, &resp)
	return resp.Items, err
}

// RootValues returns the persistent values of the client root.
func (c *Client) RootValues(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, c.rootPath("values"), nil, &resp)
	return resp, err
}

// UpdateRootValues writes persistent values of the client root.
func (c *Client) UpdateRootValues(ctx context.Context, values map[string]any) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodPatch, c.rootPath("values"), map[string]any{"values": values}, &resp)
	return resp, err
}

// RunTool executes tool on id with values.
func (c *Client) RunTool(ctx context.Context, id int64, tool string, values map[string]any) (ToolResult, error) {
	var resp ToolResult
	err := c.do(ctx, http.MethodPost, c.objectPath(id, "tools/"+url.PathEscape(tool)), map[string]any{"values": values}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.UserID != "":
		req.Header.Set("X-User-Id", c.UserID)
		if len(c.Groups) > 0 {
			req.Header.Set("X-User-Groups", strings.Join(c.Groups, ","))
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	switch out := out.(type) {
	case nil:
		return nil
	case io.Writer:
		_, err := io.Copy(out, resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func (c *Client) objectPath(id int64, p string) string {
	endpoint := c.rootPath(fmt.Sprintf("objects/%d", id))
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) rootPath(p string) string {
	root := c.Root
	if root == "" {
		root = "-"
	}
	return fmt.Sprintf("v0/roots/%s/%s", url.PathEscape(root), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
