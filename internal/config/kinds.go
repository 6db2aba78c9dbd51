package config

import (
	"slices"

	"contentline/internal/domain"
)

// AppConf is the application descriptor and the root of a site file.
type AppConf struct {
	Base            `yaml:",inline"`
	Title           string        `yaml:"title,omitempty"`
	DefaultRoot     string        `yaml:"defaultRoot,omitempty"`
	Timezone        string        `yaml:"timezone,omitempty"`
	Debug           bool          `yaml:"debug,omitempty"`
	Autocommit      bool          `yaml:"autocommit"`
	GlobalFilenames bool          `yaml:"globalFilenames,omitempty"`
	EnforceACL      bool          `yaml:"enforceACL,omitempty"`
	Database        *DatabaseConf `yaml:"database,omitempty"`
	Meta            []*FieldConf  `yaml:"meta,omitempty"`
	ACL             ACL           `yaml:"acl,omitempty"`
	Modules         []Include     `yaml:"modules,omitempty"`
}

// NewApp returns an application descriptor with defaults.
func NewApp(id string) *AppConf {
	return &AppConf{Base: Base{ID: id}, Autocommit: true, Timezone: "UTC"}
}

func (*AppConf) Kind() Kind { return KindApp }

func (a *AppConf) nested() []Descriptor {
	var out []Descriptor
	if a.Database != nil {
		out = append(out, a.Database)
	}
	for _, f := range a.Meta {
		out = append(out, f)
	}
	return out
}

func (a *AppConf) Test() []Problem {
	probs := testBase(a)
	probs = append(probs, testFieldIDs(a, a.Meta)...)
	for _, f := range a.Meta {
		if f == nil {
			continue
		}
		if slices.Contains(domain.MetaColumns, f.ID) {
			probs = append(probs, problem(a, SeverityError, "meta field %s shadows a system field", f.ID))
		}
		if f.Datatype == File {
			probs = append(probs, problem(a, SeverityError, "meta field %s cannot be a file", f.ID))
		}
	}
	return probs
}

// DatabaseConf configures the data pool.
type DatabaseConf struct {
	Base     `yaml:",inline"`
	Path     string `yaml:"path,omitempty"`
	FileRoot string `yaml:"fileRoot,omitempty"`
	Timeout  int    `yaml:"timeout,omitempty"`
}

func (*DatabaseConf) Kind() Kind { return KindDatabase }

func (d *DatabaseConf) Test() []Problem {
	if d.ID == "" {
		return nil
	}
	return testBase(d)
}

// ModuleConf bundles descriptors as a plugin.
type ModuleConf struct {
	Base    `yaml:",inline"`
	ACL     ACL       `yaml:"acl,omitempty"`
	Modules []Include `yaml:"modules,omitempty"`
}

func (*ModuleConf) Kind() Kind { return KindModule }

func (m *ModuleConf) Test() []Problem { return testBase(m) }

// GroupConf declares a named group.
type GroupConf struct {
	Base   `yaml:",inline"`
	Hidden bool `yaml:"hidden,omitempty"`
}

func (*GroupConf) Kind() Kind { return KindGroup }

func (g *GroupConf) Test() []Problem { return testBase(g) }

// ToolConf declares an executable tool bound to a registered ToolFunc.
type ToolConf struct {
	Base     `yaml:",inline"`
	Apply    Names        `yaml:"apply,omitempty"`
	Func     string       `yaml:"func,omitempty"`
	Data     []*FieldConf `yaml:"data,omitempty"`
	Mimetype string       `yaml:"mimetype,omitempty"`
}

func (*ToolConf) Kind() Kind { return KindTool }

func (t *ToolConf) nested() []Descriptor {
	out := make([]Descriptor, 0, len(t.Data))
	for _, f := range t.Data {
		out = append(out, f)
	}
	return out
}

func (t *ToolConf) Test() []Problem {
	probs := testBase(t)
	if t.Func == "" {
		probs = append(probs, problem(t, SeverityError, "func is required"))
	}
	return append(probs, testFieldIDs(t, t.Data)...)
}

// ViewModuleConf groups views of the outer web layer. Its ACL takes part in
// the application ACL.
type ViewModuleConf struct {
	Base      `yaml:",inline"`
	Apply     Names       `yaml:"apply,omitempty"`
	ACL       ACL         `yaml:"acl,omitempty"`
	Templates string      `yaml:"templates,omitempty"`
	Static    string      `yaml:"static,omitempty"`
	Views     []*ViewConf `yaml:"views,omitempty"`
}

func (*ViewModuleConf) Kind() Kind { return KindViewModule }

func (v *ViewModuleConf) nested() []Descriptor {
	out := make([]Descriptor, 0, len(v.Views))
	for _, view := range v.Views {
		out = append(out, view)
	}
	return out
}

func (v *ViewModuleConf) Test() []Problem { return testBase(v) }

// ViewConf describes one view of the outer web layer.
type ViewConf struct {
	Base       `yaml:",inline"`
	Apply      Names  `yaml:"apply,omitempty"`
	View       string `yaml:"view,omitempty"`
	Attr       string `yaml:"attr,omitempty"`
	Permission string `yaml:"permission,omitempty"`
	Renderer   string `yaml:"renderer,omitempty"`
}

func (*ViewConf) Kind() Kind { return KindView }

func (v *ViewConf) Test() []Problem { return testBase(v) }

// WidgetConf describes a UI widget of the outer web layer.
type WidgetConf struct {
	Base       `yaml:",inline"`
	Apply      Names  `yaml:"apply,omitempty"`
	WidgetType string `yaml:"widgetType,omitempty"`
	Sort       int    `yaml:"sort,omitempty"`
}

func (*WidgetConf) Kind() Kind { return KindWidget }

func (w *WidgetConf) Test() []Problem {
	probs := testBase(w)
	if w.WidgetType == "" {
		probs = append(probs, problem(w, SeverityError, "widgetType is required"))
	}
	return probs
}

// PortalConf describes the portal of the outer web layer.
type PortalConf struct {
	Base       `yaml:",inline"`
	DefaultURL string `yaml:"defaultUrl,omitempty"`
	LoginURL   string `yaml:"loginUrl,omitempty"`
}

func (*PortalConf) Kind() Kind { return KindPortal }

func (p *PortalConf) Test() []Problem { return testBase(p) }

func validOperator(op string) bool {
	_, err := domain.ParseOperator(op)
	return err == nil
}
