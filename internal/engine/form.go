package engine

import (
	"fmt"
	"sort"
	"strings"

	"contentline/internal/config"
	"contentline/internal/domain"
)

// FormErrors maps field ids to validation messages.
type FormErrors map[string]string

func (e FormErrors) Error() string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e[k])
	}
	return "invalid form: " + strings.Join(parts, "; ")
}

func (e FormErrors) Is(target error) bool { return target == domain.ErrInvalidValue }

// FieldForm validates submitted values against a field list.
type FieldForm struct {
	Fields []*config.FieldConf
}

// FormFor builds a form over the named fields of conf, or all of them.
func FormFor(conf *config.ObjectConf, fields ...string) FieldForm {
	if len(fields) == 0 {
		return FieldForm{Fields: conf.Data}
	}
	var out []*config.FieldConf
	for _, id := range fields {
		if f := conf.Field(id); f != nil {
			out = append(out, f)
		}
	}
	return FieldForm{Fields: out}
}

// Validate coerces values and fills defaults. Unknown keys are dropped.
func (f FieldForm) Validate(values domain.Values) (bool, domain.Values, FormErrors) {
	cleaned := domain.Values{}
	errs := FormErrors{}
	for _, fld := range f.Fields {
		raw, ok := values[fld.ID]
		if !ok || raw == nil || raw == "" {
			if def := fld.DefaultValue(); def != nil {
				cleaned[fld.ID] = def
				continue
			}
			if fld.Required {
				errs[fld.ID] = "required"
			}
			continue
		}
		v, err := fld.Coerce(raw)
		if err != nil {
			errs[fld.ID] = err.Error()
			continue
		}
		if fld.Size > 0 {
			if s, isStr := v.(string); isStr && len(s) > fld.Size {
				errs[fld.ID] = fmt.Sprintf("longer than %d", fld.Size)
				continue
			}
		}
		cleaned[fld.ID] = v
	}
	if len(errs) > 0 {
		return false, nil, errs
	}
	return true, cleaned, nil
}
