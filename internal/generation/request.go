package generation

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	perrors "github.com/p-blackswan/leadgen-agent/internal/errors"
	"github.com/p-blackswan/leadgen-agent/internal/task"
)

// Request defaults applied when a field is omitted.
const (
	DefaultFramework       = "html"
	DefaultStylePreference = "modern"
	DefaultMaxIterations   = 3
)

// BusinessInfo is the business payload sent to the backend. Extra fields are
// flattened next to the required ones.
type BusinessInfo struct {
	Name     string            `json:"name" validate:"required"`
	Category string            `json:"business_category" validate:"required"`
	City     string            `json:"city" validate:"required"`
	State    string            `json:"state" validate:"required"`
	Extra    map[string]string `json:"-"`
}

// MarshalJSON flattens Extra into the object. Required fields win on clash.
func (b BusinessInfo) MarshalJSON() ([]byte, error) {
	out := make(map[string]string, len(b.Extra)+4)
	for k, v := range b.Extra {
		out[k] = v
	}
	out["name"] = b.Name
	out["business_category"] = b.Category
	out["city"] = b.City
	out["state"] = b.State
	return json.Marshal(out)
}

// BusinessInfoFrom converts a task business snapshot.
func BusinessInfoFrom(b task.Business) BusinessInfo {
	return BusinessInfo{Name: b.Name, Category: b.Category, City: b.City, State: b.State, Extra: b.Extra}
}

// Request is the body of a generation call.
type Request struct {
	BusinessInfo         BusinessInfo `json:"business_info"`
	Framework            string       `json:"framework" validate:"oneof=html react nextjs"`
	StylePreference      string       `json:"style_preference"`
	EnableSelfReflection *bool        `json:"enable_self_reflection,omitempty"`
	EnableSelfCorrection *bool        `json:"enable_self_correction,omitempty"`
	MaxIterations        int          `json:"max_iterations" validate:"min=1,max=10"`
}

// RequestFor builds a request from a task's business snapshot and options.
func RequestFor(t *task.Task) Request {
	return Request{
		BusinessInfo:         BusinessInfoFrom(t.Business),
		Framework:            t.Options.Framework,
		StylePreference:      t.Options.StylePreference,
		EnableSelfReflection: t.Options.EnableSelfReflection,
		EnableSelfCorrection: t.Options.EnableSelfCorrection,
		MaxIterations:        t.Options.MaxIterations,
	}
}

// Defaults are per-agent-type request defaults.
type Defaults struct {
	Framework            string
	StylePreference      string
	MaxIterations        int
	EnableSelfReflection *bool
	EnableSelfCorrection *bool
}

// BaseDefaults returns the built-in request defaults.
func BaseDefaults() Defaults {
	return Defaults{
		Framework:       DefaultFramework,
		StylePreference: DefaultStylePreference,
		MaxIterations:   DefaultMaxIterations,
	}
}

// Apply fills the omitted fields of req from d, falling back to the
// built-in defaults.
func (d Defaults) Apply(req Request) Request {
	base := BaseDefaults()
	if req.Framework == "" {
		req.Framework = firstNonEmpty(d.Framework, base.Framework)
	}
	if req.StylePreference == "" {
		req.StylePreference = firstNonEmpty(d.StylePreference, base.StylePreference)
	}
	if req.MaxIterations == 0 {
		req.MaxIterations = d.MaxIterations
		if req.MaxIterations == 0 {
			req.MaxIterations = base.MaxIterations
		}
	}
	if req.EnableSelfReflection == nil {
		req.EnableSelfReflection = d.EnableSelfReflection
	}
	if req.EnableSelfCorrection == nil {
		req.EnableSelfCorrection = d.EnableSelfCorrection
	}
	req.Framework = strings.ToLower(req.Framework)
	return req
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks a request after defaults have been applied. The first
// failing field is reported as a *perrors.ValidationError.
func Validate(req Request) error {
	err := requestValidator().Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return perrors.NewValidationError(fieldPath(fe.Namespace()), describe(fe))
	}
	return perrors.NewValidationError("", err.Error())
}

// fieldPath drops the root struct name: "Request.business_info.city" becomes
// "business_info.city".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	}
	return "failed " + fe.Tag() + " check"
}
