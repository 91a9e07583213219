package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/zhubert/notebook-mcp/errinfo"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report argument names as clients send them.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeArgs unmarshals tool arguments into v and checks its constraints.
// Missing arguments decode as an empty object.
func decodeArgs(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return errinfo.InvalidArgument(typeErr.Field, "", fmt.Sprintf("argument %s must be of type %s", typeErr.Field, typeErr.Type))
		}
		return errinfo.InvalidArgument("arguments", "", "arguments must be a JSON object").Wrap(err)
	}
	if err := validate.Struct(v); err != nil {
		return argumentError(err)
	}
	return nil
}

// argumentError reports the first failed constraint.
func argumentError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return errinfo.InvalidArgument("arguments", "", "invalid arguments").Wrap(err)
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return errinfo.InvalidArgument(fe.Field(), "", fmt.Sprintf("missing required argument %s", fe.Field()))
	case "oneof":
		return errinfo.InvalidArgument(fe.Field(), fmt.Sprint(fe.Value()), fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param()))
	default:
		return errinfo.InvalidArgument(fe.Field(), fmt.Sprint(indirect(fe.Value())), fmt.Sprintf("%s failed the %s=%s check", fe.Field(), fe.Tag(), fe.Param()))
	}
}

func indirect(v any) any {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		return rv.Elem().Interface()
	}
	return v
}

// pathArgs is embedded by every tool that names a notebook.
type pathArgs struct {
	NotebookPath string `json:"notebook_path" validate:"required"`
}

// timeoutArgs carries an optional execution timeout in seconds.
type timeoutArgs struct {
	Timeout *float64 `json:"timeout,omitempty" validate:"omitempty,gt=0"`
}

// duration returns the timeout, or 0 to use the server default.
func (a timeoutArgs) duration() time.Duration {
	if a.Timeout == nil {
		return 0
	}
	return time.Duration(*a.Timeout * float64(time.Second))
}
