// Package httputil holds the JSON response and request validation helpers
// shared by the HTTP services.
package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"attack-pipeline/pkg/sandbox"
)

const MsgInternal = "internal server error"

// maxBodyBytes bounds request bodies; script output arrives in webhook bodies.
const maxBodyBytes = 8 << 20

type ErrorResponse struct {
	Error string `json:"error"`
}

func RespondWithJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func RespondError(w http.ResponseWriter, status int, msg string) {
	RespondWithJSON(w, status, ErrorResponse{Error: msg})
}

// RespondInternal logs the cause and answers with a generic 500.
func RespondInternal(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	RespondError(w, http.StatusInternalServerError, MsgInternal)
}

// Validate is the shared validator. It knows the "scriptid" tag.
var Validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("scriptid", func(fl validator.FieldLevel) bool {
		return sandbox.ValidateScriptID(fl.Field().String()) == nil
	})
	return v
}

// DecodeAndValidate reads a JSON body into dst and validates it. The returned
// error message is safe to show to clients.
func DecodeAndValidate(r *http.Request, dst any) error {
	body, err := ReadBody(r)
	if err != nil {
		return err
	}
	return UnmarshalAndValidate(body, dst)
}

// ReadBody reads a bounded request body.
func ReadBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, errors.New("could not read request body")
	}
	if len(body) > maxBodyBytes {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

func UnmarshalAndValidate(body []byte, dst any) error {
	if err := json.Unmarshal(body, dst); err != nil {
		return errors.New("invalid JSON body")
	}
	if err := Validate.Struct(dst); err != nil {
		return errors.New(ValidationMessage(err))
	}
	return nil
}

// ValidationMessage describes the first failed field.
func ValidationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "scriptid":
		return fmt.Sprintf("%s must contain only letters, digits, '-' or '_'", fe.Field())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
