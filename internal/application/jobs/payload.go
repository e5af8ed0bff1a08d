package jobs

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/jewelpos/backend/internal/domain/shared"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// payloadValidator reports field errors by their JSON names
func payloadValidator() *validator.Validate {
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

// decodePayload unmarshals raw into dst and runs its validate tags.
// Errors are INVALID_INPUT domain errors naming the offending fields.
func decodePayload(raw []byte, dst any) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return shared.NewDomainError("INVALID_INPUT", "Invalid job payload: "+err.Error())
	}
	if err := payloadValidator().Struct(dst); err != nil {
		return shared.NewDomainError("INVALID_INPUT", "Invalid job payload: "+describe(err))
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		msg := field + " failed " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, "; ")
}
