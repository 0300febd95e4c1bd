package task

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var validate *validator.Validate
var translator ut.Translator

func init() {
	validate = validator.New()
	var ok bool
	translator, ok = ut.New(en.New(), en.New()).GetTranslator("en")
	if !ok {
		panic("task: failed to get 'en' translator")
	}

	if err := en_translations.RegisterDefaultTranslations(validate, translator); err != nil {
		panic(err)
	}

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// usernames become directory names under the download dir
	if err := validate.RegisterValidation("pathsafe", func(fl validator.FieldLevel) bool {
		v := fl.Field().String()
		return v != "." && v != ".." && !strings.ContainsAny(v, `/\`) && strings.TrimSpace(v) == v
	}); err != nil {
		panic(err)
	}
}

type submission struct {
	Username string        `json:"username" validate:"required,pathsafe"`
	URL      string        `json:"url" validate:"required"`
	Options  SubmitOptions `json:"options"`
}

// validateSubmission checks a submission against its declared tags and wraps
// failures in ErrInvalidArgument.
func validateSubmission(s submission) error {
	if err := validate.Struct(s); err != nil {
		var verrors validator.ValidationErrors
		if !errors.As(err, &verrors) {
			return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}

		fields := make(FieldErrors, 0, len(verrors))
		for _, verror := range verrors {
			fields = append(fields, FieldError{
				Field: verror.Field(),
				Err:   customErrForTag(verror.Tag(), verror),
			})
		}
		return fmt.Errorf("%w: %w", ErrInvalidArgument, fields)
	}
	return nil
}

func customErrForTag(tag string, verror validator.FieldError) string {
	switch tag {
	case "required":
		return "This field is required"
	case "pathsafe":
		return "This field must not contain path separators"
	default:
		return verror.Translate(translator)
	}
}
