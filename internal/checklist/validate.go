package checklist

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrConfigurationInvalid marks a call structure that must not be used to
// start or reconfigure a session.
var ErrConfigurationInvalid = errors.New("checklist configuration invalid")

// InvalidError lists every problem found in a call structure.
type InvalidError struct {
	Problems []string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("%s: %s", ErrConfigurationInvalid, strings.Join(e.Problems, "; "))
}

func (e *InvalidError) Unwrap() error {
	return ErrConfigurationInvalid
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// structureValidate is shared; validator caches struct metadata per instance.
var structureValidate *validator.Validate

func init() {
	structureValidate = validator.New(validator.WithRequiredStructEnabled())
	structureValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = structureValidate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = structureValidate.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifierPattern.MatchString(fl.Field().String())
	})
}

type document struct {
	Stages []Stage `yaml:"stages" json:"stages" validate:"dive"`
}

func validate(stages []Stage) error {
	var problems []string

	if err := structureValidate.Struct(document{Stages: stages}); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrConfigurationInvalid, err)
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}

	stageIDs := make(map[string]bool, len(stages))
	itemIDs := make(map[string]string)
	for _, st := range stages {
		if st.ID != "" {
			if stageIDs[st.ID] {
				problems = append(problems, fmt.Sprintf("duplicate stage id %q", st.ID))
			}
			stageIDs[st.ID] = true
		}
		for _, it := range st.Items {
			if it.ID == "" {
				continue
			}
			if prev, ok := itemIDs[it.ID]; ok {
				problems = append(problems, fmt.Sprintf("duplicate item id %q in stages %q and %q", it.ID, prev, st.ID))
				continue
			}
			itemIDs[it.ID] = st.ID
		}
	}

	if len(problems) > 0 {
		return &InvalidError{Problems: problems}
	}
	return nil
}

// describe renders a field error as "stages[0].items[2].kind: must be one of
// inquiry statement".
func describe(fe validator.FieldError) string {
	_, path, _ := strings.Cut(fe.Namespace(), ".")
	switch fe.Tag() {
	case "required", "notblank":
		return path + ": is required"
	case "identifier":
		return fmt.Sprintf("%s: %q is not a valid identifier", path, fe.Value())
	case "oneof":
		return fmt.Sprintf("%s: %q must be one of %s", path, fe.Value(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s: must be >= %s", path, fe.Param())
	default:
		return fmt.Sprintf("%s: failed %s", path, fe.Tag())
	}
}
