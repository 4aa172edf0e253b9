package checklist

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// CardField is one slot of the client card filled from the conversation.
// Hint tells the oracle what counts as a value.
type CardField struct {
	ID    string `yaml:"id" json:"id" validate:"required,identifier"`
	Label string `yaml:"label" json:"label" validate:"notblank"`
	Hint  string `yaml:"hint" json:"hint,omitempty"`
}

// DefaultCardFields returns the trial-class client card.
func DefaultCardFields() []CardField {
	return []CardField{
		{ID: "child_name", Label: "Child's Name", Hint: "The child's first name as the parent introduces it"},
		{ID: "parent_name", Label: "Parent's Name", Hint: "How the parent introduces themself, e.g. Papa Budi"},
		{ID: "child_age", Label: "Age / Grade", Hint: "Age in years or school grade of the child"},
		{ID: "child_interests", Label: "Interests", Hint: "Games, hobbies or topics the child enjoys"},
		{ID: "parent_goal", Label: "Parent's Goal", Hint: "What the parent hopes the child gains from lessons"},
		{ID: "coding_experience", Label: "Coding Experience", Hint: "Any coding or robotics the child has done before"},
		{ID: "source", Label: "How They Found Us", Hint: "Referral, social media or other channel that led them here"},
	}
}

type cardDocument struct {
	Fields []CardField `yaml:"fields" json:"fields" validate:"dive"`
}

// ValidateCardFields reports every problem in a client card configuration.
// Failures wrap ErrConfigurationInvalid.
func ValidateCardFields(fields []CardField) error {
	var problems []string
	if len(fields) == 0 {
		problems = append(problems, "client card needs at least one field")
	}

	if err := structureValidate.Struct(cardDocument{Fields: fields}); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrConfigurationInvalid, err)
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}

	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.ID == "" {
			continue
		}
		if seen[f.ID] {
			problems = append(problems, fmt.Sprintf("duplicate card field id %q", f.ID))
		}
		seen[f.ID] = true
	}

	if len(problems) > 0 {
		return &InvalidError{Problems: problems}
	}
	return nil
}
