package task

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks structural validity of a task: everything the tag language
// can express plus the kind-specific action rules.
func (t *Task) Validate() error {
	if err := validate.Struct(t); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid task: %s", strings.Join(parts, "; "))
		}
		return fmt.Errorf("invalid task: %w", err)
	}

	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return fmt.Errorf("invalid task %s: depends on itself", t.ID)
		}
	}

	if t.Action.Kind == KindFunc && len(t.Action.Args) > 0 {
		return fmt.Errorf("invalid task %s: func actions take a payload, not args", t.ID)
	}

	return nil
}
