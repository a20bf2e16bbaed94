package runtime

import (
	"fmt"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/pkg/models"
)

func unrecognizedEventType(t models.EventType) error {
	return errs.New(errs.KindLogic, fmt.Sprintf("no processor registered for event type %q", t))
}
