package jobs

import (
	"fmt"

	"github.com/google/uuid"
)

// DeliveryError is the failure reported for a job. Err is the root cause:
// a synthesis error or the delivery error itself.
type DeliveryError struct {
	JobID uuid.UUID
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("job %s: %v", e.JobID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
