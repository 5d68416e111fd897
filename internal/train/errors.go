package train

import "fmt"

// DivergedTrainingError reports a non-finite loss. Batch is zero when the
// loss came from validation.
type DivergedTrainingError struct {
	Epoch int
	Batch int
	Loss  float64
}

func (e *DivergedTrainingError) Error() string {
	if e.Batch == 0 {
		return fmt.Sprintf("training diverged: validation loss is %v after epoch %d", e.Loss, e.Epoch)
	}
	return fmt.Sprintf("training diverged: loss is %v at epoch %d batch %d", e.Loss, e.Epoch, e.Batch)
}
