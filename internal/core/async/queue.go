package async

import (
	"context"
	"errors"
	"time"

	"github.com/joseph-ayodele/underwriting-pipeline/constants"
)

var ErrQueueClosed = errors.New("queue is shutting down")

// Job asks for one pipeline run over a bronze file.
type Job struct {
	Path        string
	WriteMode   constants.WriteMode
	Dispatch    bool
	SubmittedAt time.Time
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Shutdown(ctx context.Context)
}
