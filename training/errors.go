package training

import "github.com/pkg/errors"

var (
	// ErrConfig reports an invalid run configuration.
	ErrConfig = errors.New("invalid training configuration")

	// ErrNonFiniteLoss reports a NaN or infinite loss. The video that
	// produced it is skipped; the run continues.
	ErrNonFiniteLoss = errors.New("non-finite loss")

	// ErrCheckpoint reports a checkpoint that could not be read or written.
	ErrCheckpoint = errors.New("checkpoint failure")
)

// classified attaches a sentinel kind to an underlying error without
// flattening it, so errors.Is matches both.
type classified struct {
	kind error
	err  error
}

func classify(kind, err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: kind, err: err}
}

func (c *classified) Error() string   { return c.kind.Error() + ": " + c.err.Error() }
func (c *classified) Unwrap() []error { return []error{c.kind, c.err} }
