package pipeline

import "github.com/juju/errors"

// ErrPipeline is matched by every PipelineError.
const ErrPipeline = errors.ConstError("pipeline failed")
