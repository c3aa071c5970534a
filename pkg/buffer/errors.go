package buffer

import (
	"fmt"

	"github.com/c360/semrpc/errors"
)

// ErrClosed is returned by writes to, and drained reads from, a closed buffer
var ErrClosed = fmt.Errorf("buffer closed: %w", errors.ErrShuttingDown)
