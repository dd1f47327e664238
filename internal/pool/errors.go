package pool

import "github.com/pkg/errors"

var (
	errPoolClosed      = errors.New("pool: closed")
	errTooManyRestarts = errors.New("pool: exceeded maximum stale-wasm restart retries")
)
