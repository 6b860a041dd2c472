package channel

import (
	"time"

	"go.uber.org/zap"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/observability"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/protocol/codec"
)

type Options struct {
	// DefaultTimeout applies to invocations without WithTimeout; 0 means none.
	DefaultTimeout time.Duration
	Registry       *codec.Registry
	Metrics        *observability.Metrics
	Logger         *zap.Logger
}

// InvokeOption adjusts a single invocation.
type InvokeOption func(*invokeConfig)

type invokeConfig struct {
	timeout time.Duration
}

// WithTimeout bounds how long the caller waits for this invocation. On expiry
// the future rejects with TimedOut and a cancel is sent to the unit. Zero
// disables the channel default.
func WithTimeout(d time.Duration) InvokeOption {
	return func(c *invokeConfig) { c.timeout = d }
}
