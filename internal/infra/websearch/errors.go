package websearch

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/dvloznov/merchant-categorizer/internal/categorizer"
)

// classifyTransportError marks network timeouts as transient. Context
// cancellation is passed through untouched so the caller sees its own deadline.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", categorizer.ErrTransient, err)
	}
	return err
}
