package host

import (
	"context"
	"net"
)

func (h *Host) ServeListener(ctx context.Context, ln net.Listener) error {
	return h.serveListener(ctx, ln)
}
