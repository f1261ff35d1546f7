package supervisor

import (
	"context"
	"fmt"
)

// Run connects, calls f with the live handle, and disconnects whatever f returns.
// A failed attempt returns an error wrapping the outcome's sentinel, e.g. ErrInitializationRejected.
func (s *Supervisor) Run(ctx context.Context, req ConnectionRequest, f func(ctx context.Context, h *Handle) error) error {
	out, err := s.Connect(ctx, req)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	if err := out.Err(); err != nil {
		return fmt.Errorf("connecting to %q: %w", s.imageName, err)
	}
	defer s.Disconnect(context.WithoutCancel(ctx), out.Handle)
	return f(ctx, out.Handle)
}
