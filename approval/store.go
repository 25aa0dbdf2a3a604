package approval

import "context"

// Store persists approval records so decisions survive a process restart
// and stay auditable. Resolve must only transition a pending record; a
// record that is already terminal is left untouched.
type Store interface {
	Create(ctx context.Context, rec Request) error
	Get(ctx context.Context, id string) (Request, bool, error)
	Resolve(ctx context.Context, id string, status Status, reviewer string, reason string) error
}
