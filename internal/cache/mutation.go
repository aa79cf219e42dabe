package cache

import "context"

// Mutation is the pending result of Cache.Mutate.
type Mutation struct {
	Key string

	done chan struct{}
	err  error
}

func newMutation(key string) *Mutation {
	return &Mutation{Key: key, done: make(chan struct{})}
}

// Done is closed once the mutation is confirmed or rolled back.
func (m *Mutation) Done() <-chan struct{} {
	return m.done
}

// Err returns nil until Done is closed, then the failure if the mutation was
// rolled back. A failure is always a *RequestFailure or *ValidationFailure.
func (m *Mutation) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

// Wait blocks until the mutation resolves or ctx is canceled. Canceling ctx
// does not cancel the mutation.
func (m *Mutation) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mutation) finish(err error) {
	m.err = err
	close(m.done)
}
