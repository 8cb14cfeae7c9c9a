package delivery

import (
	"context"
	"sync"
	"sync/atomic"
)

// Receipt tracks one envelope handed to Send.
type Receipt struct {
	seq  atomic.Uint64
	once sync.Once
	done chan struct{}
	err  error
}

func newReceipt() *Receipt {
	return &Receipt{done: make(chan struct{})}
}

// Seq returns the sequence number assigned to the envelope, zero while it is
// still queued.
func (r *Receipt) Seq() uint64 {
	return r.seq.Load()
}

// Done is closed once the envelope was acknowledged or abandoned.
func (r *Receipt) Done() <-chan struct{} {
	return r.done
}

// Err returns nil once the envelope was acknowledged and a
// *DeliveryFailedError once it was abandoned. It must only be called after
// Done is closed.
func (r *Receipt) Err() error {
	return r.err
}

// Wait blocks until the envelope is acknowledged, abandoned, or ctx is done.
func (r *Receipt) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Receipt) resolve(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}
