package sessions

import (
	"context"
	"sync"
)

// Store is the document-store contract editing clients rely on.
//
// Put overwrites the whole record. Patch merges the non-nil fields and fails with
// ErrSessionNotFound when the record is absent. Remove tolerates a missing id.
// BatchPatch applies one patch to every id atomically: either all records change or none do.
type Store interface {
	Put(ctx context.Context, session Session) error
	Patch(ctx context.Context, id SessionID, patch Patch) error
	Remove(ctx context.Context, id SessionID) error
	GetOnce(ctx context.Context, id SessionID) (Session, error)
	Subscribe(ctx context.Context, id SessionID) (Subscription[RecordSnapshot], error)
	SubscribeQuery(ctx context.Context, document DocumentRef) (Subscription[[]Session], error)
	BatchPatch(ctx context.Context, ids []SessionID, patch Patch) error
}

// Subscription is a cancellable live feed. The current value is delivered first,
// then the latest value after every change that affects it.
type Subscription[T any] interface {
	Updates() <-chan T
	// Cancel stops the feed. It is idempotent; once it returns the channel is closed.
	Cancel()
}

type feedSubscription[T any] struct {
	updates <-chan T
	cancel  context.CancelFunc
	done    <-chan struct{}
	once    sync.Once
}

// NewSubscription wraps a producer goroutine: updates is closed by the producer,
// which must also close done when it exits after cancel is called.
func NewSubscription[T any](updates <-chan T, cancel context.CancelFunc, done <-chan struct{}) Subscription[T] {
	return &feedSubscription[T]{updates: updates, cancel: cancel, done: done}
}

func (s *feedSubscription[T]) Updates() <-chan T {
	return s.updates
}

func (s *feedSubscription[T]) Cancel() {
	s.once.Do(func() {
		s.cancel()
	})
	<-s.done
}

// Deliver hands value to a latest-value channel of capacity one, replacing any
// undelivered older value. It returns false once ctx is done.
func Deliver[T any](ctx context.Context, stream chan T, value T) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case stream <- value:
			return true
		default:
		}
		select {
		case <-stream:
		default:
		}
	}
}
