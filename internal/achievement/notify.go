package achievement

import "context"

// Notifier observes unlocks. Implementations must not block for long; they
// run on the caller's goroutine after progress has been saved.
type Notifier interface {
	OnUnlock(ctx context.Context, a Achievement)
}

type NotifierFunc func(ctx context.Context, a Achievement)

func (f NotifierFunc) OnUnlock(ctx context.Context, a Achievement) { f(ctx, a) }

// MultiNotifier fans one unlock out to several notifiers in order.
type MultiNotifier []Notifier

func (m MultiNotifier) OnUnlock(ctx context.Context, a Achievement) {
	for _, n := range m {
		if n != nil {
			n.OnUnlock(ctx, a)
		}
	}
}
