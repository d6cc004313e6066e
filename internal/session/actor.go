package session

import "context"

// actor serializes all mutations to one session so that status
// transitions, message appends, and question resolution are applied in
// a deterministic order even when they arrive concurrently from the
// relay's inbound and outbound pumps.
type actor struct {
	work chan func(context.Context)
	done chan struct{}
}

func newActor() *actor {
	a := &actor{
		work: make(chan func(context.Context), 64),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *actor) run() {
	ctx := context.Background()
	for {
		select {
		case fn, ok := <-a.work:
			if !ok {
				return
			}
			fn(ctx)
		case <-a.done:
			return
		}
	}
}

// submit enqueues fn for serialized execution. Blocks if the actor's
// queue is full, which back-pressures the caller rather than silently
// reordering work.
func (a *actor) submit(fn func(context.Context)) {
	select {
	case a.work <- fn:
	case <-a.done:
	}
}

func (a *actor) stop() {
	select {
	case <-a.done:
	default:
		close(a.done)
	}
}
