package drive

import (
	"context"

	"github.com/marmos91/dittodrive/internal/logger"
)

// undoLog records the compensating action of every step of a multi-step
// mutation. On failure, rollback replays them newest first.
//
// In-memory inverses cannot fail. Persistence inverses (deleting a record
// that was just written, moving chunks back) can; their failures are
// logged and the rollback carries on.
type undoLog struct {
	op      string
	actions []undoAction
}

type undoAction struct {
	desc string
	fn   func(ctx context.Context) error
}

func newUndoLog(op string) *undoLog {
	return &undoLog{op: op}
}

// push registers an in-memory inverse.
func (u *undoLog) push(desc string, fn func()) {
	u.actions = append(u.actions, undoAction{desc: desc, fn: func(context.Context) error {
		fn()
		return nil
	}})
}

// pushIO registers an inverse that touches a backend.
func (u *undoLog) pushIO(desc string, fn func(ctx context.Context) error) {
	u.actions = append(u.actions, undoAction{desc: desc, fn: fn})
}

// rollback replays the log in reverse and empties it.
//
// The context is detached from cancellation: a caller giving up must not
// leave the tree half rolled back.
func (u *undoLog) rollback(ctx context.Context) {
	if len(u.actions) == 0 {
		return
	}
	logger.Warn("%s: rolling back %d step(s)", u.op, len(u.actions))

	ctx = context.WithoutCancel(ctx)
	for i := len(u.actions) - 1; i >= 0; i-- {
		a := u.actions[i]
		if err := a.fn(ctx); err != nil {
			logger.Warn("%s: undo %q failed: %v", u.op, a.desc, err)
		}
	}
	u.actions = nil
}

// len returns the number of registered actions.
func (u *undoLog) len() int {
	return len(u.actions)
}
