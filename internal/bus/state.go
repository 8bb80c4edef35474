package bus

// TaskState is stored in the tasks.state smallint column. The numeric order
// is load-bearing: SQL predicates compare against it (state < StateActive
// selects startable rows, state < StateExpired bounds singleton uniqueness),
// so the values must not be renumbered.
type TaskState int16

const (
	StateCreated   TaskState = 0
	StateRetry     TaskState = 1
	StateActive    TaskState = 2
	StateCompleted TaskState = 3
	StateExpired   TaskState = 4
	StateCancelled TaskState = 5
	StateFailed    TaskState = 6
)

func (s TaskState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRetry:
		return "retry"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateExpired:
		return "expired"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s TaskState) IsValid() bool {
	return s >= StateCreated && s <= StateFailed
}

// Terminal reports whether the state can never transition again. Terminal
// rows live in the archive, not the active table.
func (s TaskState) Terminal() bool {
	switch s {
	case StateCompleted, StateExpired, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}
