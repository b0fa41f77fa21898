package background

// SetBeforeMark installs a hook that runs after a process starts and before
// its row is claimed.
func SetBeforeMark(q *Queue, fn func(taskID string)) {
	q.beforeMark = fn
}
