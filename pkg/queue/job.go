package queue

// Job is a message in a processing attempt.
// A transform may set per-job results,
// jobs without an explicit result count as successful.
type Job[T any] struct {
	Message T
	result  Result
}

// NewJob wraps a message.
func NewJob[T any](msg T) *Job[T] {
	return &Job[T]{Message: msg}
}

// Result returns the current result.
func (j *Job[T]) Result() Result { return j.result }

// SetResult replaces the current result.
func (j *Job[T]) SetResult(r Result) { j.result = r }

func newJobs[T any](msgs []T) []*Job[T] {
	jobs := make([]*Job[T], len(msgs))
	for i, msg := range msgs {
		jobs[i] = NewJob(msg)
	}
	return jobs
}
