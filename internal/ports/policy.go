package ports

import "time"

type Policy struct {
	MaxBatchSize      int
	MaxBufferedEvents int
	FlushInterval     time.Duration
	TickInterval      time.Duration

	OnSinkFailure string // "retry", "fatal"

	// MaxFlushRetries is the number of flush intervals with a failed sink
	// write, in a row, before the fatal policy gives up. Repeated attempts
	// inside one interval count once.
	MaxFlushRetries int
}
