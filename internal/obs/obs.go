package obs

import "time"

type CallEvent struct {
	RequestID     string
	Method        string
	URL           string
	Headers       map[string]string
	Outcome       string
	Status        int
	Duration      time.Duration
	Bytes         int
	ErrorCategory string
	Err           error
}
