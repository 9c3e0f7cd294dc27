package query

import "time"

// Recorder receives instrumentation signals from the cache, executor and
// mutation controller. Scope labels are Key.Scope values or mutation names,
// never full keys, so implementations can use them as metric labels.
type Recorder interface {
	FetchStarted(scope string)
	FetchCompleted(scope string, d time.Duration, err error)
	FetchShared(scope string)
	FetchDiscarded(scope string)
	MutationSettled(name string, status MutationStatus, d time.Duration)
	Invalidated(matched int)
}

// NopRecorder discards all signals.
type NopRecorder struct{}

func (NopRecorder) FetchStarted(string)                                   {}
func (NopRecorder) FetchCompleted(string, time.Duration, error)           {}
func (NopRecorder) FetchShared(string)                                    {}
func (NopRecorder) FetchDiscarded(string)                                 {}
func (NopRecorder) MutationSettled(string, MutationStatus, time.Duration) {}
func (NopRecorder) Invalidated(int)                                       {}
