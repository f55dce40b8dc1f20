package fanout

import "github.com/hupe1980/quorum/core"

// Observer receives progress of a fan-out wave. Implementations must be
// fast; they run on the collecting goroutine.
type Observer interface {
	// OnStart is called once with the models that will be queried.
	OnStart(models []string)
	// OnResponse is called for every successful response; completed counts
	// the successes so far out of total candidates.
	OnResponse(resp core.ModelResponse, completed, total int)
	// OnFailure is called for every failed call.
	OnFailure(model string, err error)
	// OnDone is called once with the number of successes and candidates.
	OnDone(succeeded, total int)
}

// NopObserver ignores every callback.
type NopObserver struct{}

func (NopObserver) OnStart([]string)                        {}
func (NopObserver) OnResponse(core.ModelResponse, int, int) {}
func (NopObserver) OnFailure(string, error)                 {}
func (NopObserver) OnDone(int, int)                         {}

// ObserverFuncs adapts optional functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Start    func(models []string)
	Response func(resp core.ModelResponse, completed, total int)
	Failure  func(model string, err error)
	Done     func(succeeded, total int)
}

func (f ObserverFuncs) OnStart(models []string) {
	if f.Start != nil {
		f.Start(models)
	}
}

func (f ObserverFuncs) OnResponse(resp core.ModelResponse, completed, total int) {
	if f.Response != nil {
		f.Response(resp, completed, total)
	}
}

func (f ObserverFuncs) OnFailure(model string, err error) {
	if f.Failure != nil {
		f.Failure(model, err)
	}
}

func (f ObserverFuncs) OnDone(succeeded, total int) {
	if f.Done != nil {
		f.Done(succeeded, total)
	}
}
