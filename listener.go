package sketch

// Listener observes the lifecycle of one Execute call. Callbacks run on the
// calling goroutine.
type Listener interface {
	OnStart(req *Request)
	OnSuccess(req *Request, res *Result)
	OnError(req *Request, err error)
}

// ProgressListener observes a network download. total is negative when the
// length is unknown.
type ProgressListener interface {
	OnProgress(req *Request, total, completed int64)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Start   func(req *Request)
	Success func(req *Request, res *Result)
	Error   func(req *Request, err error)
}

func (l ListenerFuncs) OnStart(req *Request) {
	if l.Start != nil {
		l.Start(req)
	}
}

func (l ListenerFuncs) OnSuccess(req *Request, res *Result) {
	if l.Success != nil {
		l.Success(req, res)
	}
}

func (l ListenerFuncs) OnError(req *Request, err error) {
	if l.Error != nil {
		l.Error(req, err)
	}
}

// ProgressFunc adapts a function to ProgressListener.
type ProgressFunc func(req *Request, total, completed int64)

func (f ProgressFunc) OnProgress(req *Request, total, completed int64) {
	f(req, total, completed)
}
