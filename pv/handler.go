package pv

// Handler is the application hook invoked by a SharedPV.
//
// Put and RPC receive the operation and must complete it exactly once, either
// before returning or later from another goroutine. Returning an error while
// the operation is still pending fails it with a HandlerFault. Handlers may
// call Post, Open and Close on pv synchronously; the PV lock is not held
// while a handler runs. A put or rpc submitted to pv from inside a handler is
// dispatched only after the handler returns, so the handler must not Wait
// for it.
type Handler interface {
	Put(pv *SharedPV, op *Operation) error
	RPC(pv *SharedPV, op *Operation) error
	OnFirstSubscriber(pv *SharedPV)
	OnLastSubscriberGone(pv *SharedPV)
}

// DefaultHandler rejects puts and rpcs with ErrNotSupported and ignores
// subscriber changes. Embed it to override a subset of the hooks.
type DefaultHandler struct{}

// Put fails op with ErrNotSupported.
func (DefaultHandler) Put(_ *SharedPV, op *Operation) error {
	op.Fail(ErrNotSupported)
	return nil
}

// RPC fails op with ErrNotSupported.
func (DefaultHandler) RPC(_ *SharedPV, op *Operation) error {
	op.Fail(ErrNotSupported)
	return nil
}

func (DefaultHandler) OnFirstSubscriber(*SharedPV)    {}
func (DefaultHandler) OnLastSubscriberGone(*SharedPV) {}

// HandlerFuncs adapts plain functions to the Handler interface. Nil fields
// fall back to DefaultHandler.
type HandlerFuncs struct {
	PutFunc                func(pv *SharedPV, op *Operation) error
	RPCFunc                func(pv *SharedPV, op *Operation) error
	FirstSubscriberFunc    func(pv *SharedPV)
	LastSubscriberGoneFunc func(pv *SharedPV)
}

func (h HandlerFuncs) Put(pv *SharedPV, op *Operation) error {
	if h.PutFunc == nil {
		return DefaultHandler{}.Put(pv, op)
	}
	return h.PutFunc(pv, op)
}

func (h HandlerFuncs) RPC(pv *SharedPV, op *Operation) error {
	if h.RPCFunc == nil {
		return DefaultHandler{}.RPC(pv, op)
	}
	return h.RPCFunc(pv, op)
}

func (h HandlerFuncs) OnFirstSubscriber(pv *SharedPV) {
	if h.FirstSubscriberFunc != nil {
		h.FirstSubscriberFunc(pv)
	}
}

func (h HandlerFuncs) OnLastSubscriberGone(pv *SharedPV) {
	if h.LastSubscriberGoneFunc != nil {
		h.LastSubscriberGoneFunc(pv)
	}
}
