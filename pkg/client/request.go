package client

import (
	"context"

	"github.com/cuemby/steward/pkg/metrics"
	"github.com/cuemby/steward/pkg/work"
	"github.com/pkg/errors"
)

// Call performs one API request with the fiber's context
type Call func(ctx context.Context, c PodClient) Response

// Handler decides how the chain continues once a response arrived
type Handler func(packet *work.Packet, resp Response, next work.Step) work.NextAction

// Request is a step that performs an API call without holding a pool worker.
// The fiber suspends while the call runs on its own goroutine and resumes
// with the handler once the response arrives.
type Request struct {
	work.Base
	name    string
	call    Call
	handler Handler
}

// RequestStep builds a Request named name. A nil handler uses DefaultHandler.
func RequestStep(name string, call Call, handler Handler, next work.Step) *Request {
	if handler == nil {
		handler = DefaultHandler
	}
	return &Request{Base: work.NewBase(next), name: name, call: call, handler: handler}
}

// Detail returns the request name
func (s *Request) Detail() string {
	return s.name
}

// Apply suspends the fiber and issues the call
func (s *Request) Apply(packet *work.Packet) work.NextAction {
	c, ok := FromPacket(packet)
	if !ok {
		return work.DoTerminate(errors.Errorf("%s: no pod client in packet", s.name), packet)
	}

	return work.DoSuspend(packet, func(f *work.Fiber, resume work.Resumer) {
		go func() {
			timer := metrics.NewTimer()
			resp := s.call(f.Context(), c)
			timer.ObserveDurationVec(metrics.APIRequestDuration, s.name)
			metrics.APIRequestsTotal.WithLabelValues(s.name, outcome(resp)).Inc()
			resume(work.DoNext(&responseStep{
				Base:    work.NewBase(s.Next()),
				request: s,
				resp:    resp,
			}, packet))
		}()
	})
}

// responseStep hands a response to the request's handler. Resuming through a
// step keeps the cancellation check in front of the handler.
type responseStep struct {
	work.Base
	request *Request
	resp    Response
}

func (s *responseStep) Apply(packet *work.Packet) work.NextAction {
	return s.request.handler(packet, s.resp, s.Next())
}

func (s *responseStep) Detail() string {
	return s.request.name
}

// DefaultHandler continues with next on success or not-found and terminates
// the fiber on any other error
func DefaultHandler(packet *work.Packet, resp Response, next work.Step) work.NextAction {
	if resp.Err != nil {
		return work.DoTerminate(Failure(resp), packet)
	}
	return work.DoNext(next, packet)
}

// Failure wraps the error of a failed response with its status code and a stack
func Failure(resp Response) error {
	return errors.Wrapf(resp.Err, "request failed with status %d", resp.StatusCode)
}

func outcome(resp Response) string {
	switch {
	case resp.Err != nil:
		return "error"
	case resp.IsNotFound():
		return "not_found"
	default:
		return "success"
	}
}
