package work

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Step is one node of a singly linked chain of work. Apply inspects and mutates
// the packet and returns the action the fiber should take next; a step never
// invokes another step directly.
type Step interface {
	Apply(packet *Packet) NextAction
	Next() Step
	base() *Base
}

// Base holds the successor of a step. Every step embeds it.
type Base struct {
	next Step
}

// NewBase returns a Base linked to next; nil marks a terminal step
func NewBase(next Step) Base {
	return Base{next: next}
}

// Next returns the successor step
func (b *Base) Next() Step {
	return b.next
}

// DoNext continues with the successor of this step
func (b *Base) DoNext(packet *Packet) NextAction {
	return DoNext(b.next, packet)
}

func (b *Base) base() *Base {
	return b
}

// Detailer is implemented by steps that add detail to their name
type Detailer interface {
	Detail() string
}

// StepFunc adapts a function into a step
type StepFunc struct {
	Base
	name string
	fn   func(s *StepFunc, packet *Packet) NextAction
}

// Func builds a step from fn. The step passed to fn is the step itself so that
// fn can continue with s.DoNext(packet) or retry with DoRetry(s, ...).
func Func(name string, fn func(s *StepFunc, packet *Packet) NextAction, next Step) *StepFunc {
	return &StepFunc{Base: NewBase(next), name: name, fn: fn}
}

// Apply runs the wrapped function
func (s *StepFunc) Apply(packet *Packet) NextAction {
	return s.fn(s, packet)
}

// Detail returns the name given to Func
func (s *StepFunc) Detail() string {
	return s.name
}

type actionKind int

const (
	actionNext actionKind = iota
	actionTerminate
	actionDelay
	actionForkJoin
	actionSuspend
)

func (k actionKind) String() string {
	switch k {
	case actionNext:
		return "next"
	case actionTerminate:
		return "terminate"
	case actionDelay:
		return "delay"
	case actionForkJoin:
		return "fork-join"
	case actionSuspend:
		return "suspend"
	default:
		return "unknown"
	}
}

// NextAction tells the fiber what to do after a step returns
type NextAction struct {
	kind      actionKind
	step      Step
	packet    *Packet
	delay     time.Duration
	children  []StepAndPacket
	err       error
	onSuspend func(f *Fiber, resume Resumer)
}

// IsEnd reports whether the action finishes the fiber without error
func (a NextAction) IsEnd() bool {
	return a.kind == actionNext && a.step == nil
}

// IsTerminate reports whether the action finishes the fiber with an error
func (a NextAction) IsTerminate() bool {
	return a.kind == actionTerminate
}

// IsDelay reports whether the action suspends the fiber on a timer
func (a NextAction) IsDelay() bool {
	return a.kind == actionDelay
}

// IsSuspend reports whether the action suspends the fiber on an external callback
func (a NextAction) IsSuspend() bool {
	return a.kind == actionSuspend
}

// IsForkJoin reports whether the action forks child fibers
func (a NextAction) IsForkJoin() bool {
	return a.kind == actionForkJoin
}

// Step returns the step the action continues with, if any
func (a NextAction) Step() Step {
	return a.step
}

// Delay returns the suspension delay of a delay action
func (a NextAction) Delay() time.Duration {
	return a.delay
}

// Children returns the fork-join children of a fork-join action
func (a NextAction) Children() []StepAndPacket {
	return a.children
}

// Err returns the terminal error of a terminate action
func (a NextAction) Err() error {
	return a.err
}

func (a NextAction) String() string {
	switch a.kind {
	case actionNext:
		if a.step == nil {
			return "end"
		}
		return "next " + Name(a.step)
	case actionDelay:
		return fmt.Sprintf("delay %s %s", a.delay, Name(a.step))
	case actionTerminate:
		return fmt.Sprintf("terminate %v", a.err)
	case actionForkJoin:
		return fmt.Sprintf("fork-join %d children", len(a.children))
	default:
		return a.kind.String()
	}
}

// StepAndPacket is a step to start together with the packet to start it with
type StepAndPacket struct {
	Step   Step
	Packet *Packet
}

// Fork pairs step with a shallow copy of packet for use as a fork-join child
func Fork(step Step, packet *Packet) StepAndPacket {
	return StepAndPacket{Step: step, Packet: packet.Copy()}
}

// DoNext continues the fiber with step; a nil step ends the fiber
func DoNext(step Step, packet *Packet) NextAction {
	return NextAction{kind: actionNext, step: step, packet: packet}
}

// DoEnd ends the fiber
func DoEnd(packet *Packet) NextAction {
	return DoNext(nil, packet)
}

// DoTerminate records err in the packet under KeyThrowable and ends the fiber
func DoTerminate(err error, packet *Packet) NextAction {
	packet.Put(KeyThrowable, err)
	return NextAction{kind: actionTerminate, packet: packet, err: err}
}

// DoRetry suspends the fiber and runs step again after delay
func DoRetry(step Step, packet *Packet, delay time.Duration) NextAction {
	return DoDelay(step, packet, delay)
}

// DoDelay suspends the fiber and resumes with step after delay
func DoDelay(step Step, packet *Packet, delay time.Duration) NextAction {
	return NextAction{kind: actionDelay, step: step, packet: packet, delay: delay}
}

// DoForkJoin starts each child as its own fiber and resumes with step and packet
// once every child has completed
func DoForkJoin(step Step, packet *Packet, children []StepAndPacket) NextAction {
	return NextAction{kind: actionForkJoin, step: step, packet: packet, children: children}
}

// Resumer continues the one suspension it was handed out for. It returns
// false, doing nothing, once that suspension was resumed or woken by
// cancellation, so a late call never wakes a later suspension of the fiber.
type Resumer func(action NextAction) bool

// DoSuspend suspends the fiber until onSuspend's asynchronous work calls
// resume. onSuspend runs after the fiber is marked suspended and must not block.
func DoSuspend(packet *Packet, onSuspend func(f *Fiber, resume Resumer)) NextAction {
	return NextAction{kind: actionSuspend, packet: packet, onSuspend: onSuspend}
}

// Name returns the step's unqualified type name without the "Step" suffix,
// followed by its detail when it has one
func Name(step Step) string {
	if step == nil {
		return "<nil>"
	}
	name := typeName(step)
	name = strings.TrimSuffix(name, "Step")
	if d, ok := step.(Detailer); ok && d.Detail() != "" {
		name += " (" + d.Detail() + ")"
	}
	return name
}

// Describe renders the chain starting at step as Name[Next[...]]
func Describe(step Step) string {
	if step == nil {
		return "<nil>"
	}
	var b strings.Builder
	depth := 0
	for s := step; s != nil; s = s.Next() {
		if depth > 0 {
			b.WriteString("[")
		}
		b.WriteString(Name(s))
		depth++
	}
	b.WriteString(strings.Repeat("]", depth-1))
	return b.String()
}

// IdentityHash returns a token identifying the step instance in logs
func IdentityHash(step Step) string {
	if step == nil {
		return "0"
	}
	return fmt.Sprintf("%x", reflect.ValueOf(step).Pointer())
}

func typeName(step Step) string {
	t := reflect.TypeOf(step)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
