package work

import (
	"errors"
)

// ErrEmptyChain is returned by Chain when every group is nil
var ErrEmptyChain = errors.New("no non-nil steps specified")

// InsertionPoint names a position in a chain before which a step can be inserted
type InsertionPoint string

// Pointed is implemented by steps that declare their insertion point explicitly
type Pointed interface {
	InsertionPoint() InsertionPoint
}

// PointOf returns the insertion point of step: the declared one when the step
// implements Pointed, otherwise its unqualified type name
func PointOf(step Step) InsertionPoint {
	if p, ok := step.(Pointed); ok {
		return p.InsertionPoint()
	}
	return InsertionPoint(typeName(step))
}

// Chain joins the given step groups into a single chain and returns its head.
// Leading nil groups are skipped. A group that shares any step with the chain
// built so far is not spliced, so the result is always acyclic.
func Chain(groups ...Step) (Step, error) {
	start := firstNonNil(groups)
	if start >= len(groups) {
		return nil, ErrEmptyChain
	}

	head := groups[start]
	for _, group := range groups[start+1:] {
		if group != nil {
			addLink(head, group)
		}
	}
	return head, nil
}

// MustChain is Chain for statically known, non-empty groups
func MustChain(groups ...Step) Step {
	head, err := Chain(groups...)
	if err != nil {
		panic(err)
	}
	return head
}

// InsertBefore splices step into the chain starting at head, immediately
// before the first successor whose insertion point equals point. When no step
// matches, step is appended at the end. The head itself is never a candidate.
// A step that is already part of the chain is left where it is and
// InsertBefore reports false.
func InsertBefore(head Step, step Step, point InsertionPoint) bool {
	if head == nil || step == nil || contains(head, step) {
		return false
	}
	s := head
	for s.Next() != nil && !matchesPoint(s.Next(), point) {
		s = s.Next()
	}
	step.base().next = s.Next()
	s.base().next = step
	return true
}

// Steps returns the steps of the chain starting at head, in order
func Steps(head Step) []Step {
	var steps []Step
	for s := head; s != nil; s = s.Next() {
		steps = append(steps, s)
	}
	return steps
}

func contains(head, step Step) bool {
	for s := head; s != nil; s = s.Next() {
		if s == step {
			return true
		}
	}
	return false
}

func matchesPoint(step Step, point InsertionPoint) bool {
	return point != "" && PointOf(step) == point
}

func firstNonNil(groups []Step) int {
	for i, g := range groups {
		if g != nil {
			return i
		}
	}
	return len(groups)
}

func addLink(head, group Step) {
	if last := lastStepIfNoDuplicate(head, group); last != nil {
		last.base().next = group
	}
}

// lastStepIfNoDuplicate returns the last step of head's chain, or nil when any
// step of head's chain also appears in group's chain
func lastStepIfNoDuplicate(head, group Step) Step {
	inGroup := make(map[Step]struct{})
	for s := group; s != nil; s = s.Next() {
		inGroup[s] = struct{}{}
	}

	s := head
	for {
		if _, dup := inGroup[s]; dup {
			return nil
		}
		if s.Next() == nil {
			return s
		}
		s = s.Next()
	}
}
