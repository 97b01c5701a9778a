package queue

import (
	"fmt"
	"reflect"
	"time"
)

// OpKind enumerates routing decisions.
type OpKind uint8

// Routing decisions.
const (
	OpClose OpKind = iota
	OpRetry
	OpTransfer
)

// Target is a named stage that accepts messages.
// Processors are targets.
type Target[T any] interface {
	Name() string
	Enqueue(msgs ...T)
}

// targetKey identifies a target in a map.
// Targets of a non-comparable type are told apart by type and name.
func targetKey[T any](target Target[T]) any {
	if target == nil {
		return nil
	}
	if reflect.TypeOf(target).Comparable() {
		return target
	}
	return targetIdentity{typ: reflect.TypeOf(target), name: target.Name()}
}

type targetIdentity struct {
	typ  reflect.Type
	name string
}

type opKey struct {
	kind   OpKind
	delay  time.Duration
	target any
}

func (o Op[T]) key() opKey {
	return opKey{kind: o.kind, delay: o.delay, target: targetKey(o.target)}
}

// Op is the routing decision for a processed message.
// The zero value closes the message.
type Op[T any] struct {
	kind   OpKind
	delay  time.Duration
	target Target[T]
}

// Close ends the life of a message.
func Close[T any]() Op[T] {
	return Op[T]{kind: OpClose}
}

// InstantRetry puts a message back into the processor it came from.
func InstantRetry[T any]() Op[T] {
	return Op[T]{kind: OpRetry}
}

// Retry puts a message back into the processor it came from after delay.
// It panics if delay is negative.
func Retry[T any](delay time.Duration) Op[T] {
	if delay < 0 {
		panic(fmt.Sprintf("queue: negative retry delay %s", delay))
	}
	return Op[T]{kind: OpRetry, delay: delay}
}

// TransferTo hands a message to another stage.
// It panics if target is nil.
func TransferTo[T any](target Target[T]) Op[T] {
	if target == nil {
		panic("queue: nil transfer target")
	}
	return Op[T]{kind: OpTransfer, target: target}
}

// Kind returns the routing decision.
func (o Op[T]) Kind() OpKind { return o.kind }

// Delay returns the retry delay.
func (o Op[T]) Delay() time.Duration { return o.delay }

// Target returns the transfer target.
func (o Op[T]) Target() Target[T] { return o.target }

func (o Op[T]) String() string {
	switch o.kind {
	case OpRetry:
		if o.delay == 0 {
			return "Retry"
		}
		return "Retry in " + o.delay.String()
	case OpTransfer:
		return "Transfer to " + o.target.Name()
	default:
		return "Close"
	}
}
