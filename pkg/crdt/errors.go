package crdt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/astromechza/replistore/pkg/stamp"
)

var (
	// ErrTypeMismatch is returned when a field is written or merged with a
	// kind other than the one it was first written with.
	ErrTypeMismatch = errors.New("crdt kind mismatch")

	// ErrStampCollision signals two writes carrying the same stamp but
	// different values. It means stamp allocation is broken upstream.
	ErrStampCollision = errors.New("causal stamp collision")

	ErrUnsupportedValue = errors.New("unsupported register value")
)

type TypeMismatchError struct {
	Path []string
	Have Kind
	Want Kind
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("field %q is a %s, not a %s", strings.Join(e.Path, "."), e.Have, e.Want)
}

func (e *TypeMismatchError) Is(target error) bool {
	return target == ErrTypeMismatch
}

type StampCollisionError struct {
	Path  []string
	Stamp stamp.Stamp
	Left  any
	Right any
}

func (e *StampCollisionError) Error() string {
	return fmt.Sprintf("stamp %s at %q carries two values: %v and %v", e.Stamp, strings.Join(e.Path, "."), e.Left, e.Right)
}

func (e *StampCollisionError) Is(target error) bool {
	return target == ErrStampCollision
}
