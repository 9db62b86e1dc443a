package chain

import (
	"context"
	"errors"
	"testing"
)

func TestIsTransient(t *testing.T) {
	t.Parallel()

	transient := []error{
		errors.New("429 Too Many Requests"),
		errors.New("rate limit exceeded"),
		errors.New("i/o timeout"),
		errors.New("connection reset by peer"),
		errors.New("502 Bad Gateway"),
		context.DeadlineExceeded,
	}
	for _, err := range transient {
		if !isTransient(err) {
			t.Errorf("%q should be transient", err)
		}
	}

	permanent := []error{
		errors.New("method not found"),
		errors.New("invalid argument"),
		context.Canceled,
	}
	for _, err := range permanent {
		if isTransient(err) {
			t.Errorf("%q should not be transient", err)
		}
	}
}

func TestIsTooLarge(t *testing.T) {
	t.Parallel()

	for _, msg := range []string{
		"query returned more than 10000 results",
		"response size exceeded",
		"block range is too large",
	} {
		if !isTooLarge(errors.New(msg)) {
			t.Errorf("%q should classify as too-large", msg)
		}
	}
	if isTooLarge(errors.New("execution reverted")) {
		t.Error("revert misclassified as too-large")
	}
	if isTooLarge(nil) {
		t.Error("nil misclassified")
	}
}

func TestFatalErrorUnwraps(t *testing.T) {
	t.Parallel()
	inner := errors.New("no base fee")
	err := &FatalError{Err: inner}

	if !errors.Is(err, inner) {
		t.Error("FatalError must unwrap to its cause")
	}
	var fatal *FatalError
	if !errors.As(error(err), &fatal) {
		t.Error("errors.As failed on FatalError")
	}
}
