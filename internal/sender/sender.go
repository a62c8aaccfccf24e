// Package sender delivers one rendered reminder to one contact.
//
// Senders never retry; they only classify failures. The dispatch loop owns
// retry and idempotency.
package sender

import (
	"context"
	"errors"
	"fmt"
)

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, contact, message string) error
}

// Func adapts a plain function to Sender.
type Func func(ctx context.Context, contact, message string) error

func (f Func) Send(ctx context.Context, contact, message string) error { return f(ctx, contact, message) }

// Kind classifies a delivery failure.
type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

type deliveryError struct {
	kind Kind
	err  error
}

func (e *deliveryError) Error() string { return fmt.Sprintf("%s delivery error: %v", e.kind, e.err) }
func (e *deliveryError) Unwrap() error { return e.err }

// Transient marks err as retryable (provider outage, network, timeout).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &deliveryError{kind: KindTransient, err: err}
}

// Permanent marks err as not worth retrying (invalid recipient).
//
//	return sender.Permanent(fmt.Errorf("unknown chat %q", contact))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &deliveryError{kind: KindPermanent, err: err}
}

// Classify returns the failure kind of err. Unmarked errors are transient:
// giving a reminder another chance is safer than dropping it.
func Classify(err error) Kind {
	var de *deliveryError
	if errors.As(err, &de) {
		return de.kind
	}
	return KindTransient
}

func IsPermanent(err error) bool { return err != nil && Classify(err) == KindPermanent }
