package errors

import "fmt"

// Error codes for the binder contracts. Keep stable; used across adapters and the binder.
const (
	ErrCodeBrokerUnavailable    = "binder.broker_unavailable"
	ErrCodeBindingFailed        = "binder.binding_failed"
	ErrCodeSendFailed           = "binder.send_failed"
	ErrCodeDeliveryFailed       = "binder.delivery_failed"
	ErrCodeUnbindFailed         = "binder.unbind_failed"
	ErrCodeChannelClosed        = "binder.channel_closed"
	ErrCodeSubscriptionNotFound = "binder.subscription_not_found"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrBrokerUnavailable    = Code(ErrCodeBrokerUnavailable)
	ErrBindingFailed        = Code(ErrCodeBindingFailed)
	ErrSendFailed           = Code(ErrCodeSendFailed)
	ErrDeliveryFailed       = Code(ErrCodeDeliveryFailed)
	ErrUnbindFailed         = Code(ErrCodeUnbindFailed)
	ErrChannelClosed        = Code(ErrCodeChannelClosed)
	ErrSubscriptionNotFound = Code(ErrCodeSubscriptionNotFound)
)

// BindingFailed returns an error matching ErrBindingFailed that carries a reason.
func BindingFailed(reason string) error {
	return fmt.Errorf("%w: %s", ErrBindingFailed, reason)
}

// BrokerUnavailable returns an error matching ErrBrokerUnavailable that carries a reason.
func BrokerUnavailable(reason string) error {
	return fmt.Errorf("%w: %s", ErrBrokerUnavailable, reason)
}
