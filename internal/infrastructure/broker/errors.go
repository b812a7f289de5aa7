package broker

import "errors"

// Sentinel errors for broker operations. Use errors.Is to check.
var (
	// ErrNotRunning indicates an operation was attempted before Start
	// or after Close.
	ErrNotRunning = errors.New("broker: not running")

	// ErrPublishFailed indicates a message could not be delivered to
	// the broker's inline client.
	ErrPublishFailed = errors.New("broker: publish failed")

	// ErrInvalidTopic indicates a topic string failed validation.
	ErrInvalidTopic = errors.New("broker: invalid topic")
)
