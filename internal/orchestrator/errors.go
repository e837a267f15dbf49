package orchestrator

import "errors"

var (
	ErrConfig = errors.New("invalid pool configuration")

	ErrInvocation = errors.New("remote invocation failed")

	ErrLaunchTimeout = errors.New("worker did not connect within agent timeout")

	ErrLaunchCancelled = errors.New("launch cancelled")

	ErrDeregistration = errors.New("worker deregistration failed")

	ErrIllegalTransition = errors.New("illegal launch state transition")

	ErrAlreadyInvoked = errors.New("worker already invoked")

	ErrNodeNotFound = errors.New("node not found")
)
