package invoker

import "errors"

var (
	ErrImagePullFailed = errors.New("image pull failed")

	ErrContainerStartFailed = errors.New("container start failed")

	ErrUnknownProvider = errors.New("unknown provider")
)
