package gateway

import "errors"

var (
	// ErrModelNotFound means no registered backend serves the model.
	ErrModelNotFound = errors.New("model not found")
	// ErrImageGenNotSupported means the resolved model cannot generate images.
	ErrImageGenNotSupported = errors.New("model does not support image generation")
	// ErrChatNotSupported means the resolved model cannot serve chat.
	ErrChatNotSupported = errors.New("model does not support chat")
)
