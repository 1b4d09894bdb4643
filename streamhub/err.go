package streamhub

import "errors"

var (
	ErrConnClosed    = errors.New("connection closed")
	ErrSessionClosed = errors.New("session closed")
	ErrLinkClosed    = errors.New("link closed")
	ErrTimeout       = errors.New("timeout")

	ErrParseProto   = errors.New("parse proto")
	ErrEmptyTopic   = errors.New("empty topic")
	ErrTooManyLinks = errors.New("link id space exhausted")
	ErrInvalidRole  = errors.New("invalid link role")
	ErrNotReceiver  = errors.New("link is not a receiver")
	ErrNotSender    = errors.New("link is not a sender")
)
