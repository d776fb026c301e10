package chat

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrDuplicateUser    = errors.New("username already exists")
	ErrUnknownUser      = errors.New("no such user")
	ErrUnknownSender    = fmt.Errorf("sender: %w", ErrUnknownUser)
	ErrUnknownReceiver  = fmt.Errorf("receiver: %w", ErrUnknownUser)
	ErrBadCredential    = errors.New("incorrect password")
	ErrStoreUnavailable = errors.New("store unavailable")
)
