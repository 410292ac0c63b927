package order

import "errors"

var ErrTokenReused = errors.New("order: token already passed the gate")
