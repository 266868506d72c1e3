//go:build !linux

package session

import "github.com/dalbodeule/hop-call/internal/logging"

func tuneSocket(any, logging.Logger) {}
