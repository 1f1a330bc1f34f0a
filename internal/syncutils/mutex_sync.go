//go:build !deadlock

// Package syncutils swaps in lock-order checking under the deadlock build tag.
package syncutils

import "sync"

type Mutex struct {
	sync.Mutex
}
