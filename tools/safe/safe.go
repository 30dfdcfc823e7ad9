package safe

import (
	"chatrelay/logger"
)

// Go starts a goroutine that recovers from panics, so a misbehaving handler
// cannot take down the whole relay process.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] panic recovered: %v", r)
			}
		}()
		f()
	}()
}
