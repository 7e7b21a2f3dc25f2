package safe

import (
	"notifyhub/logger"
)

// Go starts a goroutine that recovers from panics so a failing worker
// cannot take the process down with it.
func Go(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[%s] panic recovered: %v", name, r)
			}
		}()
		f()
	}()
}
