package utils

import "time"

/**
 * StartTimer create a timer trigger per interval, and return a function
 * that stops the trigger and releases it.
 */
func StartTimer(interval time.Duration, f func(time.Time)) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		for {
			select {
			case now := <-ticker.C:
				f(now)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(done)
		}
	}
}
