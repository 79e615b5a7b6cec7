// Package debuglog is the tracing channel for the node's hot paths. It is
// silent unless BITMESH_DEBUG is set truthy; link readers and the relay
// pipeline log through it without ever blocking on a slow terminal.
package debuglog

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

const queueCap = 2048

var (
	enabledOnce sync.Once
	enabledFlag bool

	startOnce sync.Once
	queue     chan string
	began     = time.Now()

	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func enabled() bool {
	enabledOnce.Do(func() {
		switch strings.ToLower(os.Getenv("BITMESH_DEBUG")) {
		case "1", "true", "yes", "on":
			enabledFlag = true
		}
	})
	return enabledFlag
}

func start() {
	startOnce.Do(func() {
		queue = make(chan string, queueCap)
		go func() {
			for msg := range queue {
				_, _ = os.Stderr.WriteString(msg)
			}
		}()
	})
}

// Logf always reaches stderr. With tracing on it rides the async queue and
// carries the time since process start, so interleaved link traces line up.
func Logf(format string, args ...any) {
	if !enabled() {
		_, _ = os.Stderr.WriteString(fmt.Sprintf(format+"\n", args...))
		return
	}
	msg := fmt.Sprintf("[%9.3fs] "+format+"\n",
		append([]any{time.Since(began).Seconds()}, args...)...)
	start()
	select {
	case queue <- msg:
	default:
		// Saturated queue: drop rather than stall a link reader.
	}
}

// Debugf logs only when tracing is on.
func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	Logf(format, args...)
}

// Scope returns a Debugf whose messages carry a subsystem prefix.
func Scope(name string) func(format string, args ...any) {
	prefix := name + ": "
	return func(format string, args ...any) {
		if !enabled() {
			return
		}
		Logf(prefix+format, args...)
	}
}

// RateLimitedf suppresses repeats of the same key within interval. Meant for
// failure loops such as redials, where every iteration would say the same
// thing.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	if now.Sub(rlLast[key]) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Logf(format, args...)
}
