package utils

import (
	"runtime"
	"strings"
	"time"
)

// Reporter is the subset of testing.TB the leak detector needs.
type Reporter interface {
	Helper()
	Errorf(format string, args ...interface{})
	Logf(format string, args ...interface{})
}

// GoroutineLeakDetector compares the goroutine count before and after a
// piece of work. Check polls until the count settles back to the baseline
// or the deadline passes, so goroutines that are still unwinding after a
// Close are not reported.
type GoroutineLeakDetector struct {
	r             Reporter
	baseline      int
	allowedGrowth int
	settle        time.Duration
	pollInterval  time.Duration
	ignore        []string
}

// NewGoroutineLeakDetector creates a detector reporting to r.
func NewGoroutineLeakDetector(r Reporter) *GoroutineLeakDetector {
	return &GoroutineLeakDetector{
		r:            r,
		settle:       2 * time.Second,
		pollInterval: 20 * time.Millisecond,
		// idle keep-alive loops on both ends of test HTTP connections
		ignore: []string{"net/http.(*persistConn)", "net/http.(*conn).serve"},
	}
}

// SetAllowedGrowth sets how many extra goroutines are tolerated.
func (d *GoroutineLeakDetector) SetAllowedGrowth(n int) *GoroutineLeakDetector {
	d.allowedGrowth = n
	return d
}

// SetSettleTimeout bounds how long Check waits for the count to drop.
func (d *GoroutineLeakDetector) SetSettleTimeout(timeout time.Duration) *GoroutineLeakDetector {
	d.settle = timeout
	return d
}

// Start records the baseline.
func (d *GoroutineLeakDetector) Start() *GoroutineLeakDetector {
	d.baseline = d.count()
	return d
}

// Check reports an error when the count stays above the baseline plus the
// allowed growth for the whole settle period.
func (d *GoroutineLeakDetector) Check() bool {
	d.r.Helper()
	deadline := time.Now().Add(d.settle)
	current := d.count()
	for current-d.baseline > d.allowedGrowth && time.Now().Before(deadline) {
		time.Sleep(d.pollInterval)
		current = d.count()
	}

	leaked := current - d.baseline
	if leaked <= d.allowedGrowth {
		return true
	}
	d.r.Errorf("goroutine leak: baseline %d, now %d (leaked %d, allowed %d)",
		d.baseline, current, leaked, d.allowedGrowth)
	d.r.Logf("goroutines:\n%s", stacks())
	return false
}

// count returns the number of goroutines whose stacks match no ignore
// pattern.
func (d *GoroutineLeakDetector) count() int {
	n := 0
	for _, g := range strings.Split(stacks(), "\n\n") {
		if g == "" || d.ignored(g) {
			continue
		}
		n++
	}
	return n
}

func (d *GoroutineLeakDetector) ignored(stack string) bool {
	for _, pattern := range d.ignore {
		if strings.Contains(stack, pattern) {
			return true
		}
	}
	return false
}

func stacks() string {
	buf := make([]byte, 1<<16)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, 2*len(buf))
	}
}
