package utils

import (
	"fmt"
	"testing"
	"time"
)

type captureReporter struct {
	errors []string
}

func (c *captureReporter) Helper() {}

func (c *captureReporter) Errorf(format string, args ...interface{}) {
	c.errors = append(c.errors, fmt.Sprintf(format, args...))
}

func (c *captureReporter) Logf(string, ...interface{}) {}

func TestGoroutineLeakDetector(t *testing.T) {
	t.Run("NoLeak", func(t *testing.T) {
		detector := NewGoroutineLeakDetector(t).Start()

		done := make(chan struct{})
		go func() {
			time.Sleep(50 * time.Millisecond)
			close(done)
		}()
		<-done

		detector.Check()
	})

	t.Run("DetectsLeak", func(t *testing.T) {
		r := &captureReporter{}
		detector := NewGoroutineLeakDetector(r).SetSettleTimeout(100 * time.Millisecond).Start()

		stop := make(chan struct{})
		defer close(stop)
		go func() {
			<-stop
		}()

		if detector.Check() {
			t.Fatal("expected a leak to be reported")
		}
		if len(r.errors) != 1 {
			t.Errorf("expected one error, got %v", r.errors)
		}
	})

	t.Run("AllowedGrowth", func(t *testing.T) {
		r := &captureReporter{}
		detector := NewGoroutineLeakDetector(r).
			SetAllowedGrowth(1).
			SetSettleTimeout(50 * time.Millisecond).
			Start()

		stop := make(chan struct{})
		defer close(stop)
		go func() {
			<-stop
		}()

		if !detector.Check() {
			t.Errorf("growth within allowance reported: %v", r.errors)
		}
	})
}
