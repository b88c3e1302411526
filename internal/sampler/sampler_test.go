package sampler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorkerSamplesRepeatedly(t *testing.T) {
	var count int32
	w := Start(5*time.Millisecond, func() {
		atomic.AddInt32(&count, 1)
	})
	time.Sleep(30 * time.Millisecond)
	w.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt32(&count), int32(2))
}

func TestStopJoinsBeforeReturning(t *testing.T) {
	sampling := make(chan struct{})
	release := make(chan struct{})
	w := Start(time.Millisecond, func() {
		select {
		case sampling <- struct{}{}:
			<-release
		default:
		}
	})

	<-sampling
	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight sample finished")
	case <-time.After(10 * time.Millisecond):
	}

	close(release)
	<-stopped
}

func TestStopIsIdempotent(t *testing.T) {
	w := Start(time.Hour, func() {})
	w.Stop()
	assert.NotPanics(t, func() { w.Stop() })
}
