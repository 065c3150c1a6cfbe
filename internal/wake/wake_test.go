package wake

import (
	"testing"
	"time"
)

func TestSignalWaitTimesOutWithoutNotify(t *testing.T) {
	s := NewSignal()
	if woke := s.Wait(10 * time.Millisecond); woke {
		t.Fatal("expected Wait to report no notify on timeout")
	}
}

func TestSignalNotifyWakesWaiter(t *testing.T) {
	s := NewSignal()
	s.Notify()

	if woke := s.Wait(time.Second); !woke {
		t.Fatal("expected Wait to report a notify-driven wake")
	}
}

func TestSignalWorkDoneDoesNotCountAsNotify(t *testing.T) {
	s := NewSignal()
	s.WorkDone()

	if woke := s.Wait(time.Second); woke {
		t.Fatal("expected WorkDone wake to not be reported as a notify")
	}
}

func TestSignalNotifyCoalescesWithoutBlocking(t *testing.T) {
	s := NewSignal()
	s.Notify()
	s.Notify()

	if woke := s.Wait(time.Second); !woke {
		t.Fatal("expected Wait to report a notify-driven wake")
	}
}
