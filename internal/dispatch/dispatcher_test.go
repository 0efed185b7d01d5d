//go:build test

package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/blemqtt/internal/dispatch"
	"github.com/stretchr/testify/suite"
)

type DispatcherTestSuite struct {
	suite.Suite
	d *dispatch.Dispatcher
}

func (s *DispatcherTestSuite) SetupTest() {
	s.d = dispatch.New(4, nil)
}

func (s *DispatcherTestSuite) TearDownTest() {
	s.d.Close()
}

// runAll drains the queue on the calling goroutine, as the device context would.
func (s *DispatcherTestSuite) runAll() {
	for {
		select {
		case t := <-s.d.Tasks():
			_ = t.Run()
		default:
			return
		}
	}
}

func (s *DispatcherTestSuite) TestSubmitPreservesOrder() {
	// GOAL: Verify tasks reach the device context in submission order
	//
	// TEST SCENARIO: Submit A then B → drain → A runs before B and Seq increases

	var order []string
	_, err := s.d.Submit(func() error { order = append(order, "A"); return nil })
	s.Require().NoError(err)
	_, err = s.d.Submit(func() error { order = append(order, "B"); return nil })
	s.Require().NoError(err)

	first := <-s.d.Tasks()
	second := <-s.d.Tasks()
	s.Less(first.Seq(), second.Seq())
	s.Require().NoError(first.Run())
	s.Require().NoError(second.Run())

	s.Equal([]string{"A", "B"}, order)
}

func (s *DispatcherTestSuite) TestSubmitDoesNotBlockWhenFull() {
	// GOAL: Verify a full queue rejects instead of blocking the broker context
	//
	// TEST SCENARIO: Fill capacity → next Submit returns DispatchError(ErrQueueFull) immediately

	for i := 0; i < 4; i++ {
		_, err := s.d.Submit(func() error { return nil })
		s.Require().NoError(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.d.Submit(func() error { return nil })
		done <- err
	}()

	select {
	case err := <-done:
		var de *dispatch.DispatchError
		s.Require().ErrorAs(err, &de)
		s.ErrorIs(err, dispatch.ErrQueueFull)
	case <-time.After(time.Second):
		s.Fail("Submit blocked on a full queue")
	}

	s.Equal(int64(4), s.d.GetMetrics().Submitted)
	s.Equal(int64(1), s.d.GetMetrics().Rejected)
}

func (s *DispatcherTestSuite) TestFutureCarriesActionResult() {
	// GOAL: Verify the future resolves with the action's error after Run
	//
	// TEST SCENARIO: Submit failing action → run it → Wait returns the same error

	boom := errors.New("boom")
	f, err := s.d.Submit(func() error { return boom })
	s.Require().NoError(err)

	s.runAll()

	s.ErrorIs(f.Wait(context.Background()), boom)
	s.ErrorIs(f.Err(), boom)
}

func (s *DispatcherTestSuite) TestPanickingActionResolvesFuture() {
	// GOAL: Verify a panic inside an action never unwinds the device context
	//
	// TEST SCENARIO: Submit panicking action → Run returns error → future resolved with error

	f, err := s.d.Submit(func() error { panic("bad") })
	s.Require().NoError(err)

	t := <-s.d.Tasks()
	s.NotPanics(func() {
		s.Error(t.Run())
	})
	s.Error(f.Err())
}

func (s *DispatcherTestSuite) TestCloseRejectsQueuedAndFutureSubmissions() {
	// GOAL: Verify Close fails pending tasks and later submissions with ErrClosed
	//
	// TEST SCENARIO: Submit 2 → Close → both futures fail with ErrClosed → Submit fails with ErrClosed

	f1, err := s.d.Submit(func() error { return nil })
	s.Require().NoError(err)
	f2, err := s.d.Submit(func() error { return nil })
	s.Require().NoError(err)

	s.d.Close()

	s.ErrorIs(f1.Wait(context.Background()), dispatch.ErrClosed)
	s.ErrorIs(f2.Wait(context.Background()), dispatch.ErrClosed)

	_, err = s.d.Submit(func() error { return nil })
	s.ErrorIs(err, dispatch.ErrClosed)

	select {
	case <-s.d.Done():
	default:
		s.Fail("Done must be closed after Close")
	}
	s.NotPanics(s.d.Close)
}

func (s *DispatcherTestSuite) TestDrainRejectsWithReason() {
	// GOAL: Verify Drain fails queued tasks with the given reason and leaves the dispatcher usable
	//
	// TEST SCENARIO: Submit → Drain(reason) → future fails with reason → Submit still works

	reason := errors.New("not connected")
	f, err := s.d.Submit(func() error { return nil })
	s.Require().NoError(err)

	s.Equal(1, s.d.Drain(reason))
	s.ErrorIs(f.Err(), reason)
	s.Equal(0, s.d.Len())

	_, err = s.d.Submit(func() error { return nil })
	s.NoError(err)
}

func (s *DispatcherTestSuite) TestConcurrentSubmittersKeepSeqOrder() {
	// GOAL: Verify queue order equals sequence order under concurrent submission
	//
	// TEST SCENARIO: 8 goroutines submit while a consumer drains → Seq strictly increases

	d := dispatch.New(256, nil)
	defer d.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 16; i++ {
				_, err := d.Submit(func() error { return nil })
				s.NoError(err)
			}
		}()
	}
	wg.Wait()

	var last uint64
	for i := 0; i < 128; i++ {
		t := <-d.Tasks()
		s.Greater(t.Seq(), last)
		last = t.Seq()
		s.NoError(t.Run())
	}
}

func TestDispatcherTestSuite(t *testing.T) {
	suite.Run(t, new(DispatcherTestSuite))
}
