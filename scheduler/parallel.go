package scheduler

import (
	"fmt"
	"sync"

	fiber "github.com/jacobsa/fibers"
)

// ParallelDo schedules each of fns as its own fiber on s, waits for all of
// them to finish, and returns the first error observed (by completion
// order), per spec §4.3. The calling fiber's own goroutine blocks on a
// WaitGroup for the duration — the same "explicit exception" spec §5
// grants synchronous blocking work, since the children run on s's other
// workers and make progress independently of this one.
func ParallelDo(s *Scheduler, fns []func() error) error {
	if len(fns) == 0 {
		return nil
	}

	var (
		mu       sync.Mutex
		firstErr error
		haveErr  bool
		wg       sync.WaitGroup
	)
	wg.Add(len(fns))

	parent := fiber.Current()
	for i, fn := range fns {
		i, fn := i, fn
		child := fiber.New(fmt.Sprintf("%s.parallel_do[%d]", parent.Name, i), func() error {
			defer wg.Done()
			err := fn()
			if err != nil {
				mu.Lock()
				if !haveErr {
					haveErr, firstErr = true, err
				}
				mu.Unlock()
			}
			return err
		})
		s.Schedule(child, AnyThread)
	}

	wg.Wait()
	return firstErr
}

// ParallelForEach keeps up to parallelism calls to fn in flight over
// items, per spec §4.3. fn returns a continuation flag; false means no
// further items should be started, but whatever is already in flight runs
// to completion. An error has the same stopping effect and is re-raised
// after in-flight work finishes.
//
// Spec §8 scenario 6: items 1..10, parallelism 4, fn(5) returns false —
// fn ends up invoked on a prefix that includes everything already in
// flight at the moment the stop is observed (1..8 in the scenario's
// trace) and never on anything after (9, 10).
func ParallelForEach(s *Scheduler, items []int, parallelism int, fn func(x int) (bool, error)) error {
	if parallelism < 1 {
		parallelism = 1
	}

	var (
		mu       sync.Mutex
		firstErr error
		haveErr  bool
		stopped  bool
		wg       sync.WaitGroup
	)
	sem := make(chan struct{}, parallelism)
	parent := fiber.Current()

	for i, x := range items {
		// Check for a stop only once a slot is free: the item whose fn
		// signals the stop sets stopped before releasing its slot.
		sem <- struct{}{}
		mu.Lock()
		halt := stopped
		mu.Unlock()
		if halt {
			<-sem
			break
		}
		wg.Add(1)

		i, x := i, x
		child := fiber.New(fmt.Sprintf("%s.parallel_foreach[%d]", parent.Name, i), func() error {
			defer func() { <-sem; wg.Done() }()

			cont, err := fn(x)
			if err != nil || !cont {
				mu.Lock()
				stopped = true
				if err != nil && !haveErr {
					haveErr, firstErr = true, err
				}
				mu.Unlock()
			}
			return err
		})
		s.Schedule(child, AnyThread)
	}

	wg.Wait()
	return firstErr
}
