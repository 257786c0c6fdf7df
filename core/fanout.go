package core

import (
	"context"
	"sort"
	"sync"
	"time"
)

// FanoutCallResult is what a fanout worker's call_routine returns for one
// probed node: either a list of peers it returned (possibly empty), or a
// non-nil Err when the node failed to answer, which ends the whole run.
type FanoutCallResult struct {
	Peers []PeerInfo
	Err   error
}

// FanoutConfig parameterizes one fanout run.
type FanoutConfig struct {
	NodeCount       int // working-set size
	Fanout          int // concurrent probes
	Timeout         time.Duration
	NodeInfoFilter  func(PeerInfo) bool
	CallRoutine     func(ctx context.Context, entry *BucketEntry) FanoutCallResult
	CheckDone       func(closest []*BucketEntry) (any, bool)
}

// RunFanout executes a parallel, bounded, closest-first iterative query
// against target. Probes happen in distance order to target, modulo the
// concurrency of Fanout; the first CheckDone success cancels the rest.
// A timeout is a legitimate terminal state, not an error: it returns
// whatever CheckDone would produce over the current working set.
func RunFanout(ctx context.Context, rt *RoutingTable, target TypedKey, cfg FanoutConfig) (any, error) {
	seed, err := rt.FindPreferredClosestNodes(cfg.NodeCount, target, nil)
	if err != nil {
		return nil, err
	}

	fo := &fanoutRun{
		rt:     rt,
		target: target,
		cfg:    cfg,
	}
	fo.queue = append(fo.queue, seed...)
	fo.sortQueue()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	workers := cfg.Fanout
	if workers <= 0 {
		workers = 1
	}

	done := make(chan any, 1)
	var once sync.Once

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fo.worker(ctx, done, &once)
		}()
	}

	finishedCh := make(chan struct{})
	go func() { wg.Wait(); close(finishedCh) }()

	select {
	case result := <-done:
		cancel()
		<-finishedCh
		return result, nil
	case <-ctx.Done():
		<-finishedCh
		fo.mu.Lock()
		closest := append([]*BucketEntry(nil), fo.queue...)
		fo.mu.Unlock()
		if cfg.CheckDone != nil {
			if v, ok := cfg.CheckDone(closest); ok {
				return v, nil
			}
		}
		return nil, nil
	}
}

type fanoutRun struct {
	rt     *RoutingTable
	target TypedKey
	cfg    FanoutConfig

	mu       sync.Mutex
	queue    []*BucketEntry
	inFlight map[*BucketEntry]bool
	failed   error
}

func (f *fanoutRun) sortQueue() {
	suite, err := f.rt.registry.Get(f.target.Kind)
	if err != nil {
		return
	}
	sort.Slice(f.queue, func(i, j int) bool {
		return closerLess(f.queue[i], f.queue[j], f.target, suite)
	})
}

func (f *fanoutRun) nextUnprobed() *BucketEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight == nil {
		f.inFlight = make(map[*BucketEntry]bool)
	}
	for _, e := range f.queue {
		if !f.inFlight[e] {
			f.inFlight[e] = true
			return e
		}
	}
	return nil
}

func (f *fanoutRun) worker(ctx context.Context, done chan any, once *sync.Once) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		node := f.nextUnprobed()
		if node == nil {
			return
		}

		result := f.cfg.CallRoutine(ctx, node)

		f.mu.Lock()
		if result.Err != nil {
			f.failed = result.Err
			f.mu.Unlock()
			once.Do(func() { done <- nil })
			return
		}
		for _, p := range result.Peers {
			if f.cfg.NodeInfoFilter != nil && !f.cfg.NodeInfoFilter(p) {
				continue
			}
			entry, err := f.rt.RegisterNode(p, false)
			if err == nil {
				already := false
				for _, q := range f.queue {
					if q == entry {
						already = true
						break
					}
				}
				if !already {
					f.queue = append(f.queue, entry)
					f.sortQueueLocked()
				}
			}
		}
		// CheckDone sees the current working set, including peers this
		// probe's response just discovered but that are not yet
		// themselves probed.
		closest := append([]*BucketEntry(nil), f.queue...)
		f.mu.Unlock()

		if f.cfg.CheckDone != nil {
			if v, ok := f.cfg.CheckDone(closest); ok {
				once.Do(func() { done <- v })
				return
			}
		}
	}
}

func (f *fanoutRun) sortQueueLocked() {
	suite, err := f.rt.registry.Get(f.target.Kind)
	if err != nil {
		return
	}
	sort.Slice(f.queue, func(i, j int) bool {
		return closerLess(f.queue[i], f.queue[j], f.target, suite)
	})
}
