package work

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor executes maintenance work one item at a time. Single-flight
// keeps the expiry sweep, index rebuild, checkpoint, and backup from
// contending for the same SQLite files; each completion wakes the loop so
// eligible work drains without polling.
type Processor struct {
	registry   *Registry
	completion *CompletionTracker
	timeout    time.Duration

	trigger chan struct{}
	done    chan struct{}
	stop    chan struct{}
	stopped chan struct{}

	mu         sync.Mutex
	retryQueue []*WorkItem
	inFlight   map[string]bool
}

// NewProcessor creates a processor with the default work timeout.
func NewProcessor(registry *Registry, completion *CompletionTracker) *Processor {
	return NewProcessorWithTimeout(registry, completion, WorkTimeout)
}

// NewProcessorWithTimeout creates a processor with an explicit per-item
// timeout. Tests use short timeouts here.
func NewProcessorWithTimeout(registry *Registry, completion *CompletionTracker, timeout time.Duration) *Processor {
	return &Processor{
		registry:   registry,
		completion: completion,
		timeout:    timeout,
		trigger:    make(chan struct{}, 1),
		done:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
		retryQueue: make([]*WorkItem, 0),
		inFlight:   make(map[string]bool),
	}
}

// Run is the processor loop. It blocks until Stop is called.
func (p *Processor) Run() {
	defer close(p.stopped)

	for {
		select {
		case <-p.stop:
			return
		case <-p.trigger:
			p.scan()
		case <-p.done:
			p.scan()
		}
	}
}

// Stop shuts the loop down and waits for it to exit.
func (p *Processor) Stop() {
	close(p.stop)
	<-p.stopped
}

// Trigger wakes the processor to look for eligible work. Non-blocking;
// safe from any goroutine (bus handlers and the cron tick both call it).
func (p *Processor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// ExecuteNow runs one work type synchronously, ignoring its interval. The
// manual trigger endpoint and the scheduled backup window use this.
func (p *Processor) ExecuteNow(workTypeID string, subject string) error {
	wt := p.registry.Get(workTypeID)
	if wt == nil {
		return fmt.Errorf("unknown work type: %s", workTypeID)
	}

	item := NewWorkItem(wt, subject)
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := wt.Execute(ctx, item.Subject); err != nil {
		return err
	}
	p.completion.MarkCompleted(item)
	return nil
}

// InFlight returns the ids of currently executing work items.
func (p *Processor) InFlight() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.inFlight))
	for id := range p.inFlight {
		ids = append(ids, id)
	}
	return ids
}

// RetryQueueLen returns the number of items waiting for a retry.
func (p *Processor) RetryQueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.retryQueue)
}

// scan starts the highest-priority eligible item, if nothing is running.
func (p *Processor) scan() {
	p.mu.Lock()
	busy := len(p.inFlight) > 0
	p.mu.Unlock()
	if busy {
		return
	}

	item, wt := p.nextEligible()
	if item == nil {
		item, wt = p.dequeueRetry()
	}
	if item == nil {
		return
	}

	p.mu.Lock()
	p.inFlight[item.ID] = true
	p.mu.Unlock()

	go p.execute(item, wt)
}

// execute runs one item under the work timeout, then signals the loop.
func (p *Processor) execute(item *WorkItem, wt *WorkType) {
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, item.ID)
		p.mu.Unlock()

		select {
		case p.done <- struct{}{}:
		default:
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	err := wt.Execute(ctx, item.Subject)
	if err == nil {
		p.completion.MarkCompleted(item)
		return
	}

	if ctx.Err() == context.DeadlineExceeded {
		log.Error().Str("work", item.ID).Msg("work timed out")
	} else {
		log.Error().Err(err).Str("work", item.ID).Msg("work failed")
	}

	item.Retries++
	if item.Retries < MaxRetries {
		p.enqueueRetry(item)
	} else {
		log.Warn().Str("work", item.ID).Int("retries", item.Retries).Msg("max retries reached, skipping")
	}
}

// nextEligible walks the registry in priority order and returns the first
// item that is due and has its dependencies satisfied.
func (p *Processor) nextEligible() (*WorkItem, *WorkType) {
	for _, wt := range p.registry.ByPriority() {
		subjects := wt.FindSubjects()
		if subjects == nil {
			continue
		}

		for _, subject := range subjects {
			if wt.Interval > 0 && !p.completion.IsStale(wt.ID, subject, wt.Interval) {
				continue
			}
			if !p.dependenciesMet(wt, subject) {
				continue
			}
			return NewWorkItem(wt, subject), wt
		}
	}

	return nil, nil
}

// dependenciesMet reports whether every dependency of the work type has a
// recorded completion. Fund-scoped work requires the dependency completed
// for the same fund.
func (p *Processor) dependenciesMet(wt *WorkType, subject string) bool {
	for _, depID := range wt.DependsOn {
		if _, ok := p.completion.GetCompletion(depID, subject); !ok {
			return false
		}
	}
	return true
}

func (p *Processor) enqueueRetry(item *WorkItem) {
	p.mu.Lock()
	p.retryQueue = append(p.retryQueue, item)
	p.mu.Unlock()
}

// dequeueRetry pops the oldest retry whose work type is still registered.
func (p *Processor) dequeueRetry() (*WorkItem, *WorkType) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.retryQueue) == 0 {
		return nil, nil
	}

	item := p.retryQueue[0]
	p.retryQueue = p.retryQueue[1:]

	wt := p.registry.Get(item.TypeID)
	if wt == nil {
		return nil, nil
	}
	return item, wt
}
