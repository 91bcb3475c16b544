package eventbus

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"github.com/sourcegraph/conc/iter"

	"github.com/coachpo/coreflow/errs"
	"github.com/coachpo/coreflow/internal/domain/schema"
)

// drainCycle dequeues up to BatchSize events per channel and processes each batch
// before moving on. It returns once every batch settled.
func (b *EventBus) drainCycle(ctx context.Context) {
	for _, channel := range b.channelOrder {
		q := b.queues[channel]
		if q.Len() == 0 {
			continue
		}
		batch := q.DequeueMultiple(b.cfg.BatchSize)
		if len(batch) == 0 {
			continue
		}
		b.processBatch(ctx, channel, batch)
	}
}

func (b *EventBus) processBatch(ctx context.Context, channel schema.Channel, batch []*schema.Event) {
	handlers := b.handlersFor(channel)
	events := iter.Iterator[*schema.Event]{MaxGoroutines: b.cfg.EventConcurrency}
	events.ForEach(batch, func(event **schema.Event) {
		b.processEvent(ctx, *event, handlers)
	})
}

// processEvent runs the handlers for one event and applies the outcome. A structural
// error sends the event down the retry path.
func (b *EventBus) processEvent(ctx context.Context, event *schema.Event, handlers []*handlerEntry) {
	ctx, span := startEventSpan(ctx, "eventbus.process", event)
	var structural error
	defer func() { endSpan(span, structural) }()

	if event.Expired(b.now()) {
		b.expire(ctx, event)
		return
	}

	result, err := b.execute(ctx, event, handlers)
	if err != nil {
		structural = err
		b.retryOrDeadLetter(ctx, event, structural)
		return
	}
	b.notifier.emit(Notification{Kind: NotifyProcessed, Event: event.Clone(), Result: &result, Channel: event.Channel, At: b.now()})

	outcome := "success"
	if !result.Success {
		outcome = "handler_error"
		if !b.cfg.AbsorbHandlerFailures {
			structural = handlerFailure(event, result)
		}
	}

	if structural == nil && event.Channel == schema.ChannelCrossModule {
		structural = b.synchronize(ctx, event)
	}
	if structural == nil && event.Delivery.Persistent && b.store != nil {
		if err := b.store.UpdateEventStatus(ctx, event.ID, schema.StatusProcessed); err != nil {
			b.metrics.collaboratorError(ctx, "store", "update_status")
			structural = errs.New("eventbus/process", errs.CodeUnavailable, errs.WithMessage("mark processed failed"), errs.WithCause(err))
		}
	}
	b.metrics.eventCount(ctx, b.metrics.processed, event, outcome)

	if structural != nil {
		b.retryOrDeadLetter(ctx, event, structural)
	}
}

// execute fans the event out to every matching handler and settles all of them.
// Panics outside handler invocations surface as structural errors.
func (b *EventBus) execute(ctx context.Context, event *schema.Event, handlers []*handlerEntry) (result schema.ProcessingResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.New("eventbus/process", errs.CodeInternal,
				errs.WithMessage(fmt.Sprintf("processing panic: %v", r)),
				errs.WithField("stack", string(debug.Stack())))
		}
	}()

	matching := make([]*handlerEntry, 0, len(handlers))
	for _, h := range handlers {
		if h.reg.Accepts(event.Type) {
			matching = append(matching, h)
		}
	}

	results := make([]schema.HandlerResult, len(matching))
	if len(matching) > 0 {
		p := concpool.New().WithMaxGoroutines(b.cfg.HandlerConcurrency)
		for idx, h := range matching {
			p.Go(func() {
				results[idx] = b.invoke(ctx, h, event)
			})
		}
		p.Wait()
	}

	result = schema.ProcessingResult{
		EventID:        event.ID,
		Success:        true,
		HandlerResults: results,
		ProcessedAt:    b.now(),
	}
	for _, res := range results {
		b.metrics.handlerRun(ctx, event.Channel, res)
		if !res.Success {
			result.Success = false
		}
	}
	return result, nil
}

// invoke runs one handler under the per-handler semaphore and timeout. The handler
// receives a copy of the event; its error or panic is captured in the result.
// A handler that outlives its timeout keeps its semaphore slot until it returns.
func (b *EventBus) invoke(ctx context.Context, h *handlerEntry, event *schema.Event) schema.HandlerResult {
	start := time.Now()
	res := schema.HandlerResult{HandlerID: h.reg.ID, HandlerName: h.reg.Name}

	hctx, cancel := context.WithTimeout(ctx, b.cfg.HandlerTimeout)
	defer cancel()

	release := func() {}
	if h.sem != nil {
		select {
		case h.sem <- struct{}{}:
			release = func() { <-h.sem }
		case <-hctx.Done():
			res.Error = "handler concurrency slot unavailable: " + hctx.Err().Error()
			res.Duration = time.Since(start)
			return res
		}
	}

	done := make(chan error, 1)
	go func() {
		defer release()
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- h.reg.Handler(hctx, event.Clone())
	}()

	var err error
	select {
	case err = <-done:
	case <-hctx.Done():
		err = errs.New("eventbus/handler", errs.CodeTimeout,
			errs.WithMessage("handler exceeded "+b.cfg.HandlerTimeout.String()),
			errs.WithField("handler", h.reg.ID))
	}
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	return res
}

func handlerFailure(event *schema.Event, result schema.ProcessingResult) error {
	failed := result.Failed()
	ids := make([]string, 0, len(failed))
	for _, f := range failed {
		ids = append(ids, f.HandlerID+": "+f.Error)
	}
	return errs.New("eventbus/process", errs.CodeInternal,
		errs.WithChannel(string(event.Channel)),
		errs.WithMessage(fmt.Sprintf("%d of %d handlers failed", len(failed), len(result.HandlerResults))),
		errs.WithField("failures", fmt.Sprint(ids)))
}
