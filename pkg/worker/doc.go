// Package worker provides a generic bounded worker pool.
//
// Submit never blocks: when the queue is full the item is dropped and
// ErrQueueFull is returned, so a slow consumer cannot stall the producer.
// The gateway uses it to fan events out to external sinks without holding
// up request handling.
//
//	pool := worker.NewPool(2, 256, func(ctx context.Context, ev gateway.Event) error {
//	    return sink.Publish(ctx, ev)
//	})
//	_ = pool.Start(ctx)
//	defer pool.Stop(5 * time.Second)
//
// Statistics are always tracked with atomics. Prometheus metrics are added
// with WithMetrics.
package worker
