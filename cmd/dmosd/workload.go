package main

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/phuslu/log"

	"dmos"
)

// demoWorkload keeps the registries populated so the metrics endpoint has
// something real to report: a producer timer feeding a bounded queue that
// a pool of worker threads drains.
type demoWorkload struct {
	proc     *dmos.Process
	queue    *dmos.Queue
	producer *dmos.Timer
	workers  []*dmos.Thread

	seq  atomic.Int64
	wlog log.Logger
}

func startWorkload(workers int) (*demoWorkload, error) {
	if workers <= 0 {
		workers = 1
	}

	proc, err := dmos.NewProcess("workload", dmos.CurrentProcess())
	if err != nil {
		return nil, err
	}

	queue, err := dmos.NewQueue(64)
	if err != nil {
		return nil, err
	}

	w := &demoWorkload{
		proc:  proc,
		queue: queue,
		wlog:  log.DefaultLogger,
	}

	for i := 0; i < workers; i++ {
		th, err := dmos.Create(w.work, i, 1, 64*1024, fmt.Sprintf("worker-%d", i), proc)
		if err != nil {
			w.stop()
			return nil, err
		}
		w.workers = append(w.workers, th)
	}

	producer, err := dmos.NewTimer("producer", 250, true, w.produce)
	if err != nil {
		w.stop()
		return nil, err
	}
	if err := producer.Start(); err != nil {
		w.stop()
		return nil, err
	}
	w.producer = producer

	log.Info().Int("workers", workers).Msg("Demo workload started")
	return w, nil
}

func (w *demoWorkload) produce() {
	item := w.seq.Add(1)
	// Drop when the workers are behind; the queue is bounded on purpose.
	if err := w.queue.Send(item, 0); err != nil && !errors.Is(err, dmos.ErrWouldBlock) {
		return
	}
}

func (w *demoWorkload) work(arg any) {
	id := arg.(int)
	for {
		item, err := w.queue.Receive(500)
		switch {
		case err == nil:
			w.wlog.Trace().Int("worker", id).Int64("item", item.(int64)).
				Msg("item processed")
			dmos.Sleep(10)
		case errors.Is(err, dmos.ErrTimedOut):
			continue
		default:
			// Queue destroyed: shutdown.
			return
		}
	}
}

func (w *demoWorkload) stop() {
	if w.producer != nil {
		w.producer.Destroy()
	}
	if w.queue != nil {
		w.queue.Destroy()
	}
	for _, th := range w.workers {
		if err := th.Join(); err != nil {
			log.Warn().Err(err).Msg("worker join failed during shutdown")
		}
		th.Destroy()
	}
	if w.proc != nil {
		_ = w.proc.Kill(0)
		w.proc.Destroy()
	}
	log.Info().Msg("Demo workload stopped")
}
