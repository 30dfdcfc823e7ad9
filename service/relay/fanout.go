package relay

import (
	"chatrelay/logger"
	"chatrelay/tools/safe"
)

type fanoutJob struct {
	conns   []*Client
	payload []byte
}

// Fanout delivers one payload to a set of clients through a small worker
// pool. With a single worker (the default) payloads leave in the order they
// were enqueued; more workers trade that ordering for throughput.
type Fanout struct {
	jobs chan fanoutJob
}

func NewFanout(workers, queue int) *Fanout {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = 1024
	}
	f := &Fanout{jobs: make(chan fanoutJob, queue)}
	for i := 0; i < workers; i++ {
		safe.Go(func() {
			for job := range f.jobs {
				for _, c := range job.conns {
					if !c.enqueue(job.payload) {
						// Slow client; skip rather than block the room.
						logger.Warnf("[fanout] send queue full, dropping for conn=%s user=%s", c.ConnID, c.User())
					}
				}
			}
		})
	}
	return f
}

// Broadcast enqueues one delivery job. Drops the whole job when the fanout
// queue itself is saturated.
func (f *Fanout) Broadcast(conns []*Client, payload []byte) {
	if len(conns) == 0 || len(payload) == 0 {
		return
	}
	select {
	case f.jobs <- fanoutJob{conns: conns, payload: payload}:
	default:
		logger.Warnf("[fanout] job queue full, dropping broadcast to %d conns", len(conns))
	}
}

// Close stops the workers once no more broadcasts will be submitted.
func (f *Fanout) Close() {
	close(f.jobs)
}
