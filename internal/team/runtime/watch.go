package runtime

import (
	"context"
	"time"

	"github.com/zjrosen/omx/internal/log"
	"github.com/zjrosen/omx/internal/team/heartbeat"
	"github.com/zjrosen/omx/internal/team/transport"
)

// heartbeatBumpInterval coalesces output-driven heartbeat writes.
const heartbeatBumpInterval = 5 * time.Second

// captureWatchInterval paces the capture-delta poller for transports
// without an output stream.
const captureWatchInterval = 2 * time.Second

// startWorkerWatcher begins the per-worker liveness plumbing: the
// heartbeat advances on slot output (a line stream when the transport
// offers one, capture deltas otherwise), and process-transport workers
// get a responder that acks shutdown requests, since the runtime owns
// those children and the hosted CLI has no side channel of its own.
func (r *Runtime) startWorkerWatcher(name, address string) {
	done := make(chan struct{})
	r.watchMu.Lock()
	if prev, ok := r.watchStops[name]; ok {
		close(prev)
	}
	r.watchStops[name] = done
	r.watchMu.Unlock()

	hs := heartbeat.NewStore(r.layout, name)
	if streamer, ok := r.transport.(transport.OutputStreamer); ok {
		if ch := streamer.OutputLines(address); ch != nil {
			log.SafeGo("heartbeat-watch-"+name, func() {
				hs.WatchLines(done, ch, heartbeatBumpInterval)
			})
		}
	} else {
		log.SafeGo("heartbeat-poll-"+name, func() {
			r.pollCaptureDeltas(done, hs, address)
		})
	}

	if r.transport.Kind() == "process" {
		log.SafeGo("shutdown-watch-"+name, func() {
			r.answerShutdown(done, name)
		})
	}
}

// pollCaptureDeltas bumps the heartbeat whenever the slot's visible
// output changes between polls. The first capture only seeds the
// baseline; launch noise is not a turn.
func (r *Runtime) pollCaptureDeltas(done <-chan struct{}, hs *heartbeat.Store, address string) {
	ticker := time.NewTicker(captureWatchInterval)
	defer ticker.Stop()

	var last string
	seeded := false
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		capture, err := r.transport.Capture(context.Background(), address)
		if err != nil {
			continue
		}
		if seeded && capture != last {
			if err := hs.Bump(); err != nil {
				log.ErrorErr(log.CatHeartbeat, "Bumping heartbeat", err, "address", address)
			}
		}
		last = capture
		seeded = true
	}
}

// answerShutdown blocks on the worker's shutdown request file and
// writes the ack. Tmux workers ack from inside their own pane instead.
func (r *Runtime) answerShutdown(done <-chan struct{}, name string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-done
		cancel()
	}()

	req, err := heartbeat.WatchShutdown(ctx, r.layout, name)
	if err != nil || req == nil {
		return
	}
	if err := heartbeat.AckShutdown(r.layout, name); err != nil {
		log.ErrorErr(log.CatHeartbeat, "Acking shutdown", err, "worker", name)
	}
}

// stopWatcher halts one worker's watcher goroutines.
func (r *Runtime) stopWatcher(name string) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if done, ok := r.watchStops[name]; ok {
		close(done)
		delete(r.watchStops, name)
	}
}

// stopAllWatchers halts every worker watcher.
func (r *Runtime) stopAllWatchers() {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	for name, done := range r.watchStops {
		close(done)
		delete(r.watchStops, name)
	}
}
