package heartbeat

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/omx/internal/log"
	"github.com/zjrosen/omx/internal/team/store"
)

// shutdownPollInterval is the fallback poll cadence when filesystem
// notification is unavailable or events are missed.
const shutdownPollInterval = 500 * time.Millisecond

// ShutdownRequest asks one worker to wind down and terminate.
type ShutdownRequest struct {
	Worker      string    `json:"worker"`
	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
}

// ShutdownAck is the worker's acknowledgment. Writes overwrite, so
// freshness is judged by updated_at against the request time.
type ShutdownAck struct {
	Worker    string    `json:"worker"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RequestShutdown writes the shutdown request file for a worker.
func RequestShutdown(layout store.Layout, worker, requestedBy string) (*ShutdownRequest, error) {
	req := &ShutdownRequest{
		Worker:      worker,
		RequestedBy: requestedBy,
		RequestedAt: time.Now(),
	}
	if err := store.WriteJSON(layout.ShutdownRequest(worker), req); err != nil {
		return nil, err
	}
	log.Info(log.CatHeartbeat, "Shutdown requested", "worker", worker, "by", requestedBy)
	return req, nil
}

// ReadShutdownRequest returns the pending request, or (nil, nil).
func ReadShutdownRequest(layout store.Layout, worker string) (*ShutdownRequest, error) {
	return store.ReadJSON[ShutdownRequest](layout.ShutdownRequest(worker), "shutdown-request")
}

// AckShutdown writes the worker's acknowledgment with the current time.
func AckShutdown(layout store.Layout, worker string) error {
	return store.WriteJSON(layout.ShutdownAck(worker), ShutdownAck{
		Worker:    worker,
		UpdatedAt: time.Now(),
	})
}

// ReadAckWithMin returns the worker's ack only when it is at least as
// fresh as minUpdatedAt. Older acks are leftovers from a previous round
// and read as missing.
func ReadAckWithMin(layout store.Layout, worker string, minUpdatedAt time.Time) (*ShutdownAck, error) {
	ack, err := store.ReadJSON[ShutdownAck](layout.ShutdownAck(worker), "shutdown-ack")
	if err != nil {
		return nil, err
	}
	if ack == nil || ack.UpdatedAt.Before(minUpdatedAt) {
		return nil, nil
	}
	return ack, nil
}

// WatchShutdown blocks until a shutdown request appears for the worker,
// the context ends, or an unrecoverable watch error occurs. It prefers
// filesystem notification on the worker directory and falls back to
// polling every 500ms regardless, since rename-based writes can slip
// past some notification backends.
func WatchShutdown(ctx context.Context, layout store.Layout, worker string) (*ShutdownRequest, error) {
	dir := layout.WorkerDir(worker)
	if err := store.EnsureDir(dir); err != nil {
		return nil, err
	}

	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(dir); err == nil {
			events = make(chan fsnotify.Event, 16)
			go func() {
				for ev := range watcher.Events {
					select {
					case events <- ev:
					default:
					}
				}
			}()
		}
	} else {
		log.Warn(log.CatHeartbeat, "fsnotify unavailable, polling only", "worker", worker, "error", err.Error())
	}

	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()

	for {
		req, err := ReadShutdownRequest(layout, worker)
		if err != nil {
			return nil, err
		}
		if req != nil {
			return req, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		case <-events:
		}
	}
}
