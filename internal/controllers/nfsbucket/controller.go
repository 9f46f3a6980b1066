package nfsbucket

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	nfsv1 "github.com/ael-cx/nfsbucket-operator/api/v1"
	"github.com/ael-cx/nfsbucket-operator/internal/config"
	"github.com/ael-cx/nfsbucket-operator/internal/controllers/common"
	"github.com/ael-cx/nfsbucket-operator/internal/monitoring"
	"github.com/ael-cx/nfsbucket-operator/internal/predicates"
)

const queueSize = 16

const (
	restartReasonExpired = "expired"
	restartReasonClosed  = "closed"
	restartReasonResync  = "resync"
	restartReasonError   = "error"

	decisionDispatched = "dispatched"
	decisionSkipped    = "skipped"
	decisionPartial    = "partial"
	decisionMalformed  = "malformed"
	decisionBookmark   = "bookmark"
)

var (
	errCursorExpired = errors.New("resume cursor expired")
	errResync        = errors.New("resync period elapsed")
)

// delivery is a single NfsBucket event handed to a worker.
type delivery struct {
	eventType watch.EventType
	nfsBucket *nfsv1.NfsBucket
}

// Dispatcher keeps a watch open over NfsBuckets and feeds the events to the EventHandler in delivery order.
// The resume cursor is owned by the goroutine running Start.
type Dispatcher struct {
	client    client.WithWatch
	handler   EventHandler
	predicate predicate.Predicate
	logger    logr.Logger

	// configurations
	namespace      string
	timeoutSeconds int64
	resyncPeriod   time.Duration
	backoff        wait.Backoff
	workers        int

	cursor string
}

var (
	_ manager.Runnable               = &Dispatcher{}
	_ manager.LeaderElectionRunnable = &Dispatcher{}
)

func NewDispatcher(cl client.WithWatch, handler EventHandler, cfg *config.Config) *Dispatcher {
	workers := cfg.Watch.Workers
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		client:    cl,
		handler:   handler,
		predicate: predicates.NewUnhandledPredicate(),
		logger:    ctrl.Log.WithName("dispatcher"),

		namespace:      cfg.Watch.Namespace,
		timeoutSeconds: cfg.Watch.TimeoutSeconds,
		resyncPeriod:   cfg.Watch.ResyncPeriod,
		backoff: wait.Backoff{
			Duration: cfg.Watch.MinBackoff,
			Factor:   2,
			Jitter:   0.1,
			Steps:    math.MaxInt32,
			Cap:      cfg.Watch.MaxBackoff,
		},
		workers: workers,
	}
}

// SetupWithManager registers the Dispatcher as a runnable of the Manager.
func (d *Dispatcher) SetupWithManager(mgr ctrl.Manager) error {
	return mgr.Add(d)
}

// NeedLeaderElection makes sure only one replica acts on the events.
func (d *Dispatcher) NeedLeaderElection() bool {
	return true
}

// Start watches until ctx is cancelled. Then it stops the stream, waits for the queued events to be handled
// and returns nil. Stream failures never end it: the stream is reopened from the last observed
// resourceVersion, or from the current state when that version is rejected as expired.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("starting dispatcher", "namespace", d.namespace, "workers", d.workers)

	queues, drain := d.startWorkers(ctx)
	defer func() {
		for _, queue := range queues {
			close(queue)
		}
		drain()
		d.logger.Info("dispatcher stopped")
	}()

	var resync <-chan time.Time
	if d.resyncPeriod > 0 {
		ticker := time.NewTicker(d.resyncPeriod)
		defer ticker.Stop()
		resync = ticker.C
	}

	enqueue := func(dl delivery) bool {
		queue := queues[shardOf(dl.nfsBucket, len(queues))]
		select {
		case queue <- dl:
			return true
		case <-ctx.Done():
			return false
		}
	}

	backoff := d.backoff
	for {
		err := d.watchOnce(ctx, resync, enqueue)
		if ctx.Err() != nil {
			return nil
		}

		switch {
		case errors.Is(err, errCursorExpired):
			d.logger.Info("resume cursor expired, restarting from current state", "cursor", d.cursor)
			d.cursor = ""
			monitoring.RecordWatchRestart(restartReasonExpired)
			backoff = d.backoff
		case errors.Is(err, errResync):
			d.logger.V(1).Info("resync period elapsed, restarting from current state")
			d.cursor = ""
			monitoring.RecordWatchRestart(restartReasonResync)
			backoff = d.backoff
		case errors.Is(err, common.ErrStreamTerminated):
			d.logger.V(1).Info("watch stream ended, reopening", "cursor", d.cursor)
			monitoring.RecordWatchRestart(restartReasonClosed)
			backoff = d.backoff
		default:
			delay := backoff.Step()
			d.logger.Error(err, "watch failed, reopening", "cursor", d.cursor, "after", delay)
			monitoring.RecordWatchRestart(restartReasonError)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// watchOnce runs a single watch session and returns why it ended.
func (d *Dispatcher) watchOnce(ctx context.Context, resync <-chan time.Time, enqueue func(delivery) bool) error {
	rawOpts := &metav1.ListOptions{
		ResourceVersion:     d.cursor,
		AllowWatchBookmarks: true,
	}
	if d.timeoutSeconds > 0 {
		timeoutSeconds := d.timeoutSeconds
		rawOpts.TimeoutSeconds = &timeoutSeconds
	}

	watcher, err := d.client.Watch(ctx, &nfsv1.NfsBucketList{}, &client.ListOptions{
		Namespace: d.namespace,
		Raw:       rawOpts,
	})
	if err != nil {
		if isExpired(err) {
			return errCursorExpired
		}
		return fmt.Errorf("failed to open watch: %w", err)
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resync:
			return errResync
		case ev, ok := <-watcher.ResultChan():
			if !ok {
				return common.ErrStreamTerminated
			}
			if err := d.handleEvent(ev, enqueue); err != nil {
				return err
			}
		}
	}
}

// handleEvent advances the cursor and dispatches the event if it is an NfsBucket the controller must act on.
func (d *Dispatcher) handleEvent(ev watch.Event, enqueue func(delivery) bool) error {
	eventType := string(ev.Type)

	switch ev.Type {
	case watch.Error:
		err := apierrors.FromObject(ev.Object)
		if isExpired(err) {
			return errCursorExpired
		}
		return fmt.Errorf("watch error event: %w", err)
	case watch.Bookmark:
		if accessor, err := meta.Accessor(ev.Object); err == nil && accessor.GetResourceVersion() != "" {
			d.cursor = accessor.GetResourceVersion()
		}
		monitoring.RecordEvent(eventType, decisionBookmark)
		return nil
	}

	nfsBucket, ok := ev.Object.(*nfsv1.NfsBucket)
	if !ok || nfsBucket == nil {
		d.logger.Info("skipping event with unexpected object", "type", eventType, "object", fmt.Sprintf("%T", ev.Object))
		monitoring.RecordEvent(eventType, decisionMalformed)
		return nil
	}
	if rv := nfsBucket.ResourceVersion; rv != "" {
		d.cursor = rv
	}

	logger := d.logger.WithValues("type", eventType, "nfsBucket", client.ObjectKeyFromObject(nfsBucket))
	if nfsBucket.Spec == nil {
		logger.Info("skipping NfsBucket without spec")
		monitoring.RecordEvent(eventType, decisionPartial)
		return nil
	}
	if err := common.ValidateMetadata(nfsBucket); err != nil {
		logger.Error(err, "skipping malformed NfsBucket")
		monitoring.RecordEvent(eventType, decisionMalformed)
		return nil
	}
	if !d.accepts(ev.Type, nfsBucket) {
		logger.V(1).Info("skipping event")
		monitoring.RecordEvent(eventType, decisionSkipped)
		return nil
	}

	if enqueue(delivery{eventType: ev.Type, nfsBucket: nfsBucket}) {
		monitoring.RecordEvent(eventType, decisionDispatched)
	}
	return nil
}

func (d *Dispatcher) accepts(eventType watch.EventType, nfsBucket *nfsv1.NfsBucket) bool {
	switch eventType {
	case watch.Added:
		return d.predicate.Create(event.CreateEvent{Object: nfsBucket})
	case watch.Modified:
		return d.predicate.Update(event.UpdateEvent{ObjectNew: nfsBucket})
	case watch.Deleted:
		return d.predicate.Delete(event.DeleteEvent{Object: nfsBucket})
	}
	return false
}

// startWorkers starts one worker per queue. The returned func blocks until the workers drained their
// queues, which must be closed first.
func (d *Dispatcher) startWorkers(ctx context.Context) ([]chan delivery, func()) {
	// handling is not interrupted by shutdown, only the stream is
	workerCtx := log.IntoContext(context.WithoutCancel(ctx), d.logger)

	queues := make([]chan delivery, d.workers)
	group := &errgroup.Group{}
	for i := range queues {
		queue := make(chan delivery, queueSize)
		queues[i] = queue
		group.Go(func() error {
			for dl := range queue {
				d.process(workerCtx, dl)
			}
			return nil
		})
	}
	return queues, func() { _ = group.Wait() }
}

func (d *Dispatcher) process(ctx context.Context, dl delivery) {
	logger := d.logger.WithValues("type", string(dl.eventType), "nfsBucket", client.ObjectKeyFromObject(dl.nfsBucket))

	result, err := d.handler.Handle(ctx, dl.eventType, dl.nfsBucket)
	switch {
	case err != nil:
		logger.Error(err, "failed to handle event, retried on the next delivery")
	case result.Requeue || result.RequeueAfter > 0:
		logger.Info("event left unhandled, retried on the next delivery")
	}
}

// shardOf maps every event of one NfsBucket to the same worker, keeping their relative order.
func shardOf(nfsBucket *nfsv1.NfsBucket, shards int) int {
	if shards <= 1 {
		return 0
	}
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(client.ObjectKeyFromObject(nfsBucket).String()))
	return int(hash.Sum32() % uint32(shards))
}

func isExpired(err error) bool {
	return apierrors.IsResourceExpired(err) || apierrors.IsGone(err)
}
