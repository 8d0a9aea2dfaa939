package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"

	"tse-signature-mux/internal/model"
)

// Sender defines the interface for sending a web push message.
type Sender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is the real implementation of Sender using the webpush
// library.
type WebPushSender struct{}

func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Event is one operator-facing alert.
type Event struct {
	TSEName string `json:"tse"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// WorkerPool fans alert events out to all subscribed operator browsers.
type WorkerPool struct {
	size    int
	jobs    chan Event
	db      *gorm.DB
	webpush *webpush.Options
	sender  Sender
}

// NewWorkerPool creates a new alert worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Event, size),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	for {
		select {
		case ev := <-wp.jobs:
			wp.broadcast(ctx, ev)
		case <-ctx.Done():
			log.Printf("alert worker %d shutting down", id)
			return
		}
	}
}

// Dispatch queues an event without blocking the caller; when the queue is
// full the event is dropped (alerts are best-effort, the log line remains).
func (wp *WorkerPool) Dispatch(ev Event) {
	select {
	case wp.jobs <- ev:
	default:
		log.Printf("alert queue full, dropping %s alert for tse %s", ev.Kind, ev.TSEName)
	}
}

// DeviceFailure implements the wrapper's Alerter interface.
func (wp *WorkerPool) DeviceFailure(tseName, message string) {
	wp.Dispatch(Event{TSEName: tseName, Kind: "device-failure", Message: message})
}

// BacklogWarning implements the wrapper's Alerter interface.
func (wp *WorkerPool) BacklogWarning(tseName string, pending int64) {
	wp.Dispatch(Event{
		TSEName: tseName,
		Kind:    "backlog",
		Message: fmt.Sprintf("tse %s has %d pending signatures", tseName, pending),
	})
}

// broadcast sends one event to every operator subscription.
func (wp *WorkerPool) broadcast(ctx context.Context, ev Event) {
	var subscriptions []model.OperatorSubscription
	if err := wp.db.WithContext(ctx).Find(&subscriptions).Error; err != nil {
		log.Printf("error fetching operator subscriptions: %v", err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("error marshalling alert event: %v", err)
		return
	}

	log.Printf("sending %s alert for tse %s to %d operator(s)", ev.Kind, ev.TSEName, len(subscriptions))
	for _, sub := range subscriptions {
		wp.send(ctx, sub, payload)
	}
}

// send delivers one web push message and cleans up expired subscriptions.
func (wp *WorkerPool) send(ctx context.Context, sub model.OperatorSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		log.Printf("error sending alert to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		log.Printf("subscription for endpoint %s is expired, deleting", sub.Endpoint)
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			log.Printf("failed to delete expired subscription %s: %v", sub.Endpoint, err)
		}
	}
}
