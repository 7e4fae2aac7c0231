package tests

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/logger"
	"ridedispatch/internal/queue"
	"ridedispatch/internal/service"
)

// fakePushSender records every message it is asked to send.
type fakePushSender struct {
	mu       sync.Mutex
	messages []*messaging.Message
	err      error
}

func (f *fakePushSender) Send(ctx context.Context, message *messaging.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.messages = append(f.messages, message)
	return "projects/test/messages/1", nil
}

func (f *fakePushSender) sent() []*messaging.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*messaging.Message(nil), f.messages...)
}

var _ service.PushSender = (*fakePushSender)(nil)

func TestNotifyUser_SendsToEveryDevice(t *testing.T) {
	t.Parallel()

	sender := &fakePushSender{}
	tokens := NewMockDeviceTokenRepository(
		domain.DeviceToken{UserID: "cust-1", Token: "tok-android", Platform: "android"},
		domain.DeviceToken{UserID: "cust-1", Token: "tok-ios", Platform: "ios"},
		domain.DeviceToken{UserID: "cust-2", Token: "tok-other", Platform: "ios"},
	)
	svc := service.NewNotificationService(sender, tokens, logger.NewNop())

	err := svc.NotifyUser(context.Background(), "cust-1", service.ChannelPush, service.TemplateDriverAssigned, map[string]string{"trip_id": "trip-1"})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	sent := sender.sent()
	if len(sent) != 2 {
		t.Fatalf("messages = %d, want 2", len(sent))
	}
	for _, m := range sent {
		if m.Data["type"] != service.TemplateDriverAssigned || m.Data["trip_id"] != "trip-1" {
			t.Errorf("data = %v", m.Data)
		}
		if m.Notification == nil || m.Notification.Title == "" {
			t.Errorf("notification = %+v", m.Notification)
		}
	}
}

func TestNotifyUser_LogChannelAndNilSenderDoNotSend(t *testing.T) {
	t.Parallel()

	sender := &fakePushSender{}
	tokens := NewMockDeviceTokenRepository(domain.DeviceToken{UserID: "cust-1", Token: "tok"})

	if err := service.NewNotificationService(sender, tokens, logger.NewNop()).
		NotifyUser(context.Background(), "cust-1", service.ChannelLog, service.TemplateTripStarted, nil); err != nil {
		t.Fatalf("log channel: %v", err)
	}
	if err := service.NewNotificationService(nil, tokens, logger.NewNop()).
		NotifyUser(context.Background(), "cust-1", service.ChannelPush, service.TemplateTripStarted, nil); err != nil {
		t.Fatalf("nil sender: %v", err)
	}
	if n := len(sender.sent()); n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
}

func TestNotifyUser_Errors(t *testing.T) {
	t.Parallel()

	sender := &fakePushSender{err: errors.New("fcm unavailable")}
	tokens := NewMockDeviceTokenRepository(domain.DeviceToken{UserID: "cust-1", Token: "tok"})
	svc := service.NewNotificationService(sender, tokens, logger.NewNop())

	if err := svc.NotifyUser(context.Background(), "cust-1", service.ChannelPush, "no_such_template", nil); err == nil {
		t.Error("unknown template accepted")
	}
	if err := svc.NotifyUser(context.Background(), "cust-1", service.ChannelPush, service.TemplateTripStarted, nil); err == nil {
		t.Error("send failure swallowed")
	}
	// A user without devices has nothing to fail.
	if err := svc.NotifyUser(context.Background(), "cust-9", service.ChannelPush, service.TemplateTripStarted, nil); err != nil {
		t.Errorf("no devices: %v", err)
	}
}

func TestTripFanoutJob_AddsCustomerNameForDrivers(t *testing.T) {
	t.Parallel()

	sender := &fakePushSender{}
	tokens := NewMockDeviceTokenRepository(domain.DeviceToken{UserID: "driver-a", Token: "tok-a"})
	customers := service.NewCustomerService(NewMockCustomerCache(),
		NewMockCustomerRepository(&domain.CustomerSummary{ID: "cust-1", Name: "Ada"}), logger.NewNop())

	svc := service.NewNotificationService(sender, tokens, logger.NewNop()).WithCustomers(customers)
	q := queue.New(queue.NewMemoryStore(), queue.Config{}, logger.NewNop())
	if err := svc.RegisterJobs(q); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := q.Enqueue(context.Background(), service.TripFanoutJob{
		TripID:   "trip-1",
		UserID:   "driver-a",
		Template: service.TemplateNewTripRequest,
		Data:     map[string]string{"customer_id": "cust-1"},
	}, service.FanoutOptions)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if found, err := q.ProcessNext(context.Background()); !found || err != nil {
		t.Fatalf("process: found=%v err=%v", found, err)
	}

	sent := sender.sent()
	if len(sent) != 1 {
		t.Fatalf("messages = %d, want 1", len(sent))
	}
	if !strings.HasPrefix(sent[0].Notification.Body, "Ada ") {
		t.Errorf("body = %q", sent[0].Notification.Body)
	}
	if sent[0].Data["trip_id"] != "trip-1" || sent[0].Data["customer_name"] != "Ada" {
		t.Errorf("data = %v", sent[0].Data)
	}
}

func TestTripFanoutJob_RetriedOnSendFailure(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	sender := &fakePushSender{err: errors.New("fcm unavailable")}
	tokens := NewMockDeviceTokenRepository(domain.DeviceToken{UserID: "cust-1", Token: "tok"})
	svc := service.NewNotificationService(sender, tokens, logger.NewNop())

	q := queue.New(queue.NewMemoryStore(), queue.Config{BackoffUnit: time.Second}, logger.NewNop()).WithClock(clock.Now)
	if err := svc.RegisterJobs(q); err != nil {
		t.Fatalf("register: %v", err)
	}
	id, err := q.Enqueue(context.Background(), service.TripFanoutJob{
		TripID: "trip-1", UserID: "cust-1", Template: service.TemplateTripCompleted,
	}, service.FanoutOptions)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < service.FanoutOptions.MaxAttempts; i++ {
		if _, err := q.ProcessNext(context.Background()); err != nil {
			t.Fatalf("process: %v", err)
		}
		clock.Advance(time.Hour)
	}

	job, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != queue.StatusFailed || job.Attempts != service.FanoutOptions.MaxAttempts {
		t.Errorf("job = %s after %d attempts", job.Status, job.Attempts)
	}
}
