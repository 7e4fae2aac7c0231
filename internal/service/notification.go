package service

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"ridedispatch/internal/logger"
	"ridedispatch/internal/queue"
	"ridedispatch/internal/repository"
)

// Channel selects how a notification is delivered.
type Channel string

const (
	ChannelPush Channel = "push"
	ChannelLog  Channel = "log"
)

type pushTemplate struct {
	Title string
	Body  string
}

var pushTemplates = map[string]pushTemplate{
	TemplateDriverAssigned: {"Driver on the way", "A driver accepted your trip."},
	TemplateDriverArriving: {"Driver arriving", "Your driver is almost at the pickup point."},
	TemplateDriverArrived:  {"Driver arrived", "Your driver is waiting at the pickup point."},
	TemplateTripStarted:    {"Trip started", "Enjoy your ride."},
	TemplateTripCompleted:  {"Trip completed", "Thanks for riding with us."},
	TemplateTripCancelled:  {"Trip cancelled", "Your trip has been cancelled."},
	TemplateNoDriversFound: {"No drivers available", "We could not find a driver nearby. Please try again."},
	TemplateNewTripRequest: {"New trip request", "A customer near you is looking for a ride."},
	TemplateSearchingAgain: {"Still searching", "We are looking for another driver."},
}

// PushSender sends one push message. *messaging.Client satisfies it.
type PushSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

var _ PushSender = (*messaging.Client)(nil)

// NewFCMClient creates a Firebase Cloud Messaging client from a service account file.
func NewFCMClient(ctx context.Context, credentialsFile string) (*messaging.Client, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("error initializing Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}
	return client, nil
}

// NotificationService handles notification delivery.
type NotificationService struct {
	sender    PushSender
	tokens    repository.DeviceTokenRepository
	customers CustomerDirectory
	log       logger.ILogger
}

// NewNotificationService creates a new NotificationService. A nil sender
// downgrades every push to a log line.
func NewNotificationService(sender PushSender, tokens repository.DeviceTokenRepository, log logger.ILogger) *NotificationService {
	return &NotificationService{
		sender: sender,
		tokens: tokens,
		log:    log,
	}
}

// WithCustomers enables customer names in pushes sent to drivers.
func (s *NotificationService) WithCustomers(customers CustomerDirectory) *NotificationService {
	s.customers = customers
	return s
}

// RegisterJobs registers the fan-out job handler.
func (s *NotificationService) RegisterJobs(q *queue.Queue) error {
	return queue.Handle(q, s.handleTripFanout)
}

func (s *NotificationService) handleTripFanout(ctx context.Context, job TripFanoutJob) error {
	data := make(map[string]string, len(job.Data)+1)
	for k, v := range job.Data {
		data[k] = v
	}
	data["trip_id"] = job.TripID
	s.addCustomerName(ctx, data)
	return s.NotifyUser(ctx, job.UserID, ChannelPush, job.Template, data)
}

// addCustomerName resolves data["customer_id"] into data["customer_name"].
// Lookup failures leave the push anonymous.
func (s *NotificationService) addCustomerName(ctx context.Context, data map[string]string) {
	customerID := data["customer_id"]
	if s.customers == nil || customerID == "" || data["customer_name"] != "" {
		return
	}
	summary, err := s.customers.GetCustomerSummary(ctx, customerID)
	if err != nil {
		s.log.Debug("customer summary unavailable for push", logger.String("customer_id", customerID), logger.Error(err))
		return
	}
	if summary.Name != "" {
		data["customer_name"] = summary.Name
	}
}

// NotifyUser delivers a templated notification to every device of a user.
// A user without devices is not an error.
func (s *NotificationService) NotifyUser(ctx context.Context, userID string, channel Channel, template string, data map[string]string) error {
	tmpl, ok := pushTemplates[template]
	if !ok {
		return fmt.Errorf("unknown notification template %q", template)
	}

	if channel == ChannelLog || s.sender == nil {
		s.log.Info("notification",
			logger.String("user_id", userID),
			logger.String("template", template),
			logger.String("title", tmpl.Title),
		)
		return nil
	}

	devices, err := s.tokens.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list device tokens: %w", err)
	}

	payload := make(map[string]string, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["type"] = template

	body := tmpl.Body
	if name := data["customer_name"]; name != "" && template == TemplateNewTripRequest {
		body = name + " is looking for a ride near you."
	}

	var lastErr error
	for _, device := range devices {
		message := &messaging.Message{
			Token: device.Token,
			Notification: &messaging.Notification{
				Title: tmpl.Title,
				Body:  body,
			},
			Data: payload,
			Android: &messaging.AndroidConfig{
				Priority: "high",
			},
			APNS: &messaging.APNSConfig{
				Payload: &messaging.APNSPayload{
					Aps: &messaging.Aps{
						ContentAvailable: true,
						Sound:            "default",
					},
				},
			},
		}

		if _, err := s.sender.Send(ctx, message); err != nil {
			if messaging.IsUnregistered(err) {
				if derr := s.tokens.Delete(ctx, userID, device.Token); derr != nil {
					s.log.Warning("failed to drop stale device token", logger.String("user_id", userID), logger.Error(derr))
				}
				continue
			}
			lastErr = err
			s.log.Warning("push delivery failed",
				logger.String("user_id", userID),
				logger.String("platform", device.Platform),
				logger.Error(err),
			)
		}
	}

	if lastErr != nil {
		return fmt.Errorf("send push: %w", lastErr)
	}
	return nil
}
