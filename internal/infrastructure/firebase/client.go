package firebase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// DefaultTopicPrefix namespaces company topics.
const DefaultTopicPrefix = "finlink-company-"

// Sender is the part of messaging.Client the push client needs.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// Client pushes link notifications to a company's FCM topic. Devices of the
// company's users subscribe to that topic.
type Client struct {
	sender      Sender
	topicPrefix string
}

// NewClient initializes a Firebase app and returns a topic push client.
func NewClient(ctx context.Context, credentialsFile, topicPrefix string) (*Client, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}

	msgClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase messaging client: %w", err)
	}

	return NewClientWithSender(msgClient, topicPrefix), nil
}

// NewClientWithSender wraps an existing sender.
func NewClientWithSender(sender Sender, topicPrefix string) *Client {
	if topicPrefix == "" {
		topicPrefix = DefaultTopicPrefix
	}
	return &Client{sender: sender, topicPrefix: topicPrefix}
}

// Topic returns the FCM topic of a company. Characters FCM rejects in topic
// names are replaced with '-'.
func (c *Client) Topic(companyID string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.', r == '~', r == '%':
			return r
		}
		return '-'
	}, companyID)
	return c.topicPrefix + clean
}

// Push sends a visible notification to every device of the company.
func (c *Client) Push(ctx context.Context, companyID, title, body string, data map[string]string) error {
	if companyID == "" {
		return errors.New("company ID is required")
	}

	msg := &messaging.Message{
		Topic: c.Topic(companyID),
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
	}

	id, err := c.sender.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to send FCM message: %w", err)
	}

	log.Printf("Company %s: FCM message %s sent to %s", companyID, id, msg.Topic)
	return nil
}
