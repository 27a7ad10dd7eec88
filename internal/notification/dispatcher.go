// Package notification delivers emergency access notifications to staff and patients.
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/medrex/emergency-access/pkg/config"
	"github.com/medrex/emergency-access/pkg/emergency"
	"github.com/medrex/emergency-access/pkg/logger"
)

// LogDispatcher writes notifications to the structured log. It is the
// fallback when no webhook is configured.
type LogDispatcher struct {
	logger *logger.Logger
}

// NewLogDispatcher creates a log-only dispatcher
func NewLogDispatcher(log *logger.Logger) *LogDispatcher {
	return &LogDispatcher{logger: log}
}

// Notify implements emergency.NotificationDispatcher
func (d *LogDispatcher) Notify(ctx context.Context, recipientIDs []string, payload *emergency.Notification) error {
	d.logger.WithContext(ctx).WithFields(logrus.Fields{
		"component":    "notification",
		"kind":         payload.Kind,
		"emergency_id": payload.EmergencyID,
		"priority":     payload.Priority,
		"recipients":   recipientIDs,
	}).Info(payload.Title)
	return nil
}

// webhookBody is the JSON document posted to the webhook
type webhookBody struct {
	Recipients   []string                `json:"recipients"`
	Notification *emergency.Notification `json:"notification"`
}

// WebhookDispatcher posts notifications to an HTTP endpoint with retries
type WebhookDispatcher struct {
	client *resty.Client
	url    string
	logger *logger.Logger
}

// NewWebhookDispatcher creates a webhook dispatcher from configuration
func NewWebhookDispatcher(cfg config.NotificationConfig, log *logger.Logger) *WebhookDispatcher {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	// zero keeps resty's default backoff
	if cfg.RetryWait > 0 {
		wait := time.Duration(cfg.RetryWait) * time.Second
		client.SetRetryWaitTime(wait).SetRetryMaxWaitTime(5 * wait)
	}
	for k, v := range cfg.Headers {
		client.SetHeader(k, v)
	}

	return &WebhookDispatcher{client: client, url: cfg.WebhookURL, logger: log}
}

// Notify implements emergency.NotificationDispatcher
func (d *WebhookDispatcher) Notify(ctx context.Context, recipientIDs []string, payload *emergency.Notification) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(webhookBody{Recipients: recipientIDs, Notification: payload}).
		Post(d.url)
	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}

	if resp.IsError() {
		d.logger.WithContext(ctx).WithFields(logrus.Fields{
			"component":    "notification",
			"kind":         payload.Kind,
			"emergency_id": payload.EmergencyID,
			"status_code":  resp.StatusCode(),
		}).Warn("Notification webhook rejected delivery")
		return fmt.Errorf("notification webhook returned status %d", resp.StatusCode())
	}
	return nil
}

// MultiDispatcher fans a notification out to several dispatchers
type MultiDispatcher []emergency.NotificationDispatcher

// Notify implements emergency.NotificationDispatcher. Every dispatcher is
// attempted and all failures are returned together.
func (m MultiDispatcher) Notify(ctx context.Context, recipientIDs []string, payload *emergency.Notification) error {
	var errs []error
	for _, d := range m {
		if err := d.Notify(ctx, recipientIDs, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New builds the dispatcher described by cfg: the log dispatcher always, plus
// the webhook when a URL is configured
func New(cfg config.NotificationConfig, log *logger.Logger) emergency.NotificationDispatcher {
	logDispatcher := NewLogDispatcher(log)
	if cfg.WebhookURL == "" {
		return logDispatcher
	}
	return MultiDispatcher{logDispatcher, NewWebhookDispatcher(cfg, log)}
}
