package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"forecast_platform/config"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Notifier delivers alert emails. Delivery failures are reported to the
// caller but are never fatal to the triggering workflow.
type Notifier interface {
	Send(subject, body string, recipients []string) error
}

// NewNotifierFromConfig picks the SendGrid backend when an API key is
// configured and falls back to the HTTP mail relay otherwise.
func NewNotifierFromConfig(cfg *config.Config) Notifier {
	if cfg.SendgridAPIKey != "" {
		log.Println("Using SendGrid notifier")
		return NewSendgridNotifier(cfg)
	}
	log.Printf("Using HTTP relay notifier: %s", cfg.EmailSendURL)
	return NewRelayNotifier(cfg)
}

// cleanRecipients drops empty and whitespace-only addresses
func cleanRecipients(recipients []string) []string {
	cleaned := make([]string, 0, len(recipients))
	for _, addr := range recipients {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return cleaned
}

// ==================== HTTP relay backend ====================

// RelayNotifier posts one message per recipient to the local mail relay
// service.
type RelayNotifier struct {
	sendURL     string
	contentType string
	httpClient  *http.Client
}

// NewRelayNotifier creates a notifier backed by the HTTP mail relay
func NewRelayNotifier(cfg *config.Config) *RelayNotifier {
	return &RelayNotifier{
		sendURL:     cfg.EmailSendURL,
		contentType: cfg.EmailContentType,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.EmailTimeout) * time.Second,
		},
	}
}

type relayPayload struct {
	ToEmail     string `json:"to_email"`
	Subject     string `json:"subject"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

// Send delivers the message to every recipient, continuing past
// per-recipient failures and reporting an error if any delivery failed.
func (n *RelayNotifier) Send(subject, body string, recipients []string) error {
	if n.sendURL == "" {
		return fmt.Errorf("email relay URL not configured")
	}

	cleaned := cleanRecipients(recipients)
	if len(cleaned) == 0 {
		log.Println("Empty recipient list, skipping email")
		return nil
	}

	failed := 0
	for _, recipient := range cleaned {
		payload, err := json.Marshal(relayPayload{
			ToEmail:     recipient,
			Subject:     subject,
			Content:     body,
			ContentType: n.contentType,
		})
		if err != nil {
			return fmt.Errorf("failed to encode email payload: %w", err)
		}

		resp, err := n.httpClient.Post(n.sendURL, "application/json", bytes.NewReader(payload))
		if err != nil {
			log.Printf("Mail relay call failed (%s): %v", recipient, err)
			failed++
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			log.Printf("Mail relay rejected message (%s): status %d", recipient, resp.StatusCode)
			failed++
			continue
		}
		log.Printf("Notified %s: %s", recipient, subject)
	}

	if failed > 0 {
		return fmt.Errorf("failed to notify %d of %d recipients", failed, len(cleaned))
	}
	return nil
}

// ==================== SendGrid backend ====================

// SendgridNotifier delivers mail through the SendGrid API
type SendgridNotifier struct {
	apiKey   string
	fromName string
	fromAddr string
}

// NewSendgridNotifier creates a SendGrid-backed notifier
func NewSendgridNotifier(cfg *config.Config) *SendgridNotifier {
	return &SendgridNotifier{
		apiKey:   cfg.SendgridAPIKey,
		fromName: cfg.EmailFromName,
		fromAddr: cfg.EmailFromAddr,
	}
}

// Send delivers the message to every recipient through SendGrid
func (n *SendgridNotifier) Send(subject, body string, recipients []string) error {
	cleaned := cleanRecipients(recipients)
	if len(cleaned) == 0 {
		log.Println("Empty recipient list, skipping email")
		return nil
	}

	client := sendgrid.NewSendClient(n.apiKey)
	from := mail.NewEmail(n.fromName, n.fromAddr)

	failed := 0
	for _, recipient := range cleaned {
		to := mail.NewEmail(recipient, recipient)
		message := mail.NewSingleEmail(from, subject, to, body, "")
		if _, err := client.Send(message); err != nil {
			log.Printf("SendGrid delivery failed (%s): %v", recipient, err)
			failed++
			continue
		}
		log.Printf("Notified %s: %s", recipient, subject)
	}

	if failed > 0 {
		return fmt.Errorf("failed to notify %d of %d recipients", failed, len(cleaned))
	}
	return nil
}
