package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mediquory/connect-auth/internal/config"
	"github.com/sirupsen/logrus"
)

// GatewaySender posts the code to the SMS vendor's HTTP API. When the
// primary route fails it retries once against the fallback route; any
// further handling is the caller's concern.
type GatewaySender struct {
	httpClient  *http.Client
	gatewayURL  string
	fallbackURL string
	apiToken    string
	templateID  string
	senderID    string
	logger      *logrus.Logger
}

func NewGatewaySender(cfg *config.SMSConfig, logger *logrus.Logger) *GatewaySender {
	return &GatewaySender{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		gatewayURL:  cfg.GatewayURL,
		fallbackURL: cfg.FallbackURL,
		apiToken:    cfg.APIToken,
		templateID:  cfg.TemplateID,
		senderID:    cfg.SenderID,
		logger:      logger,
	}
}

type gatewayRequest struct {
	To         string `json:"to"`
	Sender     string `json:"sender"`
	TemplateID string `json:"template_id,omitempty"`
	Message    string `json:"message"`
}

type gatewayResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *GatewaySender) Send(ctx context.Context, phone, code string) error {
	err := s.post(ctx, s.gatewayURL, phone, code)
	if err == nil {
		return nil
	}

	if s.fallbackURL == "" {
		return err
	}

	s.logger.WithError(err).Warn("Primary SMS route failed, trying fallback")

	if fallbackErr := s.post(ctx, s.fallbackURL, phone, code); fallbackErr != nil {
		return fmt.Errorf("primary route: %v, fallback route: %w", err, fallbackErr)
	}

	return nil
}

func (s *GatewaySender) post(ctx context.Context, url, phone, code string) error {
	body, err := json.Marshal(gatewayRequest{
		To:         phone,
		Sender:     s.senderID,
		TemplateID: s.templateID,
		Message:    fmt.Sprintf("%s is your Mediquory Connect verification code. Valid for 10 minutes.", code),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal SMS request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to build SMS request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("SMS gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("SMS gateway returned non-OK status: %s", resp.Status)
	}

	var apiResp gatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("failed to decode SMS gateway response: %w", err)
	}

	if apiResp.Status != "" && apiResp.Status != "success" && apiResp.Status != "queued" {
		return fmt.Errorf("SMS gateway rejected message: %s", apiResp.Message)
	}

	return nil
}
