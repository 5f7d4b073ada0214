package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	serrors "github.com/p-blackswan/socialbank/internal/errors"
	"github.com/p-blackswan/socialbank/internal/retry"
)

// DefaultWhatsAppURL is the Cloud API base used when none is configured.
const DefaultWhatsAppURL = "https://graph.facebook.com/v19.0"

// WhatsAppConfig configures the Cloud API client.
type WhatsAppConfig struct {
	BaseURL     string
	AccessToken string
	Retry       retry.Config
	HTTPClient  *http.Client
}

// WhatsApp sends text messages through the WhatsApp Cloud API.
type WhatsApp struct {
	baseURL string
	token   string
	retry   retry.Config
	client  *http.Client
	logger  zerolog.Logger
}

// NewWhatsApp creates a WhatsApp Cloud API notifier.
func NewWhatsApp(cfg WhatsAppConfig, logger zerolog.Logger) *WhatsApp {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultWhatsAppURL
	}
	if cfg.HTTPClient == nil {
		// Per-call deadlines come from the caller's context.
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	w := &WhatsApp{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.AccessToken,
		retry:   cfg.Retry,
		client:  cfg.HTTPClient,
		logger:  logger.With().Str("component", "whatsapp").Logger(),
	}
	if w.retry.OnRetry == nil {
		w.retry.OnRetry = func(attempt int, err error, delay time.Duration) {
			w.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying whatsapp send")
		}
	}
	return w
}

type waTextBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type waRequest struct {
	MessagingProduct string     `json:"messaging_product"`
	RecipientType    string     `json:"recipient_type"`
	To               string     `json:"to"`
	Type             string     `json:"type"`
	Text             waTextBody `json:"text"`
}

type waErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send posts a text message from msg.From to msg.To.
func (w *WhatsApp) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return fmt.Errorf("%w: empty recipient", serrors.ErrInvalidRecipient)
	}
	if msg.From == "" {
		return fmt.Errorf("%w: empty business phone id", serrors.ErrInvalidInput)
	}

	payload, err := json.Marshal(waRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               msg.To,
		Type:             "text",
		Text:             waTextBody{Body: msg.Body},
	})
	if err != nil {
		return fmt.Errorf("marshal whatsapp message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", w.baseURL, msg.From)
	return retry.Do(ctx, w.retry, func(ctx context.Context) error {
		return w.post(ctx, url, payload)
	})
}

func (w *WhatsApp) post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build whatsapp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: whatsapp send: %v", serrors.ErrTimeout, err)
		}
		return fmt.Errorf("%w: whatsapp send: %v", serrors.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	apiErr := serrors.NewAPIError("whatsapp", resp.StatusCode, http.StatusText(resp.StatusCode))
	var parsed waErrorResponse
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
		apiErr.Message = fmt.Sprintf("%s (code %d)", parsed.Error.Message, parsed.Error.Code)
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		apiErr.Err = serrors.ErrAuthFailure
	case http.StatusTooManyRequests:
		apiErr.Err = serrors.ErrRateLimit
	}
	return apiErr
}
