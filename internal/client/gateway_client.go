package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/LeventeLantos/bingo-registry/internal/model"
)

// GatewayClient talks to the WhatsApp HTTP gateway that owns the chat
// session. Session lifecycle stays on the gateway side.
type GatewayClient struct {
	baseURL     string
	token       string
	countryCode string
	client      *http.Client
}

func NewGatewayClient(baseURL, token, countryCode string, timeout time.Duration) *GatewayClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GatewayClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		countryCode: countryCode,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type Media struct {
	Data     []byte
	MimeType string
	FileName string
}

type Status struct {
	Ready      bool
	Diagnostic string
}

type statusResponse struct {
	Ready bool   `json:"ready"`
	State string `json:"state"`
}

type textRequest struct {
	ChatID string `json:"chatId"`
	Body   string `json:"body"`
}

type mediaPayload struct {
	MimeType string `json:"mimetype"`
	Data     string `json:"data"`
	FileName string `json:"filename"`
}

type mediaRequest struct {
	ChatID  string       `json:"chatId"`
	Caption string       `json:"caption"`
	Media   mediaPayload `json:"media"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
}

func (c *GatewayClient) Status(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return Status{}, err
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return Status{Diagnostic: err.Error()}, model.Wrap(model.KindTransport, "gateway status", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return Status{Diagnostic: fmt.Sprintf("status code %d", resp.StatusCode)},
			model.NewError(model.KindTransport, fmt.Sprintf("unexpected status code: %d body=%q", resp.StatusCode, string(body)))
	}

	var sr statusResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return Status{}, model.Wrap(model.KindTransport, fmt.Sprintf("failed to decode json body=%q", string(body)), err)
	}
	return Status{Ready: sr.Ready, Diagnostic: sr.State}, nil
}

func (c *GatewayClient) SendText(ctx context.Context, phone, body string) error {
	chatID, err := FormatPhone(phone, c.countryCode)
	if err != nil {
		return model.Wrap(model.KindRecipientNotRegistered, "invalid phone", err)
	}
	return c.post(ctx, "/messages/text", textRequest{ChatID: chatID, Body: body})
}

func (c *GatewayClient) SendMediaWithCaption(ctx context.Context, phone string, media Media, caption string) error {
	chatID, err := FormatPhone(phone, c.countryCode)
	if err != nil {
		return model.Wrap(model.KindRecipientNotRegistered, "invalid phone", err)
	}
	return c.post(ctx, "/messages/media", mediaRequest{
		ChatID:  chatID,
		Caption: caption,
		Media: mediaPayload{
			MimeType: media.MimeType,
			Data:     base64.StdEncoding.EncodeToString(media.Data),
			FileName: media.FileName,
		},
	})
}

func (c *GatewayClient) post(ctx context.Context, path string, payload any) error {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return model.Wrap(model.KindTransport, "gateway request", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return model.NewError(model.KindRecipientNotRegistered, fmt.Sprintf("number is not on WhatsApp body=%q", string(body)))
	case resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK:
		return model.NewError(model.KindTransport, fmt.Sprintf("unexpected status code: %d body=%q", resp.StatusCode, string(body)))
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return model.Wrap(model.KindTransport, fmt.Sprintf("failed to decode json body=%q", string(body)), err)
	}
	if sr.MessageID == "" {
		return model.NewError(model.KindTransport, fmt.Sprintf("missing messageId in response body=%q", string(body)))
	}
	return nil
}

func (c *GatewayClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

var errPhoneTooShort = errors.New("phone number too short")

// FormatPhone turns a local or international number into the gateway chat
// id, e.g. "0991234567" -> "593991234567@c.us" for country code 593.
func FormatPhone(number, countryCode string) (string, error) {
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 9 {
		return "", errPhoneTooShort
	}

	switch {
	case countryCode != "" && strings.HasPrefix(digits, countryCode):
	case strings.HasPrefix(digits, "0"):
		digits = countryCode + digits[1:]
	case len(digits) == 9:
		digits = countryCode + digits
	}
	return digits + "@c.us", nil
}
