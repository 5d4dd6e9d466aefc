package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OCRClient sends images to a text recognition service and returns the
// raw text with the engine's own confidence (0-100).
type OCRClient struct {
	url    string
	client *http.Client
}

func NewOCRClient(url string, timeout time.Duration) *OCRClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OCRClient{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

type Recognition struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (c *OCRClient) Recognize(ctx context.Context, image []byte) (Recognition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/recognize", bytes.NewReader(image))
	if err != nil {
		return Recognition{}, err
	}
	req.Header.Set("Content-Type", http.DetectContentType(image))

	resp, err := c.client.Do(req)
	if err != nil {
		return Recognition{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return Recognition{}, fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var r Recognition
	if err := json.Unmarshal(body, &r); err != nil {
		return Recognition{}, fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	return r, nil
}
