package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const sheetsTimeout = 10 * time.Second

// SheetsSink posts rows to a spreadsheet webhook. The webhook is an opaque
// logging sink; anything past a 2xx is treated as delivered.
type SheetsSink struct {
	url    string
	httpc  *http.Client
	logger *slog.Logger
}

func NewSheetsSink(url string, logger *slog.Logger) *SheetsSink {
	return &SheetsSink{
		url:    url,
		httpc:  &http.Client{Timeout: sheetsTimeout},
		logger: logger,
	}
}

// Enabled reports whether a webhook URL is configured. Without one, log
// calls are silently dropped.
func (s *SheetsSink) Enabled() bool {
	return s.url != ""
}

type ContactMessage struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone,omitempty"`
	Message string `json:"message"`
}

func (s *SheetsSink) LogContact(ctx context.Context, m ContactMessage) error {
	return s.post(ctx, map[string]any{
		"type":    "contact",
		"name":    m.Name,
		"email":   m.Email,
		"phone":   m.Phone,
		"message": m.Message,
	})
}

// LogRow forwards an arbitrary row, used by the event consumer to mirror
// order lifecycle events into the sheet.
func (s *SheetsSink) LogRow(ctx context.Context, row map[string]any) error {
	return s.post(ctx, row)
}

func (s *SheetsSink) post(ctx context.Context, row map[string]any) error {
	if !s.Enabled() {
		return nil
	}

	body, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal sheets row: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build sheets request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("post sheets row: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("sheets webhook returned %d", resp.StatusCode)
	}
	return nil
}
