// Package notify holds the outbound sinks: the SMTP confirmation email and
// the spreadsheet logging webhook. Both are best-effort; failures never roll
// back order state.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"bundlehub/internal/order"
)

type EmailConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

type EmailSender struct {
	cfg    EmailConfig
	logger *slog.Logger

	// send is swappable for tests; defaults to smtp.SendMail.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailSender(cfg EmailConfig, logger *slog.Logger) *EmailSender {
	return &EmailSender{cfg: cfg, logger: logger, send: smtp.SendMail}
}

// SendOrderConfirmation emails the receipt and download links. The context
// deadline bounds the send; a slow SMTP server cannot hold up the caller
// past it.
func (s *EmailSender) SendOrderConfirmation(ctx context.Context, o *order.Order) error {
	msg := buildConfirmation(s.cfg.From, o)
	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	addr := s.cfg.Host + ":" + s.cfg.Port

	done := make(chan error, 1)
	go func() {
		done <- s.send(addr, auth, s.cfg.From, []string{o.CustomerEmail}, msg)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("send confirmation email: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send confirmation email: %w", err)
		}
		s.logger.Info("confirmation email sent", "order_id", o.ID, "to", o.CustomerEmail)
		return nil
	}
}

func buildConfirmation(from string, o *order.Order) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", o.CustomerEmail)
	fmt.Fprintf(&b, "Subject: Order Confirmation %s\r\n", o.ID)
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "Hi %s,\r\n\r\n", o.CustomerName)
	fmt.Fprintf(&b, "Thank you for your order! Your order ID is %s.\r\n\r\n", o.ID)
	for _, it := range o.Items {
		fmt.Fprintf(&b, "  %s x%d — %s\r\n", it.Name, it.Quantity, formatAmount(it.UnitPrice*int64(it.Quantity)))
	}
	fmt.Fprintf(&b, "\r\nTotal: %s\r\n", formatAmount(o.TotalAmount))
	if len(o.DownloadLinks) > 0 {
		b.WriteString("\r\nYour downloads:\r\n")
		for _, dl := range o.DownloadLinks {
			fmt.Fprintf(&b, "  %s: %s\r\n", dl.Name, dl.URL)
		}
	}
	return []byte(b.String())
}

// formatAmount renders paise as rupees for display.
func formatAmount(paise int64) string {
	return fmt.Sprintf("₹%d.%02d", paise/100, paise%100)
}
