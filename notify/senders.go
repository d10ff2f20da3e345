package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/smtp"
	"strings"
	"time"
	"unicode"

	"github.com/redis/go-redis/v9"

	"github.com/warp/pharma-ledger/ledger"
)

// =============================================================================
// LOG
// =============================================================================

// LogSender writes each message as one structured log line.
type LogSender struct {
	Logger *slog.Logger
}

func (LogSender) Name() string { return "log" }

func (s LogSender) Send(ctx context.Context, msg Message) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		"kind", msg.Kind,
		"id", msg.ID,
		"subject", msg.Subject,
		"to", strings.Join(msg.To, ","),
		"partition", msg.Movement.PartitionKey,
		"entry_id", msg.Movement.EntryID,
	)
	return nil
}

// =============================================================================
// SMTP
// =============================================================================

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender sends plain-text mail. Messages without recipients are skipped.
type SMTPSender struct {
	addr     string
	from     string
	auth     smtp.Auth
	sendMail sendMailFunc
}

// NewSMTPSender uses PLAIN auth when username is set.
func NewSMTPSender(host string, port int, username, password, from string) *SMTPSender {
	s := &SMTPSender{
		addr:     fmt.Sprintf("%s:%d", host, port),
		from:     from,
		sendMail: smtp.SendMail,
	}
	if username != "" {
		s.auth = smtp.PlainAuth("", username, password, host)
	}
	return s
}

func (*SMTPSender) Name() string { return "smtp" }

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return nil
	}
	// smtp.SendMail has no context; honour cancellation before dialing.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.sendMail(s.addr, s.auth, s.from, msg.To, s.compose(msg)); err != nil {
		return fmt.Errorf("failed to send mail %s: %w", msg.ID, err)
	}
	return nil
}

func (s *SMTPSender) compose(msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", headerValue(s.from))
	fmt.Fprintf(&b, "To: %s\r\n", headerValue(strings.Join(msg.To, ", ")))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", headerValue(msg.Subject)))
	fmt.Fprintf(&b, "Date: %s\r\n", msg.CreatedAt.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@pharmaledger>\r\n", msg.ID)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}

// headerValue flattens control characters to spaces so a value taken from
// drug data cannot end the header line and start a new one.
func headerValue(v string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, v)
}

// =============================================================================
// REDIS PUB/SUB
// =============================================================================

// DefaultChannel is the pub/sub channel movements are published on.
const DefaultChannel = "pharmaledger:movements"

// RedisPublisher publishes every message as JSON.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (*RedisPublisher) Name() string { return "redis" }

// Event is the published JSON document.
type Event struct {
	ID            string `json:"id"`
	Kind          Kind   `json:"kind"`
	Subject       string `json:"subject"`
	PartitionKey  string `json:"partition_key"`
	ItemRef       string `json:"item_ref"`
	ItemName      string `json:"item_name"`
	MovementKind  string `json:"movement_kind"`
	Quantity      int64  `json:"quantity"`
	Source        string `json:"source_location,omitempty"`
	Destination   string `json:"dest_location,omitempty"`
	OnHand        int64  `json:"quantity_on_hand"`
	MinStockLevel int64  `json:"min_stock_level"`
	Stale         bool   `json:"stale"`
	EntryID       int64  `json:"entry_id"`
	Hash          string `json:"hash"`
	Timestamp     string `json:"timestamp"`
}

func NewEvent(msg Message) Event {
	m := msg.Movement
	return Event{
		ID:            msg.ID,
		Kind:          msg.Kind,
		Subject:       msg.Subject,
		PartitionKey:  string(m.PartitionKey),
		ItemRef:       string(m.Item.Ref),
		ItemName:      m.Item.Name,
		MovementKind:  string(m.Kind),
		Quantity:      m.Quantity,
		Source:        m.Source,
		Destination:   m.Destination,
		OnHand:        m.Item.QuantityOnHand,
		MinStockLevel: m.Item.MinStockLevel,
		Stale:         m.Item.Stale,
		EntryID:       int64(m.EntryID),
		Hash:          m.Hash,
		Timestamp:     ledger.FormatTimestamp(m.At),
	}
}

func (p *RedisPublisher) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(NewEvent(msg))
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.channel, err)
	}
	return nil
}
