/*
Package notify delivers movement alerts and reorder notices after a ledger
append. Delivery is fire-and-forget: the ledger never waits for it and a
failed send never affects an entry.

MESSAGES:
  movement: one per successful append, addressed to the stakeholders
  reorder:  when an out or transfer leaves the item at or below its
            minimum stock level, addressed to the item's supplier

SENDERS:
  LogSender:      structured log line (always safe to enable)
  SMTPSender:     plain-text email
  RedisPublisher: JSON on a pub/sub channel for dashboards

SEE ALSO:
  - dispatcher.go: bounded queue and worker pool
  - ledger.Notifier: the hook the Builder calls
*/
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/pharma-ledger/ledger"
)

// DefaultReorderQuantity is the number of units requested by a reorder notice.
const DefaultReorderQuantity = 50

type Kind string

const (
	KindMovement Kind = "movement"
	KindReorder  Kind = "reorder"
)

// Message is one notification, rendered and addressed.
type Message struct {
	ID        string
	Kind      Kind
	To        []string
	Subject   string
	Body      string
	Movement  ledger.Movement
	CreatedAt time.Time
}

// Sender delivers a message over one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// SupplierLookup resolves the supplier name for an item.
type SupplierLookup func(ctx context.Context, ref ledger.ItemRef) (string, error)

// Directory maps supplier names to order addresses.
type Directory struct {
	Suppliers map[string]string
	Fallback  string
}

func (d Directory) AddressOf(supplier string) string {
	if addr, ok := d.Suppliers[supplier]; ok {
		return addr
	}
	return d.Fallback
}

// NeedsReorder reports whether m left its item at or below the minimum.
// Receipts never trigger a reorder, and a zero minimum means no threshold.
func NeedsReorder(m ledger.Movement) bool {
	if m.Kind == ledger.KindIn || m.Item.MinStockLevel <= 0 {
		return false
	}
	return m.Item.QuantityOnHand <= m.Item.MinStockLevel
}

// MovementMessage renders the stakeholder alert for m.
func MovementMessage(m ledger.Movement, to []string, now time.Time) Message {
	action := strings.ToUpper(string(m.Kind))

	var b strings.Builder
	fmt.Fprintf(&b, "Drug Movement Alert\n\n")
	fmt.Fprintf(&b, "Drug:         %s\n", m.Item.Name)
	fmt.Fprintf(&b, "Batch Number: %s\n", m.PartitionKey)
	fmt.Fprintf(&b, "Action:       %s\n", action)
	fmt.Fprintf(&b, "Quantity:     %d units\n", m.Quantity)
	if m.Source != "" {
		fmt.Fprintf(&b, "From:         %s\n", m.Source)
	}
	if m.Destination != "" {
		fmt.Fprintf(&b, "To:           %s\n", m.Destination)
	}
	fmt.Fprintf(&b, "On hand:      %d units%s\n", m.Item.QuantityOnHand, staleSuffix(m.Item))
	fmt.Fprintf(&b, "Time:         %s\n\n", ledger.FormatTimestamp(m.At))
	fmt.Fprintf(&b, "Ledger entry %d recorded with hash %s\n", m.EntryID, m.Hash)

	return Message{
		ID:        uuid.NewString(),
		Kind:      KindMovement,
		To:        to,
		Subject:   fmt.Sprintf("PharmaChain Alert: %s - %s", action, m.Item.Name),
		Body:      b.String(),
		Movement:  m,
		CreatedAt: now,
	}
}

// ReorderMessage renders the purchase order sent to the supplier.
func ReorderMessage(m ledger.Movement, supplier, to string, qty int64, now time.Time) Message {
	deliverTo := m.Source
	if m.Kind == ledger.KindTransfer && m.Destination != "" {
		deliverTo = m.Destination
	}
	orderRef := fmt.Sprintf("PO-%d", now.UnixMilli())

	var b strings.Builder
	fmt.Fprintf(&b, "URGENT MEDICINE ORDER %s\n\n", orderRef)
	fmt.Fprintf(&b, "Supplier:         %s\n", supplier)
	fmt.Fprintf(&b, "Drug:             %s\n", m.Item.Name)
	fmt.Fprintf(&b, "Batch Number:     %s\n", m.PartitionKey)
	fmt.Fprintf(&b, "Order Quantity:   %d units\n", qty)
	fmt.Fprintf(&b, "Current Stock:    %d units (minimum %d)\n", m.Item.QuantityOnHand, m.Item.MinStockLevel)
	fmt.Fprintf(&b, "Delivery Address: %s\n", deliverTo)

	var recipients []string
	if to != "" {
		recipients = []string{to}
	}
	return Message{
		ID:        uuid.NewString(),
		Kind:      KindReorder,
		To:        recipients,
		Subject:   fmt.Sprintf("URGENT: Purchase Order - %s (Batch: %s)", m.Item.Name, m.PartitionKey),
		Body:      b.String(),
		Movement:  m,
		CreatedAt: now,
	}
}

func staleSuffix(it ledger.Item) string {
	if it.Stale {
		return " (pending rebuild)"
	}
	return ""
}
