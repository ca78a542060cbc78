// Package notify delivers buyer-facing messages about a transaction.
//
// Delivery is fire-and-forget from the point of view of the reconciliation
// engine: a failed send is logged and counted but never undoes a funds update.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
)

// Kind identifies which message template to use.
type Kind string

const (
	KindPartialPayment  Kind = "partial_payment"
	KindConfirmDelivery Kind = "confirm_delivery"
	KindPaymentReleased Kind = "payment_released"
)

// Message is one outbound notification.
type Message struct {
	To   string            `json:"to"`
	Kind Kind              `json:"kind"`
	Vars map[string]string `json:"vars"`
}

// Notifier sends a message to a recipient.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, msg Message) error

// Send implements Notifier.
func (f NotifierFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

var templates = map[Kind]*template.Template{
	KindPartialPayment: template.Must(template.New(string(KindPartialPayment)).Parse(
		`Hi {{.buyer_name}}, we received Ksh {{.paid}} for {{.product}}. ` +
			`Total paid: Ksh {{.total}}. Balance owed: Ksh {{.balance}}.`)),
	KindConfirmDelivery: template.Must(template.New(string(KindConfirmDelivery)).Parse(
		`Hi {{.buyer_name}}, your payment of Ksh {{.total}} for {{.product}} is held in escrow. ` +
			`Once you receive your item, confirm delivery here: {{.confirm_url}}`)),
	KindPaymentReleased: template.Must(template.New(string(KindPaymentReleased)).Parse(
		`Hi {{.buyer_name}}, the payment of Ksh {{.total}} for {{.product}} has been released to the seller.`)),
}

// Subject returns the email subject line for a message kind.
func Subject(kind Kind) string {
	switch kind {
	case KindPartialPayment:
		return "Partial payment received"
	case KindConfirmDelivery:
		return "Payment complete: confirm delivery"
	case KindPaymentReleased:
		return "Payment released"
	default:
		return "Payment update"
	}
}

// Render produces the plain-text body for a message.
func Render(msg Message) (string, error) {
	tmpl, ok := templates[msg.Kind]
	if !ok {
		return "", fmt.Errorf("unknown message kind %q", msg.Kind)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, msg.Vars); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", msg.Kind, err)
	}
	return buf.String(), nil
}
