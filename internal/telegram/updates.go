package telegram

import (
	"context"

	"github.com/tidwall/gjson"
)

// SecretTokenHeader carries the secret configured with setWebhook.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// PaymentKind distinguishes the two payment updates of a Stars invoice.
type PaymentKind string

const (
	PaymentPreCheckout PaymentKind = "pre_checkout"
	PaymentSuccessful  PaymentKind = "successful_payment"
)

// PaymentUpdate is the payment-relevant part of a webhook update.
type PaymentUpdate struct {
	Kind        PaymentKind
	QueryID     string // pre-checkout only
	FromID      int64
	Currency    string
	TotalAmount int64
	Payload     string
	ChargeID    string // successful payment only
}

// ParsePaymentUpdate extracts a pre_checkout_query or successful_payment
// from a webhook body. ok is false for every other kind of update.
func ParsePaymentUpdate(body []byte) (u PaymentUpdate, ok bool) {
	root := gjson.ParseBytes(body)

	if q := root.Get("pre_checkout_query"); q.Exists() {
		return PaymentUpdate{
			Kind:        PaymentPreCheckout,
			QueryID:     q.Get("id").String(),
			FromID:      q.Get("from.id").Int(),
			Currency:    q.Get("currency").String(),
			TotalAmount: q.Get("total_amount").Int(),
			Payload:     q.Get("invoice_payload").String(),
		}, true
	}

	if p := root.Get("message.successful_payment"); p.Exists() {
		return PaymentUpdate{
			Kind:        PaymentSuccessful,
			FromID:      root.Get("message.from.id").Int(),
			Currency:    p.Get("currency").String(),
			TotalAmount: p.Get("total_amount").Int(),
			Payload:     p.Get("invoice_payload").String(),
			ChargeID:    p.Get("telegram_payment_charge_id").String(),
		}, true
	}
	return PaymentUpdate{}, false
}

// AnswerPreCheckoutQuery approves or declines a pending payment. Telegram
// waits at most ten seconds for the answer.
func (c *Client) AnswerPreCheckoutQuery(ctx context.Context, queryID string, ok bool, errorMessage string) error {
	params := map[string]any{
		"pre_checkout_query_id": queryID,
		"ok":                    ok,
	}
	if !ok {
		params["error_message"] = errorMessage
	}
	_, err := c.call(ctx, "answerPreCheckoutQuery", params)
	return err
}
