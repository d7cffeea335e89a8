package telegram

import (
	"context"
	"testing"
)

func TestParsePaymentUpdate(t *testing.T) {
	tests := []struct {
		name string
		body string
		ok   bool
		want PaymentUpdate
	}{
		{
			name: "pre checkout",
			body: `{"update_id":1,"pre_checkout_query":{"id":"q1","from":{"id":42},"currency":"XTR","total_amount":250,"invoice_payload":"inv_abc"}}`,
			ok:   true,
			want: PaymentUpdate{Kind: PaymentPreCheckout, QueryID: "q1", FromID: 42, Currency: "XTR", TotalAmount: 250, Payload: "inv_abc"},
		},
		{
			name: "successful payment",
			body: `{"update_id":2,"message":{"from":{"id":42},"successful_payment":{"currency":"XTR","total_amount":250,"invoice_payload":"inv_abc","telegram_payment_charge_id":"ch_1"}}}`,
			ok:   true,
			want: PaymentUpdate{Kind: PaymentSuccessful, FromID: 42, Currency: "XTR", TotalAmount: 250, Payload: "inv_abc", ChargeID: "ch_1"},
		},
		{
			name: "plain message",
			body: `{"update_id":3,"message":{"from":{"id":42},"text":"/start"}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParsePaymentUpdate([]byte(tt.body))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("update = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestClient_AnswerPreCheckoutQuery(t *testing.T) {
	bs := newBotServer(t, func(string, map[string]any) (int, string) {
		return 200, `{"ok":true,"result":true}`
	})
	c := NewClient("tok", WithBaseURL(bs.URL))

	if err := c.AnswerPreCheckoutQuery(context.Background(), "q1", false, "Invoice expired"); err != nil {
		t.Fatal(err)
	}
	params := bs.calls["answerPreCheckoutQuery"]
	if params["ok"] != false || params["error_message"] != "Invoice expired" {
		t.Errorf("unexpected params: %v", params)
	}
}
