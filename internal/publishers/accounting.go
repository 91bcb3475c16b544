package publishers

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/coreflow/errs"
	"github.com/coachpo/coreflow/internal/domain/schema"
	"github.com/coachpo/coreflow/internal/infra/bus/eventbus"
)

// InvoicePayment is the payload of InvoicePaid.
type InvoicePayment struct {
	InvoiceID  string
	CustomerID string
	Amount     decimal.Decimal
	Currency   string
	Method     string
	Reference  string
	PaidAt     time.Time
}

// Accounting publishes ledger events on the ACCOUNTING channel.
type Accounting struct {
	publisher
}

// NewAccounting builds the accounting publisher.
func NewAccounting(bus Bus) *Accounting {
	return &Accounting{publisher{bus: bus, module: ModuleAccounting}}
}

// InvoicePaid announces a settled invoice. Amounts travel as decimal strings.
func (a *Accounting) InvoicePaid(ctx context.Context, actor Actor, payment InvoicePayment) (string, error) {
	if strings.TrimSpace(payment.InvoiceID) == "" {
		return "", errs.New("publishers/accounting", errs.CodeInvalid, errs.WithMessage("invoice id required"))
	}
	if !payment.Amount.IsPositive() {
		return "", errs.New("publishers/accounting", errs.CodeInvalid,
			errs.WithMessage("payment amount must be positive"),
			errs.WithField("amount", payment.Amount.String()))
	}
	paidAt := payment.PaidAt
	if paidAt.IsZero() {
		paidAt = time.Now()
	}
	data := map[string]any{
		"event":     "invoice_paid",
		"invoiceId": payment.InvoiceID,
		"amount":    payment.Amount.StringFixed(2),
		"currency":  currencyOrDefault(payment.Currency),
		"paidAt":    paidAt.UTC().Format(time.RFC3339),
	}
	setIfPresent(data, "customerId", payment.CustomerID)
	setIfPresent(data, "method", strings.ToLower(payment.Method))
	setIfPresent(data, "reference", payment.Reference)

	return a.publish(ctx, schema.EventTypeBusinessEvent, schema.ChannelAccounting, data,
		a.source(actor, "invoice", payment.InvoiceID),
		eventbus.WithTargets(
			schema.Target{Module: ModuleCRM, Handler: "update_customer_balance"},
			schema.Target{Module: ModuleAI, Handler: "forecast_cash_flow"},
		))
}
