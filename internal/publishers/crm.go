package publishers

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/coreflow/errs"
	"github.com/coachpo/coreflow/internal/domain/schema"
	"github.com/coachpo/coreflow/internal/infra/bus/eventbus"
)

// Customer is the payload of CustomerCreated.
type Customer struct {
	ID      string
	Name    string
	Email   string
	Company string
	Phone   string
	Segment string
}

// DealStageChange is the payload of DealStageChanged.
type DealStageChange struct {
	DealID      string
	CustomerID  string
	FromStage   string
	ToStage     string
	Amount      decimal.Decimal
	Currency    string
	Probability float64
}

// Closing stages escalate the event priority.
const (
	StageClosedWon  = "closed_won"
	StageClosedLost = "closed_lost"
)

// CRM publishes customer and deal events on the CRM channel.
type CRM struct {
	publisher
}

// NewCRM builds the CRM publisher.
func NewCRM(bus Bus) *CRM {
	return &CRM{publisher{bus: bus, module: ModuleCRM}}
}

// CustomerCreated announces a new customer to accounting and AI scoring.
func (c *CRM) CustomerCreated(ctx context.Context, actor Actor, customer Customer) (string, error) {
	if strings.TrimSpace(customer.ID) == "" || strings.TrimSpace(customer.Name) == "" {
		return "", errs.New("publishers/crm", errs.CodeInvalid, errs.WithMessage("customer id and name required"))
	}
	data := map[string]any{
		"customerId": customer.ID,
		"name":       customer.Name,
	}
	setIfPresent(data, "email", customer.Email)
	setIfPresent(data, "company", customer.Company)
	setIfPresent(data, "phone", customer.Phone)
	setIfPresent(data, "segment", customer.Segment)

	return c.publish(ctx, schema.EventTypeEntityCreated, schema.ChannelCRM, data,
		c.source(actor, "customer", customer.ID),
		eventbus.WithTargets(
			schema.Target{Module: ModuleAccounting, Handler: "create_customer_account"},
			schema.Target{Module: ModuleAI, Handler: "score_customer"},
		))
}

// DealStageChanged records a pipeline move. Closing a deal is HIGH priority.
func (c *CRM) DealStageChanged(ctx context.Context, actor Actor, change DealStageChange) (string, error) {
	if strings.TrimSpace(change.DealID) == "" || strings.TrimSpace(change.ToStage) == "" {
		return "", errs.New("publishers/crm", errs.CodeInvalid, errs.WithMessage("deal id and target stage required"))
	}
	if change.Probability < 0 || change.Probability > 1 {
		return "", errs.New("publishers/crm", errs.CodeInvalid, errs.WithMessage("probability must be within [0,1]"))
	}
	to := strings.ToLower(strings.TrimSpace(change.ToStage))
	data := map[string]any{
		"dealId":      change.DealID,
		"fromStage":   strings.ToLower(strings.TrimSpace(change.FromStage)),
		"toStage":     to,
		"probability": change.Probability,
	}
	setIfPresent(data, "customerId", change.CustomerID)
	if !change.Amount.IsZero() {
		data["amount"] = change.Amount.String()
		data["currency"] = currencyOrDefault(change.Currency)
	}

	priority := schema.PriorityMedium
	if to == StageClosedWon || to == StageClosedLost {
		priority = schema.PriorityHigh
	}
	return c.publish(ctx, schema.EventTypeEntityUpdated, schema.ChannelCRM, data,
		c.source(actor, "deal", change.DealID),
		eventbus.WithPriority(priority),
		eventbus.WithTargets(
			schema.Target{Module: ModuleAccounting, Handler: "update_revenue_forecast", Condition: "toStage == " + StageClosedWon},
			schema.Target{Module: ModuleAI, Handler: "predict_deal_outcome"},
		))
}

func setIfPresent(data map[string]any, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		data[key] = v
	}
}

func currencyOrDefault(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "USD"
	}
	return code
}
