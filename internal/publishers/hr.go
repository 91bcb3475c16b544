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

const dateLayout = "2006-01-02"

// PayrollRun summarises one processed payroll.
type PayrollRun struct {
	PayrollID   string
	PeriodStart time.Time
	PeriodEnd   time.Time
	PayDate     time.Time
	Employees   int
	GrossPay    decimal.Decimal
	Deductions  decimal.Decimal
	NetPay      decimal.Decimal
	Currency    string
}

// HR publishes payroll events on the HR channel.
type HR struct {
	publisher
}

// NewHR builds the HR publisher.
func NewHR(bus Bus) *HR {
	return &HR{publisher{bus: bus, module: ModuleHR}}
}

// PayrollProcessed announces a completed payroll run to accounting for journal
// posting. Net pay must equal gross pay minus deductions.
func (h *HR) PayrollProcessed(ctx context.Context, actor Actor, run PayrollRun) (string, error) {
	if strings.TrimSpace(run.PayrollID) == "" {
		return "", errs.New("publishers/hr", errs.CodeInvalid, errs.WithMessage("payroll id required"))
	}
	if run.Employees <= 0 {
		return "", errs.New("publishers/hr", errs.CodeInvalid, errs.WithMessage("payroll must cover at least one employee"))
	}
	if run.PeriodStart.IsZero() || run.PeriodEnd.IsZero() || run.PeriodEnd.Before(run.PeriodStart) {
		return "", errs.New("publishers/hr", errs.CodeInvalid, errs.WithMessage("payroll period invalid"))
	}
	if run.GrossPay.IsNegative() || run.Deductions.IsNegative() {
		return "", errs.New("publishers/hr", errs.CodeInvalid, errs.WithMessage("payroll amounts must not be negative"))
	}
	if expected := run.GrossPay.Sub(run.Deductions); !expected.Equal(run.NetPay) {
		return "", errs.New("publishers/hr", errs.CodeInvalid,
			errs.WithMessage("net pay does not equal gross pay minus deductions"),
			errs.WithField("expected", expected.StringFixed(2)),
			errs.WithField("netPay", run.NetPay.StringFixed(2)))
	}
	payDate := run.PayDate
	if payDate.IsZero() {
		payDate = run.PeriodEnd
	}
	data := map[string]any{
		"event":           "payroll_processed",
		"payrollId":       run.PayrollID,
		"periodStart":     run.PeriodStart.Format(dateLayout),
		"periodEnd":       run.PeriodEnd.Format(dateLayout),
		"payDate":         payDate.Format(dateLayout),
		"totalEmployees":  run.Employees,
		"totalGrossPay":   run.GrossPay.StringFixed(2),
		"totalDeductions": run.Deductions.StringFixed(2),
		"totalNetPay":     run.NetPay.StringFixed(2),
		"currency":        currencyOrDefault(run.Currency),
	}
	return h.publish(ctx, schema.EventTypeBusinessEvent, schema.ChannelHR, data,
		h.source(actor, "payroll", run.PayrollID),
		eventbus.WithPriority(schema.PriorityHigh),
		eventbus.WithTargets(schema.Target{Module: ModuleAccounting, Handler: "post_payroll_journal"}))
}
