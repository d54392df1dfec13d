package membership

import (
	"github.com/shopspring/decimal"
)

// DefaultPlans is the catalog seeded by the "plans seed" command.
func DefaultPlans() []*Plan {
	return []*Plan{
		{
			ID:                "monthly_plan",
			Name:              "Monthly Membership",
			Description:       "2 covered consultations every month",
			Price:             decimal.RequireFromString("45.00"),
			Currency:          "EUR",
			BillingInterval:   "month",
			IntervalCount:     1,
			AllowancePerCycle: 2,
			IsActive:          true,
		},
		{
			ID:                "biannual_plan",
			Name:              "Six-Month Membership",
			Description:       "12 covered consultations every six months",
			Price:             decimal.RequireFromString("219.00"),
			Currency:          "EUR",
			BillingInterval:   "month",
			IntervalCount:     6,
			AllowancePerCycle: 12,
			IsActive:          true,
		},
	}
}
