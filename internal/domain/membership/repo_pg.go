package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telecare/telecare/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type pgRepo struct{ pool *pgxpool.Pool }

func (r *pgRepo) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// NewRepositoriesPG wires every membership repository to the pool.
func NewRepositoriesPG(pool *pgxpool.Pool) Repositories {
	base := pgRepo{pool: pool}
	return Repositories{
		Plans:         &planRepoPG{base},
		Subscriptions: &subscriptionRepoPG{base},
		Cycles:        &cycleRepoPG{base},
		Events:        &eventRepoPG{base},
		Coverage:      &coverageRepoPG{base},
		StripeEvents:  &stripeEventRepoPG{base},
	}
}

func mapNotFound(err error, notFound error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	return json.Marshal(m)
}

func decodeMetadata(raw []byte) (map[string]string, error) {
	m := map[string]string{}
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

// -- plans --

type planRepoPG struct{ pgRepo }

const planCols = `id, name, description, price, currency, billing_interval,
	interval_count, allowance_per_cycle, stripe_price_id, is_active, created_at, updated_at`

func scanPlan(row pgx.Row) (*Plan, error) {
	var p Plan
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Currency, &p.BillingInterval,
		&p.IntervalCount, &p.AllowancePerCycle, &p.StripePriceID, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *planRepoPG) List(ctx context.Context, activeOnly bool) ([]*Plan, error) {
	q := `SELECT ` + planCols + ` FROM membership_plans`
	if activeOnly {
		q += ` WHERE is_active`
	}
	q += ` ORDER BY interval_count, id`
	rows, err := r.conn(ctx).Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *planRepoPG) Get(ctx context.Context, id string) (*Plan, error) {
	p, err := scanPlan(r.conn(ctx).QueryRow(ctx, `SELECT `+planCols+` FROM membership_plans WHERE id = $1`, id))
	if err != nil {
		return nil, mapNotFound(err, ErrPlanNotFound)
	}
	return p, nil
}

func (r *planRepoPG) GetByStripePrice(ctx context.Context, priceID string) (*Plan, error) {
	p, err := scanPlan(r.conn(ctx).QueryRow(ctx,
		`SELECT `+planCols+` FROM membership_plans WHERE stripe_price_id = $1`, priceID))
	if err != nil {
		return nil, mapNotFound(err, ErrPlanNotFound)
	}
	return p, nil
}

func (r *planRepoPG) Upsert(ctx context.Context, p *Plan) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO membership_plans (id, name, description, price, currency, billing_interval,
			interval_count, allowance_per_cycle, stripe_price_id, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, description=EXCLUDED.description,
			price=EXCLUDED.price, currency=EXCLUDED.currency, billing_interval=EXCLUDED.billing_interval,
			interval_count=EXCLUDED.interval_count, allowance_per_cycle=EXCLUDED.allowance_per_cycle,
			stripe_price_id=COALESCE(EXCLUDED.stripe_price_id, membership_plans.stripe_price_id),
			is_active=EXCLUDED.is_active, updated_at=NOW()`,
		p.ID, p.Name, p.Description, p.Price, p.Currency, p.BillingInterval,
		p.IntervalCount, p.AllowancePerCycle, p.StripePriceID, p.IsActive)
	return err
}

// -- subscriptions --

type subscriptionRepoPG struct{ pgRepo }

const subCols = `id, patient_id, plan_id, stripe_subscription_id, stripe_customer_id, status,
	current_period_start, current_period_end, activated_at, cancelled_at, ends_at,
	metadata, created_at, updated_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	var meta []byte
	if err := row.Scan(&s.ID, &s.PatientID, &s.PlanID, &s.StripeSubscriptionID, &s.StripeCustomerID,
		&s.Status, &s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.ActivatedAt, &s.CancelledAt,
		&s.EndsAt, &meta, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	m, err := decodeMetadata(meta)
	if err != nil {
		return nil, err
	}
	s.Metadata = m
	return &s, nil
}

func (r *subscriptionRepoPG) list(ctx context.Context, q string, args ...interface{}) ([]*Subscription, error) {
	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *subscriptionRepoPG) Create(ctx context.Context, s *Subscription) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	meta, err := encodeMetadata(s.Metadata)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO membership_subscriptions (id, patient_id, plan_id, stripe_subscription_id,
			stripe_customer_id, status, current_period_start, current_period_end,
			activated_at, cancelled_at, ends_at, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`,
		s.ID, s.PatientID, s.PlanID, s.StripeSubscriptionID, s.StripeCustomerID, s.Status,
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.ActivatedAt, s.CancelledAt, s.EndsAt, meta,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrSubscriptionExists
	}
	return err
}

func (r *subscriptionRepoPG) Get(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	s, err := scanSubscription(r.conn(ctx).QueryRow(ctx,
		`SELECT `+subCols+` FROM membership_subscriptions WHERE id = $1`, id))
	if err != nil {
		return nil, mapNotFound(err, ErrNotFound)
	}
	return s, nil
}

func (r *subscriptionRepoPG) GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*Subscription, error) {
	s, err := scanSubscription(r.conn(ctx).QueryRow(ctx,
		`SELECT `+subCols+` FROM membership_subscriptions WHERE stripe_subscription_id = $1`, stripeSubscriptionID))
	if err != nil {
		return nil, mapNotFound(err, ErrNotFound)
	}
	return s, nil
}

func (r *subscriptionRepoPG) GetLiveForPatient(ctx context.Context, patientID uuid.UUID) (*Subscription, error) {
	s, err := scanSubscription(r.conn(ctx).QueryRow(ctx, `
		SELECT `+subCols+` FROM membership_subscriptions
		WHERE patient_id = $1 AND status IN ('active', 'suspended', 'pending_cancel')`, patientID))
	if err != nil {
		return nil, mapNotFound(err, ErrNotFound)
	}
	return s, nil
}

func (r *subscriptionRepoPG) ListForPatient(ctx context.Context, patientID uuid.UUID) ([]*Subscription, error) {
	return r.list(ctx, `SELECT `+subCols+` FROM membership_subscriptions
		WHERE patient_id = $1 ORDER BY created_at DESC`, patientID)
}

func (r *subscriptionRepoPG) Update(ctx context.Context, s *Subscription) error {
	meta, err := encodeMetadata(s.Metadata)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE membership_subscriptions SET plan_id=$2, stripe_customer_id=$3, status=$4,
			current_period_start=$5, current_period_end=$6, activated_at=$7, cancelled_at=$8,
			ends_at=$9, metadata=$10, updated_at=NOW()
		WHERE id = $1`,
		s.ID, s.PlanID, s.StripeCustomerID, s.Status, s.CurrentPeriodStart, s.CurrentPeriodEnd,
		s.ActivatedAt, s.CancelledAt, s.EndsAt, meta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *subscriptionRepoPG) ListRenewalsDue(ctx context.Context, from, to time.Time) ([]*Subscription, error) {
	return r.list(ctx, `SELECT `+subCols+` FROM membership_subscriptions
		WHERE status = 'active' AND current_period_end >= $1 AND current_period_end < $2
		ORDER BY current_period_end`, from, to)
}

func (r *subscriptionRepoPG) ListEnding(ctx context.Context, at time.Time) ([]*Subscription, error) {
	return r.list(ctx, `SELECT `+subCols+` FROM membership_subscriptions
		WHERE status = 'pending_cancel' AND ends_at IS NOT NULL AND ends_at <= $1`, at)
}

func (r *subscriptionRepoPG) ListPeriodAdvanced(ctx context.Context, now time.Time) ([]*Subscription, error) {
	return r.list(ctx, `SELECT `+subCols+` FROM membership_subscriptions s
		WHERE s.status = 'active' AND EXISTS (
			SELECT 1 FROM membership_cycles c
			WHERE c.subscription_id = s.id AND c.is_active
				AND c.cycle_end <= $1 AND s.current_period_start >= c.cycle_end)`, now)
}

// -- cycles --

type cycleRepoPG struct{ pgRepo }

const cycleCols = `id, subscription_id, cycle_start, cycle_end, allowance_granted,
	allowance_used, allowance_remaining, reset_date, is_active, created_at, updated_at`

func scanCycle(row pgx.Row) (*Cycle, error) {
	var c Cycle
	err := row.Scan(&c.ID, &c.SubscriptionID, &c.CycleStart, &c.CycleEnd, &c.AllowanceGranted,
		&c.AllowanceUsed, &c.AllowanceRemaining, &c.ResetDate, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	return &c, err
}

func (r *cycleRepoPG) one(ctx context.Context, q string, args ...interface{}) (*Cycle, error) {
	c, err := scanCycle(r.conn(ctx).QueryRow(ctx, q, args...))
	if err != nil {
		return nil, mapNotFound(err, ErrNotFound)
	}
	return c, nil
}

func (r *cycleRepoPG) Create(ctx context.Context, c *Cycle) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO membership_cycles (id, subscription_id, cycle_start, cycle_end, allowance_granted,
			allowance_used, allowance_remaining, reset_date, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`,
		c.ID, c.SubscriptionID, c.CycleStart, c.CycleEnd, c.AllowanceGranted,
		c.AllowanceUsed, c.AllowanceRemaining, c.ResetDate, c.IsActive,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *cycleRepoPG) Get(ctx context.Context, id uuid.UUID) (*Cycle, error) {
	return r.one(ctx, `SELECT `+cycleCols+` FROM membership_cycles WHERE id = $1`, id)
}

func (r *cycleRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Cycle, error) {
	return r.one(ctx, `SELECT `+cycleCols+` FROM membership_cycles WHERE id = $1 FOR UPDATE`, id)
}

func (r *cycleRepoPG) GetActive(ctx context.Context, subscriptionID uuid.UUID) (*Cycle, error) {
	return r.one(ctx, `SELECT `+cycleCols+` FROM membership_cycles
		WHERE subscription_id = $1 AND is_active`, subscriptionID)
}

func (r *cycleRepoPG) GetByPeriodStart(ctx context.Context, subscriptionID uuid.UUID, start time.Time) (*Cycle, error) {
	return r.one(ctx, `SELECT `+cycleCols+` FROM membership_cycles
		WHERE subscription_id = $1 AND cycle_start = $2`, subscriptionID, start)
}

func (r *cycleRepoPG) ListForSubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*Cycle, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+cycleCols+` FROM membership_cycles
		WHERE subscription_id = $1 ORDER BY cycle_start DESC`, subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *cycleRepoPG) Deactivate(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE membership_cycles SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (r *cycleRepoPG) TryConsume(ctx context.Context, id uuid.UUID, amount int) (*Cycle, error) {
	c, err := scanCycle(r.conn(ctx).QueryRow(ctx, `
		UPDATE membership_cycles
		SET allowance_used = allowance_used + $2,
			allowance_remaining = allowance_remaining - $2,
			updated_at = NOW()
		WHERE id = $1 AND is_active AND allowance_remaining >= $2
		RETURNING `+cycleCols, id, amount))
	if err != nil {
		return nil, mapNotFound(err, ErrAllowanceExhausted)
	}
	return c, nil
}

func (r *cycleRepoPG) SetBalance(ctx context.Context, id uuid.UUID, used, remaining int) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE membership_cycles SET allowance_used = $2, allowance_remaining = $3, updated_at = NOW()
		WHERE id = $1`, id, used, remaining)
	return err
}

// -- allowance events --

type eventRepoPG struct{ pgRepo }

const eventCols = `id, subscription_id, cycle_id, appointment_id, event_type, allowance_change,
	allowance_before, allowance_after, reason, metadata, created_at`

func scanAllowanceEvent(row pgx.Row) (*AllowanceEvent, error) {
	var e AllowanceEvent
	var meta []byte
	if err := row.Scan(&e.ID, &e.SubscriptionID, &e.CycleID, &e.AppointmentID, &e.EventType,
		&e.AllowanceChange, &e.AllowanceBefore, &e.AllowanceAfter, &e.Reason, &meta, &e.CreatedAt); err != nil {
		return nil, err
	}
	m, err := decodeMetadata(meta)
	if err != nil {
		return nil, err
	}
	e.Metadata = m
	return &e, nil
}

func (r *eventRepoPG) Create(ctx context.Context, e *AllowanceEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO membership_allowance_events (id, subscription_id, cycle_id, appointment_id,
			event_type, allowance_change, allowance_before, allowance_after, reason, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at`,
		e.ID, e.SubscriptionID, e.CycleID, e.AppointmentID, e.EventType, e.AllowanceChange,
		e.AllowanceBefore, e.AllowanceAfter, e.Reason, meta,
	).Scan(&e.CreatedAt)
}

func (r *eventRepoPG) ListForSubscriptions(ctx context.Context, subscriptionIDs []uuid.UUID, limit, offset int) ([]*AllowanceEvent, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM membership_allowance_events WHERE subscription_id = ANY($1)`,
		subscriptionIDs).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+eventCols+` FROM membership_allowance_events
		WHERE subscription_id = ANY($1) ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		subscriptionIDs, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*AllowanceEvent
	for rows.Next() {
		e, err := scanAllowanceEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

// -- coverage --

type coverageRepoPG struct{ pgRepo }

const coverageCols = `id, appointment_id, subscription_id, cycle_id, allowance_event_id, coverage_type,
	status, amount, original_price, covered_amount, patient_paid, restored_at, created_at, updated_at`

func scanCoverage(row pgx.Row) (*Coverage, error) {
	var c Coverage
	err := row.Scan(&c.ID, &c.AppointmentID, &c.SubscriptionID, &c.CycleID, &c.AllowanceEventID,
		&c.CoverageType, &c.Status, &c.Amount, &c.OriginalPrice, &c.CoveredAmount, &c.PatientPaid,
		&c.RestoredAt, &c.CreatedAt, &c.UpdatedAt)
	return &c, err
}

func (r *coverageRepoPG) Create(ctx context.Context, c *Coverage) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment_coverage (id, appointment_id, subscription_id, cycle_id,
			allowance_event_id, coverage_type, status, amount, original_price, covered_amount, patient_paid)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		c.ID, c.AppointmentID, c.SubscriptionID, c.CycleID, c.AllowanceEventID, c.CoverageType,
		c.Status, c.Amount, c.OriginalPrice, c.CoveredAmount, c.PatientPaid,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyCovered
	}
	return err
}

func (r *coverageRepoPG) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Coverage, error) {
	c, err := scanCoverage(r.conn(ctx).QueryRow(ctx,
		`SELECT `+coverageCols+` FROM appointment_coverage WHERE appointment_id = $1`, appointmentID))
	if err != nil {
		return nil, mapNotFound(err, ErrNotFound)
	}
	return c, nil
}

func (r *coverageRepoPG) GetByAppointmentForUpdate(ctx context.Context, appointmentID uuid.UUID) (*Coverage, error) {
	c, err := scanCoverage(r.conn(ctx).QueryRow(ctx,
		`SELECT `+coverageCols+` FROM appointment_coverage WHERE appointment_id = $1 FOR UPDATE`, appointmentID))
	if err != nil {
		return nil, mapNotFound(err, ErrNotFound)
	}
	return c, nil
}

func (r *coverageRepoPG) MarkRestored(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment_coverage SET status = 'restored', restored_at = $2, updated_at = NOW()
		WHERE id = $1`, id, at)
	return err
}

// -- stripe events --

type stripeEventRepoPG struct{ pgRepo }

func (r *stripeEventRepoPG) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO stripe_events (id, event_type) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`, eventID, eventType)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
