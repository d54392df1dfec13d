package audit

import (
	"context"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const writeTimeout = 5 * time.Second

// Meta carries request details attached to an audit event.
type Meta struct {
	IPAddress string
	UserAgent string
	RequestID string
}

// MetaFromEcho extracts client address, user agent and request id.
func MetaFromEcho(c echo.Context) Meta {
	rid, _ := c.Get("request_id").(string)
	return Meta{
		IPAddress: c.RealIP(),
		UserAgent: c.Request().UserAgent(),
		RequestID: rid,
	}
}

// Logger writes audit events without blocking the caller. A failed write is
// logged and dropped; it never fails the operation being audited.
type Logger struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending int
	idle    chan struct{} // closed while pending == 0
	closed  bool
}

func NewLogger(store Store, logger zerolog.Logger) *Logger {
	idle := make(chan struct{})
	close(idle)
	return &Logger{
		store:  store,
		logger: logger.With().Str("component", "audit").Logger(),
		now:    time.Now,
		idle:   idle,
	}
}

func (l *Logger) begin() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	if l.pending == 0 {
		l.idle = make(chan struct{})
	}
	l.pending++
	return true
}

func (l *Logger) end() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending--
	if l.pending == 0 {
		close(l.idle)
	}
}

// Log schedules e for persistence. The write outlives request cancellation
// but is bounded by writeTimeout.
func (l *Logger) Log(ctx context.Context, e Event) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}

	if !l.begin() {
		l.logger.Error().
			Str("action", e.Action).
			Str("user_id", e.UserID).
			Msg("audit logger closed, event dropped")
		return
	}
	go func() {
		defer l.end()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		defer cancel()

		if err := l.store.Insert(wctx, &e); err != nil {
			ev := l.logger.Warn()
			if RequiresAudit(e.Action) || IsSensitiveResource(e.ResourceType) {
				ev = l.logger.Error().Bool("critical", true)
			}
			ev.Err(err).
				Str("action", e.Action).
				Str("user_id", e.UserID).
				Str("request_id", e.RequestID).
				Msg("audit write failed")
			return
		}
		l.logger.Debug().
			Str("action", e.Action).
			Str("user_id", e.UserID).
			Str("resource_type", e.ResourceType).
			Msg("audit event recorded")
	}()
}

// Flush waits until no write is in flight or ctx is done.
func (l *Logger) Flush(ctx context.Context) error {
	l.mu.Lock()
	idle := l.idle
	l.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for in-flight writes.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return l.Flush(ctx)
}

func (l *Logger) timestamp() string {
	return l.now().UTC().Format(time.RFC3339)
}

// LogAdminAction records an administrative action as "admin_<action>".
func (l *Logger) LogAdminAction(ctx context.Context, userID, action, resourceType, resourceID string, details map[string]interface{}, m Meta) {
	d := map[string]interface{}{}
	for k, v := range details {
		d[k] = v
	}
	d["userRole"] = "admin"
	d["timestamp"] = l.timestamp()

	l.Log(ctx, Event{
		UserID:       userID,
		Action:       "admin_" + action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      d,
		IPAddress:    m.IPAddress,
		UserAgent:    m.UserAgent,
		RequestID:    m.RequestID,
	})
}

// LogPatientDataAccess records access to a patient's data as
// "patient_data_<action>". resourceID defaults to the patient id.
func (l *Logger) LogPatientDataAccess(ctx context.Context, userID, patientID, action, resourceType, resourceID string, m Meta) {
	if resourceID == "" {
		resourceID = patientID
	}
	l.Log(ctx, Event{
		UserID:       userID,
		Action:       "patient_data_" + action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details: map[string]interface{}{
			"targetPatientId": patientID,
			"accessType":      action,
			"dataCategory":    resourceType,
			"timestamp":       l.timestamp(),
		},
		IPAddress: m.IPAddress,
		UserAgent: m.UserAgent,
		RequestID: m.RequestID,
	})
}

// LogAuthEvent records login, logout and login_failed as "auth_<action>".
func (l *Logger) LogAuthEvent(ctx context.Context, userID, action string, details map[string]interface{}, m Meta) {
	d := map[string]interface{}{}
	for k, v := range details {
		d[k] = v
	}
	d["timestamp"] = l.timestamp()

	l.Log(ctx, Event{
		UserID:       userID,
		Action:       "auth_" + action,
		ResourceType: "authentication",
		Details:      d,
		IPAddress:    m.IPAddress,
		UserAgent:    m.UserAgent,
		RequestID:    m.RequestID,
	})
}
