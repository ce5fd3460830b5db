// Package policy holds the process-wide sync on/off switch.
//
// While sync is enabled every write goes to the server first. Disabling sync
// lets the POS keep working offline, but only after every unsynced change has
// been pushed: Disable refuses to flip the switch while anything is left
// undrained. Each transition is appended to an audit trail that is persisted
// with the state.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/restopos/kotsync/internal/db"
	apperrors "github.com/restopos/kotsync/internal/errors"
	"github.com/restopos/kotsync/internal/logging"
	"github.com/restopos/kotsync/internal/models"
)

// Roles recognized by the gate.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleStaff   = "staff"
)

// MaxAuditEntries is how many audit entries are kept.
const MaxAuditEntries = 100

// Mode says where an allowed write goes.
type Mode string

const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

// Decision is the answer to ValidateOperation.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Mode    Mode   `json:"mode,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Drainer pushes every unsynced change to the server, failing with
// SYNC_DRAIN_FAILED when anything is left.
type Drainer interface {
	ForceDrain(ctx context.Context) error
}

// DegradedStore is implemented by stores that can stop seeing their
// persisted data, such as db.FallbackStore after a storage failure.
type DegradedStore interface {
	Degraded() (bool, error)
}

// RoleResolver maps an actor id to a role.
type RoleResolver interface {
	ResolveRole(ctx context.Context, actorID string) (string, error)
}

// RoleResolverFunc adapts a function to RoleResolver.
type RoleResolverFunc func(ctx context.Context, actorID string) (string, error)

// ResolveRole calls f(ctx, actorID).
func (f RoleResolverFunc) ResolveRole(ctx context.Context, actorID string) (string, error) {
	return f(ctx, actorID)
}

// Gate is the sync policy switch.
type Gate struct {
	store   db.Store
	drainer Drainer
	roles   RoleResolver
	now     func() time.Time
	trigger func()

	// transition serializes Enable, Disable and EmergencyEnable.
	transition sync.Mutex
	// writes is held shared by in-flight writes and exclusively by Disable
	// from its drain until the new state is committed.
	writes sync.RWMutex

	mu      sync.RWMutex
	state   models.SyncPolicyState
	subs    map[int]func(models.SyncPolicyState)
	nextSub int
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithSyncTrigger sets the hook called after sync is enabled. It must not
// block.
func WithSyncTrigger(fn func()) Option {
	return func(g *Gate) { g.trigger = fn }
}

// NewGate creates a Gate in the default enabled state. Call Load to restore
// persisted state.
func NewGate(store db.Store, drainer Drainer, roles RoleResolver, opts ...Option) *Gate {
	g := &Gate{
		store:   store,
		drainer: drainer,
		roles:   roles,
		now:     time.Now,
		state:   models.DefaultSyncPolicyState(),
		subs:    make(map[int]func(models.SyncPolicyState)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Load restores the persisted state. Missing or unreadable state leaves
// the gate enabled.
func (g *Gate) Load(ctx context.Context) error {
	raw, ok, err := g.store.GetMeta(ctx, db.MetaSyncPolicy)
	if err != nil {
		return err
	}
	state := models.DefaultSyncPolicyState()
	if ok {
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			logging.ErrorWithCode("stored sync policy is corrupt, using default", string(apperrors.ErrStorage), err)
			state = models.DefaultSyncPolicyState()
		}
	}

	g.mu.Lock()
	g.state = state
	g.mu.Unlock()

	logging.Info("sync policy loaded", map[string]interface{}{
		"enabled":    state.Enabled,
		"changed_by": state.ChangedBy,
		"audit_size": len(state.Audit),
	})
	return nil
}

// IsEnabled reports whether sync is enabled.
func (g *Gate) IsEnabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.Enabled
}

// IsOfflineAllowed reports whether writes may be kept locally.
func (g *Gate) IsOfflineAllowed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.OfflineAllowed()
}

// State returns a copy of the current state.
func (g *Gate) State() models.SyncPolicyState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return copyState(g.state)
}

// AuditTrail returns the audit entries, oldest first.
func (g *Gate) AuditTrail() []models.AuditEntry {
	return g.State().Audit
}

// ValidateOperation decides where a write of the given kind goes.
func (g *Gate) ValidateOperation(kind string) Decision {
	g.mu.RLock()
	defer g.mu.RUnlock()

	switch {
	case g.state.Enabled:
		return Decision{Allowed: true, Mode: ModeOnline}
	case g.state.OfflineAllowed():
		return Decision{Allowed: true, Mode: ModeOffline}
	}
	return Decision{Allowed: false, Reason: fmt.Sprintf("%s is blocked by the sync policy", kind)}
}

// Enable turns sync on and schedules an immediate sync.
func (g *Gate) Enable(ctx context.Context, actor string) (models.SyncPolicyState, error) {
	if err := g.authorize(ctx, actor, "enable"); err != nil {
		return g.State(), err
	}

	g.transition.Lock()
	defer g.transition.Unlock()

	next := g.State()
	next.Enabled = true
	next.ChangedBy = actor
	next.ChangedAt = g.now().UnixMilli()
	next.DisableReason = ""
	next.Audit = appendAudit(next.Audit, models.AuditEntry{
		Actor:     actor,
		Timestamp: next.ChangedAt,
		Action:    models.AuditEnable,
	})

	if err := g.commit(ctx, next); err != nil {
		return g.State(), err
	}
	logging.Info("sync enabled", map[string]interface{}{"actor": actor})
	g.scheduleSync()
	return copyState(next), nil
}

// Disable turns sync off after pushing every unsynced change. When the
// drain fails the state is left unchanged and SYNC_DRAIN_FAILED returned.
func (g *Gate) Disable(ctx context.Context, actor, reason string) (models.SyncPolicyState, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return g.State(), apperrors.New(apperrors.ErrInvalid, "a reason is required to disable sync")
	}
	if err := g.authorize(ctx, actor, "disable"); err != nil {
		return g.State(), err
	}

	g.transition.Lock()
	defer g.transition.Unlock()
	g.writes.Lock()
	defer g.writes.Unlock()

	if err := g.checkStore(); err != nil {
		logging.Warn("sync disable refused, local store is degraded", map[string]interface{}{
			"actor": actor,
			"error": err.Error(),
		})
		return g.State(), err
	}
	if g.drainer != nil {
		if err := g.drainer.ForceDrain(ctx); err != nil {
			if !apperrors.Is(err, apperrors.ErrSyncDrainFailed) {
				err = apperrors.DrainFailed(0, err)
			}
			logging.Warn("sync disable refused, unsynced data remains", map[string]interface{}{
				"actor": actor,
				"error": err.Error(),
			})
			return g.State(), err
		}
	}

	next := g.State()
	next.Enabled = false
	next.ChangedBy = actor
	next.ChangedAt = g.now().UnixMilli()
	next.DisableReason = reason
	next.Audit = appendAudit(next.Audit, models.AuditEntry{
		Actor:     actor,
		Timestamp: next.ChangedAt,
		Action:    models.AuditDisable,
		Reason:    reason,
	})

	if err := g.commit(ctx, next); err != nil {
		return g.State(), err
	}
	logging.Info("sync disabled", map[string]interface{}{"actor": actor, "reason": reason})
	return copyState(next), nil
}

// BeginWrite marks a data write in progress. Disable waits for writes in
// progress and holds new ones until it has drained and committed. Call the
// returned function when the write is done.
func (g *Gate) BeginWrite() func() {
	g.writes.RLock()
	return g.writes.RUnlock
}

// checkStore refuses a disable while the store cannot see everything it
// persisted: the unsynced set is unknown.
func (g *Gate) checkStore() error {
	d, ok := g.store.(DegradedStore)
	if !ok {
		return nil
	}
	degraded, cause := d.Degraded()
	if !degraded {
		return nil
	}
	return apperrors.Wrap(apperrors.ErrSyncDrainFailed,
		"local storage failed; unsynced data on disk cannot be verified", cause)
}

// EmergencyEnable turns sync on without a role check or drain. The state
// changes in memory even when persisting it fails.
func (g *Gate) EmergencyEnable(ctx context.Context) (models.SyncPolicyState, error) {
	g.transition.Lock()
	defer g.transition.Unlock()

	next := g.State()
	next.Enabled = true
	next.ChangedBy = models.EmergencyActor
	next.ChangedAt = g.now().UnixMilli()
	next.DisableReason = ""
	next.Audit = appendAudit(next.Audit, models.AuditEntry{
		Actor:     models.EmergencyActor,
		Timestamp: next.ChangedAt,
		Action:    models.AuditEmergencyEnable,
	})

	g.apply(next)
	logging.Warn("sync emergency enabled")
	g.scheduleSync()

	if err := g.persist(ctx, next); err != nil {
		return copyState(next), err
	}
	return copyState(next), nil
}

// Subscribe registers fn for every state change. The returned function
// removes the subscription.
func (g *Gate) Subscribe(fn func(models.SyncPolicyState)) func() {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextSub
	g.nextSub++
	g.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.subs, id)
			g.mu.Unlock()
		})
	}
}

func (g *Gate) authorize(ctx context.Context, actor, action string) error {
	if actor == "" {
		return apperrors.New(apperrors.ErrPermission, "an actor is required to "+action+" sync")
	}
	if g.roles == nil {
		return apperrors.New(apperrors.ErrPermission, "no role resolver configured")
	}
	role, err := g.roles.ResolveRole(ctx, actor)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPermission, "could not resolve role of "+actor, err)
	}
	if role != RoleAdmin && role != RoleManager {
		logging.Warn("sync policy change denied", map[string]interface{}{
			"actor":  actor,
			"role":   role,
			"action": action,
		})
		return apperrors.New(apperrors.ErrPermission,
			fmt.Sprintf("role %q may not %s sync", role, action))
	}
	return nil
}

// commit persists next and then makes it current.
func (g *Gate) commit(ctx context.Context, next models.SyncPolicyState) error {
	if err := g.persist(ctx, next); err != nil {
		return err
	}
	g.apply(next)
	return nil
}

func (g *Gate) persist(ctx context.Context, state models.SyncPolicyState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode sync policy", err)
	}
	return g.store.SetMeta(ctx, db.MetaSyncPolicy, string(data))
}

func (g *Gate) apply(next models.SyncPolicyState) {
	g.mu.Lock()
	g.state = copyState(next)
	handlers := make([]func(models.SyncPolicyState), 0, len(g.subs))
	for _, fn := range g.subs {
		handlers = append(handlers, fn)
	}
	g.mu.Unlock()

	for _, fn := range handlers {
		fn(copyState(next))
	}
}

func (g *Gate) scheduleSync() {
	if g.trigger != nil {
		g.trigger()
	}
}

func appendAudit(trail []models.AuditEntry, entry models.AuditEntry) []models.AuditEntry {
	trail = append(trail, entry)
	if len(trail) > MaxAuditEntries {
		trail = trail[len(trail)-MaxAuditEntries:]
	}
	return trail
}

func copyState(s models.SyncPolicyState) models.SyncPolicyState {
	out := s
	out.Audit = make([]models.AuditEntry, len(s.Audit))
	copy(out.Audit, s.Audit)
	return out
}
