// Package conflict resolves divergence between a dirty local record and the
// server's copy of the same record.
package conflict

import (
	"fmt"
	"reflect"
	"time"

	"github.com/restopos/kotsync/internal/logging"
	"github.com/restopos/kotsync/internal/models"
)

// Strategy defines how conflicts are resolved.
type Strategy string

const (
	// StrategyServerWins discards the local edit.
	StrategyServerWins Strategy = "server_wins"
	// StrategyClientWins pushes the local copy over the server's.
	StrategyClientWins Strategy = "client_wins"
	// StrategyMerge takes server-owned fields from the server and customer
	// identity fields from whichever side changed last.
	StrategyMerge Strategy = "merge"
)

// DefaultStrategy is used when none is configured.
const DefaultStrategy = StrategyServerWins

// ParseStrategy converts a configuration value into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyServerWins, StrategyClientWins, StrategyMerge:
		return Strategy(s), nil
	case "":
		return DefaultStrategy, nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// Conflict is a detected divergence for one record id.
type Conflict struct {
	Collection     models.Collection
	ItemID         string
	Local          models.Record
	Remote         models.Record
	LocalModified  int64
	RemoteModified int64
	DetectedAt     int64
}

// Result is the outcome of resolving a conflict.
type Result struct {
	// Winner is the record to store locally.
	Winner models.Record
	// PushToServer is true when Winner must still be sent to the server.
	PushToServer bool
	Strategy     Strategy
	Log          *models.ConflictLog
}

// Resolver handles conflict resolution during synchronization.
type Resolver struct {
	strategy Strategy
	now      func() time.Time
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy Strategy) *Resolver {
	if strategy == "" {
		strategy = DefaultStrategy
	}
	return &Resolver{strategy: strategy, now: time.Now}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() Strategy {
	return r.strategy
}

// bookkeeping fields are ignored when comparing two copies of a record.
var bookkeeping = map[string]bool{
	models.FieldSyncStatus:   true,
	models.FieldLastModified: true,
	models.FieldUpdatedAt:    true,
}

// Detect reports a conflict when the local copy is dirty and its domain
// fields differ from the server's copy.
func (r *Resolver) Detect(coll models.Collection, local, remote models.Record) (*Conflict, bool) {
	if local == nil || remote == nil {
		return nil, false
	}
	if local.ID() != remote.ID() {
		return nil, false
	}
	if !local.IsDirty() {
		return nil, false
	}
	if SameDomainFields(local, remote) {
		return nil, false
	}

	c := &Conflict{
		Collection:     coll,
		ItemID:         local.ID(),
		Local:          local,
		Remote:         remote,
		LocalModified:  local.LastModified(),
		RemoteModified: remote.ServerModified(),
		DetectedAt:     r.now().UnixMilli(),
	}

	logging.Warn("sync conflict detected", map[string]interface{}{
		"collection":      string(coll),
		"item_id":         c.ItemID,
		"local_modified":  c.LocalModified,
		"remote_modified": c.RemoteModified,
	})
	return c, true
}

// Resolve resolves a conflict using the configured strategy.
func (r *Resolver) Resolve(c *Conflict) (*Result, error) {
	if c == nil || c.Local == nil || c.Remote == nil {
		return nil, ErrInvalidConflict
	}
	if c.Local.ID() != c.Remote.ID() {
		return nil, ErrItemIDMismatch
	}

	var res *Result
	switch r.strategy {
	case StrategyClientWins:
		res = r.clientWins(c)
	case StrategyMerge:
		res = r.merge(c)
	default:
		res = r.serverWins(c)
	}

	res.Strategy = r.strategy
	res.Log = &models.ConflictLog{
		ItemID:         c.ItemID,
		Collection:     c.Collection,
		LocalModified:  c.LocalModified,
		RemoteModified: c.RemoteModified,
		Resolution:     string(r.strategy),
		DetectedAt:     r.now().UnixMilli(),
	}

	logging.Info("sync conflict resolved", map[string]interface{}{
		"collection":     string(c.Collection),
		"item_id":        c.ItemID,
		"strategy":       string(r.strategy),
		"push_to_server": res.PushToServer,
	})
	return res, nil
}

// ResolveMultiple resolves conflicts in order, stopping at the first error.
func (r *Resolver) ResolveMultiple(conflicts []*Conflict) ([]*Result, error) {
	results := make([]*Result, 0, len(conflicts))
	for _, c := range conflicts {
		res, err := r.Resolve(c)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Resolver) serverWins(c *Conflict) *Result {
	winner := c.Remote.Clone()
	winner.SetSyncStatus(models.SyncStatusSynced)
	winner[models.FieldLastModified] = c.RemoteModified
	return &Result{Winner: winner}
}

func (r *Resolver) clientWins(c *Conflict) *Result {
	winner := c.Local.Clone()
	if winner.SyncStatus() == models.SyncStatusSynced {
		winner.SetSyncStatus(models.SyncStatusPending)
	}
	return &Result{Winner: winner, PushToServer: true}
}

// merge starts from the server copy, so status, total and items stay
// server-owned, then applies the customer identity fields from whichever
// side was modified later.
func (r *Resolver) merge(c *Conflict) *Result {
	winner := c.Remote.Clone()

	if c.LocalModified > c.RemoteModified {
		for _, f := range models.CustomerIdentityFields {
			if v, ok := c.Local[f]; ok {
				winner[f] = v
			} else {
				delete(winner, f)
			}
		}
	}
	for _, f := range models.ServerOwnedOrderFields {
		if v, ok := c.Remote[f]; ok {
			winner[f] = v
		}
	}

	if SameDomainFields(winner, c.Remote) {
		winner.SetSyncStatus(models.SyncStatusSynced)
		winner[models.FieldLastModified] = c.RemoteModified
		return &Result{Winner: winner}
	}

	winner.SetSyncStatus(models.SyncStatusPending)
	winner[models.FieldLastModified] = c.LocalModified
	return &Result{Winner: winner, PushToServer: true}
}

// SameDomainFields reports whether a and b agree on every field other than
// sync bookkeeping.
func SameDomainFields(a, b models.Record) bool {
	return reflect.DeepEqual(domainFields(a), domainFields(b))
}

// domainFields returns a JSON-normalized copy of rec without bookkeeping
// fields, so 5 and 5.0 compare equal.
func domainFields(rec models.Record) map[string]interface{} {
	out := models.Record{}
	for k, v := range rec {
		if !bookkeeping[k] {
			out[k] = v
		}
	}
	out.NormalizeID()
	var normalized map[string]interface{}
	if err := out.Decode(&normalized); err != nil {
		return out
	}
	return normalized
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: both records must be non-nil"}
	ErrItemIDMismatch  = &ConflictError{Message: "item ID mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
