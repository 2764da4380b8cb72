// Package group implements the storage and evolution engine of a single
// schema group: an append-only record log, the index derived from it, and
// the operations that keep both consistent under concurrent writers.
//
// Writers first bring the index up to the log tail, then append under the
// tail Etag. Losing the append to another writer surfaces as a WriteConflict
// and the whole operation is re-run against the refreshed state.
package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"groupregistry/internal/schema/compat"
	"groupregistry/internal/schema/records"
	"groupregistry/internal/schema/types"
	"groupregistry/internal/storage"
)

// Tables names the log and index tables of a group.
// Tables locates a group's storage. ID is the directory id the tables were
// derived from; it changes when a group is deleted and created again.
type Tables struct {
	ID    string
	Log   string
	Index string
}

type Group struct {
	name    string
	store   storage.TableStore
	tables  Tables
	log     *Log
	index   *Index
	formats compat.FormatLookup
	engine  *compat.Engine
	retry   RetryPolicy
	metrics Metrics
	logger  *slog.Logger
}

func New(store storage.TableStore, name string, tables Tables, formats compat.FormatLookup, opts Options) *Group {
	opts = opts.withDefaults()
	return &Group{
		name:    name,
		store:   store,
		tables:  tables,
		log:     newLog(store, tables.Log),
		index:   newIndex(store, tables.Index),
		formats: formats,
		engine:  compat.New(formats),
		retry:   opts.Retry,
		metrics: opts.Metrics,
		logger:  opts.Logger.With("group", name),
	}
}

func (g *Group) Name() string {
	return g.name
}

// ID returns the directory id of this incarnation of the group.
func (g *Group) ID() string {
	return g.tables.ID
}

// Log exposes the group's record log for audit reads.
func (g *Group) Log() *Log {
	return g.log
}

// Create initializes the group with props. It returns false when the group
// already exists.
func (g *Group) Create(ctx context.Context, props types.GroupProperties) (bool, error) {
	if props.Format == "" {
		return false, fmt.Errorf("%w: group format is required", types.ErrInvalidSchema)
	}
	if err := props.ValidationRules.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", types.ErrInvalidSchema, err)
	}
	for _, table := range []string{g.tables.Log, g.tables.Index} {
		if err := g.store.CreateTable(ctx, table); err != nil {
			return false, fmt.Errorf("create table %s: %w", table, err)
		}
	}

	_, err := g.log.Append(ctx, Etag{}, records.GroupPropertiesRecord{Properties: props})
	if errors.Is(err, storage.ErrWriteConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	g.metrics.ObserveAppend(g.name, records.TypeGroupProperties)
	g.logger.Info("group created", "format", props.Format)

	if _, err := g.Sync(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Delete drops the group's log and index.
func (g *Group) Delete(ctx context.Context) error {
	for _, table := range []string{g.tables.Index, g.tables.Log} {
		err := g.store.DeleteTable(ctx, table, false)
		if err != nil && !errors.Is(err, storage.ErrDataContainerNotFound) {
			return fmt.Errorf("delete table %s: %w", table, err)
		}
	}
	g.logger.Info("group deleted")
	return nil
}

// Sync applies every log record the index has not seen and returns the
// resulting tail.
func (g *Group) Sync(ctx context.Context) (Etag, error) {
	from, err := g.index.syncedTill(ctx)
	if err != nil {
		return Etag{}, err
	}

	next := from
	it := g.log.ReadFrom(ctx, from)
	for it.Next() {
		e := it.Item()
		if err := g.index.apply(ctx, e.Position, e.Record); err != nil {
			return Etag{}, fmt.Errorf("index record %d: %w", e.Position, err)
		}
		next = e.Position + 1
	}
	if err := it.Err(); err != nil {
		return Etag{}, err
	}

	if next > from {
		if err := g.index.update(ctx, records.SyncedTillKey{}, positionIfGreater(int64(next))); err != nil {
			return Etag{}, err
		}
		g.metrics.ObserveSync(g.name, int(next-from))
		g.logger.Debug("index synced", "from", from, "till", next)
	}
	return Etag{Position: next}, nil
}

func (g *Group) append(ctx context.Context, etag Etag, rec records.Record) error {
	if _, err := g.log.Append(ctx, etag, rec); err != nil {
		return err
	}
	g.metrics.ObserveAppend(g.name, rec.Type())
	_, err := g.Sync(ctx)
	return err
}

// GetGroupProperties returns the creation properties with the validation
// rules currently in effect.
func (g *Group) GetGroupProperties(ctx context.Context) (types.GroupProperties, error) {
	rec, err := g.log.Read(ctx, 0)
	if err != nil {
		return types.GroupProperties{}, err
	}
	created, ok := rec.(records.GroupPropertiesRecord)
	if !ok {
		return types.GroupProperties{}, storage.Errorf(storage.KindUnknown, "log of %s starts with a %s record", g.name, rec.Type())
	}
	props := created.Properties

	policy, found, err := lookup[records.WALPosition](ctx, g.index, records.ValidationPolicyKey{})
	if err != nil || !found || policy.Position == 0 {
		return props, err
	}
	rec, err = g.log.Read(ctx, Position(policy.Position))
	if err != nil {
		return types.GroupProperties{}, err
	}
	v, ok := rec.(records.ValidationRecord)
	if !ok {
		return types.GroupProperties{}, storage.Errorf(storage.KindUnknown, "validation policy points at a %s record", rec.Type())
	}
	props.ValidationRules = v.Rules
	return props, nil
}

// UpdateValidationRules replaces the group's rules. When expected is not nil
// the update only happens if the current rules equal it.
func (g *Group) UpdateValidationRules(ctx context.Context, rules types.SchemaValidationRules, expected *types.SchemaValidationRules) error {
	if err := rules.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidSchema, err)
	}
	_, err := retry(ctx, g, "updateValidationRules", func() (struct{}, error) {
		etag, err := g.Sync(ctx)
		if err != nil {
			return struct{}{}, err
		}
		props, err := g.GetGroupProperties(ctx)
		if err != nil {
			return struct{}{}, err
		}
		if expected != nil && !props.ValidationRules.Equal(*expected) {
			return struct{}{}, fmt.Errorf("%w: validation rules changed", types.ErrPreconditionFailed)
		}
		if props.ValidationRules.Equal(rules) {
			return struct{}{}, nil
		}
		return struct{}{}, g.append(ctx, etag, records.ValidationRecord{Rules: rules})
	})
	return err
}
