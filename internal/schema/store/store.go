// Package store is the directory of namespaces and the groups they hold.
//
// Each namespace is a table mapping group names to directory entries. An
// entry carries a random group id naming the group's log and index tables,
// so a group re-created under an old name never sees a deleted group's data.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"groupregistry/internal/pagination"
	"groupregistry/internal/schema/compat"
	"groupregistry/internal/schema/group"
	"groupregistry/internal/schema/records"
	"groupregistry/internal/schema/types"
	"groupregistry/internal/storage"

	"github.com/google/uuid"
)

const scopesTable = "_scopes"

func namespaceTable(ns string) string {
	return "_ns/" + ns
}

func groupTables(id string) group.Tables {
	return group.Tables{ID: id, Log: "g/" + id + "/log", Index: "g/" + id + "/index"}
}

type Store struct {
	tables  storage.TableStore
	formats compat.FormatLookup
	opts    group.Options
	logger  *slog.Logger
}

func New(tables storage.TableStore, formats compat.FormatLookup, opts group.Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{tables: tables, formats: formats, opts: opts, logger: logger}
}

// Init creates the namespace directory.
func (s *Store) Init(ctx context.Context) error {
	return s.tables.CreateTable(ctx, scopesTable)
}

// CreateNamespace returns false when ns already exists.
func (s *Store) CreateNamespace(ctx context.Context, ns string) (bool, error) {
	if ns == "" {
		return false, errors.New("namespace name is required")
	}
	if err := s.tables.CreateTable(ctx, namespaceTable(ns)); err != nil {
		return false, err
	}
	_, err := s.tables.AddEntryIfAbsent(ctx, scopesTable, []byte(ns), []byte{})
	if errors.Is(err, storage.ErrDataExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.logger.Info("namespace created", "namespace", ns)
	return true, nil
}

func (s *Store) ListNamespaces(ctx context.Context, token pagination.ContinuationToken, limit int) (pagination.ContinuationToken, []string, error) {
	keys, next, err := s.tables.GetKeysPaginated(ctx, scopesTable, token, limit)
	if err != nil {
		return token, nil, err
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = string(k)
	}
	return next, names, nil
}

// DeleteNamespace removes an empty namespace.
func (s *Store) DeleteNamespace(ctx context.Context, ns string) error {
	if err := s.requireNamespace(ctx, ns); err != nil {
		return err
	}
	err := s.tables.DeleteTable(ctx, namespaceTable(ns), true)
	if err != nil && !errors.Is(err, storage.ErrDataContainerNotFound) {
		return err
	}
	if err := s.tables.RemoveEntry(ctx, scopesTable, []byte(ns)); err != nil {
		return err
	}
	s.logger.Info("namespace deleted", "namespace", ns)
	return nil
}

func (s *Store) requireNamespace(ctx context.Context, ns string) error {
	_, err := s.tables.GetEntry(ctx, scopesTable, []byte(ns))
	if errors.Is(err, storage.ErrDataNotFound) {
		return storage.Wrap(storage.KindDataNotFound, err, fmt.Sprintf("namespace %s not found", ns))
	}
	return err
}

type directoryEntry struct {
	name string
	records.GroupEntry
	version storage.Version
}

func (s *Store) entry(ctx context.Context, ns, name string) (directoryEntry, error) {
	e, err := s.tables.GetEntry(ctx, namespaceTable(ns), []byte(name))
	switch {
	case errors.Is(err, storage.ErrDataNotFound):
		return directoryEntry{}, storage.Wrap(storage.KindDataNotFound, err, fmt.Sprintf("group %s/%s not found", ns, name))
	case errors.Is(err, storage.ErrDataContainerNotFound):
		return directoryEntry{}, storage.Wrap(storage.KindDataNotFound, err, fmt.Sprintf("namespace %s not found", ns))
	case err != nil:
		return directoryEntry{}, err
	}
	ge, err := records.UnmarshalGroupEntry(e.Value)
	if err != nil {
		return directoryEntry{}, storage.Wrap(storage.KindUnknown, err, fmt.Sprintf("corrupt directory entry for %s/%s", ns, name))
	}
	return directoryEntry{name: name, GroupEntry: ge, version: e.Version}, nil
}

func (s *Store) setState(ctx context.Context, ns string, e directoryEntry, state records.GroupState) error {
	e.State = state
	_, err := s.tables.UpdateEntry(ctx, namespaceTable(ns), []byte(e.name), records.MarshalGroupEntry(e.GroupEntry), e.version)
	return err
}

func (s *Store) open(ns, name, id string) *group.Group {
	return group.New(s.tables, ns+"/"+name, groupTables(id), s.formats, s.opts)
}

// CreateGroup returns false when the group already exists. A group left in
// the Creating state by an interrupted create is completed.
func (s *Store) CreateGroup(ctx context.Context, ns, name string, props types.GroupProperties) (bool, error) {
	if name == "" {
		return false, errors.New("group name is required")
	}
	if err := s.requireNamespace(ctx, ns); err != nil {
		return false, err
	}

	fresh := records.GroupEntry{ID: uuid.NewString(), State: records.GroupCreating}
	_, err := s.tables.AddEntryIfAbsent(ctx, namespaceTable(ns), []byte(name), records.MarshalGroupEntry(fresh))
	if err != nil && !errors.Is(err, storage.ErrDataExists) {
		return false, err
	}

	e, err := s.entry(ctx, ns, name)
	if err != nil {
		return false, err
	}
	switch e.State {
	case records.GroupActive:
		return false, nil
	case records.GroupDeleting:
		return false, storage.Errorf(storage.KindDataExists, "group %s/%s is being deleted", ns, name)
	}

	created, err := s.open(ns, name, e.ID).Create(ctx, props)
	if err != nil {
		return false, err
	}
	err = s.setState(ctx, ns, e, records.GroupActive)
	if err != nil && !errors.Is(err, storage.ErrWriteConflict) {
		return false, err
	}
	if created {
		s.logger.Info("group created", "namespace", ns, "group", name, "id", e.ID)
	}
	return created, nil
}

// GetGroup opens an active group.
func (s *Store) GetGroup(ctx context.Context, ns, name string) (*group.Group, error) {
	e, err := s.entry(ctx, ns, name)
	if err != nil {
		return nil, err
	}
	if e.State != records.GroupActive {
		return nil, storage.Errorf(storage.KindDataNotFound, "group %s/%s is %s", ns, name, e.State)
	}
	return s.open(ns, name, e.ID), nil
}

// ListGroups pages through the active groups of ns in name order.
func (s *Store) ListGroups(ctx context.Context, ns string, token pagination.ContinuationToken, limit int) (pagination.ContinuationToken, []string, error) {
	if err := s.requireNamespace(ctx, ns); err != nil {
		return token, nil, err
	}
	retrieve := func(ctx context.Context, token pagination.ContinuationToken, limit int) (pagination.ContinuationToken, []directoryEntry, error) {
		keys, next, err := s.tables.GetKeysPaginated(ctx, namespaceTable(ns), token, limit)
		if err != nil {
			return token, nil, err
		}
		entries := make([]directoryEntry, 0, len(keys))
		for _, k := range keys {
			e, err := s.entry(ctx, ns, string(k))
			if errors.Is(err, storage.ErrDataNotFound) {
				continue
			}
			if err != nil {
				return token, nil, err
			}
			entries = append(entries, e)
		}
		return next, entries, nil
	}
	active := func(e directoryEntry) bool {
		return e.State == records.GroupActive
	}

	next, entries, err := pagination.FilteredWithLimit(ctx, retrieve, active, token, limit)
	if err != nil {
		return token, nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return next, names, nil
}

// DeleteGroup marks the group as deleting, drops its tables and removes it
// from the directory.
func (s *Store) DeleteGroup(ctx context.Context, ns, name string) error {
	e, err := s.entry(ctx, ns, name)
	if err != nil {
		return err
	}
	if e.State != records.GroupDeleting {
		if err := s.setState(ctx, ns, e, records.GroupDeleting); err != nil {
			return err
		}
	}
	if err := s.open(ns, name, e.ID).Delete(ctx); err != nil {
		return err
	}
	if err := s.tables.RemoveEntry(ctx, namespaceTable(ns), []byte(name)); err != nil {
		return err
	}
	s.logger.Info("group deleted", "namespace", ns, "group", name, "id", e.ID)
	return nil
}
