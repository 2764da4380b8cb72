package group

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"groupregistry/internal/pagination"
	"groupregistry/internal/schema/records"
	"groupregistry/internal/schema/types"
	"groupregistry/internal/storage"
)

// AddSchemaIfAbsent registers schema and returns its version. A schema with
// the same content as a registered one returns the existing version.
func (g *Group) AddSchemaIfAbsent(ctx context.Context, schema types.SchemaInfo) (types.VersionInfo, error) {
	if schema.Name == "" {
		return types.VersionInfo{}, fmt.Errorf("%w: schema name is required", types.ErrInvalidSchema)
	}
	return retry(ctx, g, "addSchema", func() (types.VersionInfo, error) {
		etag, err := g.Sync(ctx)
		if err != nil {
			return types.VersionInfo{}, err
		}
		if v, found, err := g.findVersion(ctx, schema); err != nil || found {
			return v, err
		}

		props, err := g.GetGroupProperties(ctx)
		if err != nil {
			return types.VersionInfo{}, err
		}
		if err := g.admit(ctx, props, schema); err != nil {
			return types.VersionInfo{}, err
		}

		v, err := g.nextVersion(ctx, schema.Name)
		if err != nil {
			return types.VersionInfo{}, err
		}
		if err := g.append(ctx, etag, records.SchemaRecord{Schema: schema, Version: v}); err != nil {
			return types.VersionInfo{}, err
		}
		g.logger.Debug("schema registered", "version", v)
		return v, nil
	})
}

// ValidateSchema reports whether schema would be accepted, without
// registering it.
func (g *Group) ValidateSchema(ctx context.Context, schema types.SchemaInfo) error {
	props, err := g.GetGroupProperties(ctx)
	if err != nil {
		return err
	}
	return g.admit(ctx, props, schema)
}

// CanRead reports whether schema can read data written with every schema of
// its comparison set.
func (g *Group) CanRead(ctx context.Context, schema types.SchemaInfo) (bool, error) {
	props, err := g.GetGroupProperties(ctx)
	if err != nil {
		return false, err
	}
	err = g.engine.CanReadAll(ctx, schema, g.source(schema.Name, props.AllowMultipleTypes))
	if errors.Is(err, types.ErrIncompatibleSchema) {
		return false, nil
	}
	return err == nil, err
}

func (g *Group) admit(ctx context.Context, props types.GroupProperties, schema types.SchemaInfo) error {
	if schema.Format == types.Any || schema.Format == "" {
		return fmt.Errorf("%w: schema needs a concrete format", types.ErrInvalidSchema)
	}
	if props.Format != types.Any && props.Format != schema.Format {
		return fmt.Errorf("%w: group is %s, schema is %s", types.ErrFormatMismatch, props.Format, schema.Format)
	}

	if !props.AllowMultipleTypes {
		latest, found, err := g.latest(ctx, "")
		if err != nil {
			return err
		}
		if found && latest.Version.ObjectType != schema.Name {
			return &types.IncompatibleSchemaError{
				Against: &latest.Version,
				Reason:  fmt.Sprintf("group holds %s and does not allow multiple types", latest.Version.ObjectType),
			}
		}
	}

	oracle, err := g.formats.Lookup(schema.Format)
	switch {
	case err == nil:
		if err := oracle.Validate(schema.Data); err != nil {
			return err
		}
	case schema.Format.IsCustom() && errors.Is(err, types.ErrUnknownFormat):
		// custom formats without an oracle are stored unvalidated
	default:
		return err
	}

	return g.engine.Check(ctx, schema, props.ValidationRules, g.source(schema.Name, props.AllowMultipleTypes))
}

func (g *Group) nextVersion(ctx context.Context, objectType string) (types.VersionInfo, error) {
	v := types.VersionInfo{ObjectType: objectType}
	last, found, err := g.latest(ctx, "")
	if err != nil {
		return v, err
	}
	if found {
		v.Ordinal = last.Version.Ordinal + 1
	}
	last, found, err = g.latest(ctx, objectType)
	if err != nil {
		return v, err
	}
	if found {
		v.Version = last.Version.Version + 1
	}
	return v, nil
}

// findVersion looks schema up by fingerprint.
func (g *Group) findVersion(ctx context.Context, schema types.SchemaInfo) (types.VersionInfo, bool, error) {
	list, found, err := lookup[records.SchemaVersionList](ctx, g.index, records.SchemaFingerprintKey{Fingerprint: schema.Fingerprint()})
	if err != nil || !found {
		return types.VersionInfo{}, false, err
	}
	for _, v := range list.Versions {
		s, err := g.GetSchema(ctx, v)
		if err != nil {
			return types.VersionInfo{}, false, err
		}
		if s.Schema.SameContent(schema) {
			return v, true, nil
		}
	}
	return types.VersionInfo{}, false, nil
}

// GetSchemaVersion returns the version a schema was registered under.
func (g *Group) GetSchemaVersion(ctx context.Context, schema types.SchemaInfo) (types.VersionInfo, error) {
	v, found, err := g.findVersion(ctx, schema)
	if err != nil {
		return v, err
	}
	if !found {
		return v, storage.Errorf(storage.KindDataNotFound, "schema %s is not registered in %s", schema.Name, g.name)
	}
	return v, nil
}

// GetSchema returns the schema registered as v.
func (g *Group) GetSchema(ctx context.Context, v types.VersionInfo) (types.SchemaWithVersion, error) {
	s, err := g.GetSchemaByOrdinal(ctx, v.Ordinal)
	if err != nil {
		return s, err
	}
	if s.Version != v {
		return types.SchemaWithVersion{}, storage.Errorf(storage.KindDataNotFound, "version %s not found in %s", v, g.name)
	}
	return s, nil
}

func (g *Group) GetSchemaByOrdinal(ctx context.Context, ordinal int) (types.SchemaWithVersion, error) {
	pos, found, err := lookup[records.WALPosition](ctx, g.index, records.VersionInfoKey{Ordinal: ordinal})
	if err != nil {
		return types.SchemaWithVersion{}, err
	}
	if !found {
		return types.SchemaWithVersion{}, storage.Errorf(storage.KindDataNotFound, "ordinal %d not found in %s", ordinal, g.name)
	}
	return g.schemaAt(ctx, Position(pos.Position))
}

// GetLatestSchema returns the newest schema of objectType, or of the whole
// group when objectType is empty.
func (g *Group) GetLatestSchema(ctx context.Context, objectType string) (types.SchemaWithVersion, error) {
	s, found, err := g.latest(ctx, objectType)
	if err != nil {
		return s, err
	}
	if !found {
		return s, storage.Errorf(storage.KindDataNotFound, "no schemas of type %q in %s", objectType, g.name)
	}
	return s, nil
}

func (g *Group) latest(ctx context.Context, objectType string) (types.SchemaWithVersion, bool, error) {
	pos, found, err := lookup[records.WALPosition](ctx, g.index, records.LatestSchemaKey{ObjectType: objectType})
	if err != nil || !found {
		return types.SchemaWithVersion{}, false, err
	}
	s, err := g.schemaAt(ctx, Position(pos.Position))
	return s, err == nil, err
}

func (g *Group) schemaAt(ctx context.Context, pos Position) (types.SchemaWithVersion, error) {
	rec, err := g.log.Read(ctx, pos)
	if err != nil {
		return types.SchemaWithVersion{}, err
	}
	s, ok := rec.(records.SchemaRecord)
	if !ok {
		return types.SchemaWithVersion{}, storage.Errorf(storage.KindUnknown, "expected a schema record at %d, found %s", pos, rec.Type())
	}
	return types.SchemaWithVersion{Schema: s.Schema, Version: s.Version}, nil
}

// ListSchemas returns up to limit schemas following token in ordinal order,
// restricted to objectType unless it is empty. The returned token resumes
// the listing; an empty page marks its end.
func (g *Group) ListSchemas(ctx context.Context, token pagination.ContinuationToken, limit int, objectType string) (pagination.ContinuationToken, []types.SchemaWithVersion, error) {
	if limit <= 0 {
		return token, nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	keep := func(s types.SchemaWithVersion) bool {
		return objectType == "" || s.Version.ObjectType == objectType
	}
	return pagination.FilteredWithLimit(ctx, g.schemasFrom, keep, token, limit)
}

// schemasFrom reads up to limit consecutive ordinals starting at the one
// token names.
func (g *Group) schemasFrom(ctx context.Context, token pagination.ContinuationToken, limit int) (pagination.ContinuationToken, []types.SchemaWithVersion, error) {
	ordinal := 0
	if !token.IsEmpty() {
		n, err := strconv.Atoi(string(token))
		if err != nil || n < 0 {
			return token, nil, storage.Errorf(storage.KindUnknown, "malformed schema token %q", token)
		}
		ordinal = n
	}

	var out []types.SchemaWithVersion
	for len(out) < limit {
		s, err := g.GetSchemaByOrdinal(ctx, ordinal)
		if errors.Is(err, storage.ErrDataNotFound) {
			break
		}
		if err != nil {
			return token, nil, err
		}
		out = append(out, s)
		ordinal++
	}
	return pagination.ContinuationToken(strconv.Itoa(ordinal)), out, nil
}

// GetObjectTypes returns the distinct object types registered in the group.
func (g *Group) GetObjectTypes(ctx context.Context) ([]string, error) {
	keys, err := g.store.GetAllKeys(ctx, g.tables.Index)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, k := range keys {
		if len(k) < 2 || records.KeyType(k[1]) != records.KeyLatestSchema {
			continue
		}
		key, err := records.UnmarshalKey(k)
		if err != nil {
			return nil, storage.Wrap(storage.KindUnknown, err, "corrupt index key")
		}
		if name := key.(records.LatestSchemaKey).ObjectType; name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// GetHistory replays the log and returns every schema of objectType (or of
// all types when empty) with the rules that were in effect when it was
// registered.
func (g *Group) GetHistory(ctx context.Context, objectType string) ([]types.SchemaEvolution, error) {
	var (
		rules   types.SchemaValidationRules
		history []types.SchemaEvolution
	)
	it := g.log.ReadFrom(ctx, 0)
	for it.Next() {
		switch r := it.Item().Record.(type) {
		case records.GroupPropertiesRecord:
			rules = r.Properties.ValidationRules
		case records.ValidationRecord:
			rules = r.Rules
		case records.SchemaRecord:
			if objectType == "" || r.Version.ObjectType == objectType {
				history = append(history, types.SchemaEvolution{Schema: r.Schema, Version: r.Version, Rules: rules})
			}
		}
	}
	return history, it.Err()
}
