// Package schema is the service layer of the registry: every call resolves
// a group through the namespace directory and delegates to it.
package schema

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"groupregistry/internal/cache"
	"groupregistry/internal/codec"
	"groupregistry/internal/pagination"
	"groupregistry/internal/schema/formats"
	"groupregistry/internal/schema/group"
	"groupregistry/internal/schema/store"
	"groupregistry/internal/schema/types"
	"groupregistry/internal/storage"
)

// Observer records the outcome of registry operations.
type Observer interface {
	ObserveOperation(op string, elapsed time.Duration, err error)
}

type noopObserver struct{}

func (noopObserver) ObserveOperation(string, time.Duration, error) {}

type Options struct {
	Group    group.Options
	Observer Observer
	Logger   *slog.Logger
}

// Registry manages namespaces, groups and the schemas registered in them
type Registry struct {
	formats  *formats.Registry
	store    *store.Store
	observer Observer
	logger   *slog.Logger

	mu     sync.Mutex
	caches map[string]*cache.EncodingCache // by group id
}

// New creates a registry over tables. Init must be called before use.
func New(tables storage.TableStore, opts Options) *Registry {
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Group.Logger == nil {
		opts.Group.Logger = opts.Logger
	}
	f := formats.NewRegistry()
	return &Registry{
		formats:  f,
		store:    store.New(tables, f, opts.Group),
		observer: opts.Observer,
		logger:   opts.Logger,
		caches:   make(map[string]*cache.EncodingCache),
	}
}

// Init creates the namespace directory if needed
func (r *Registry) Init(ctx context.Context) error {
	return r.store.Init(ctx)
}

// RegisterFormat installs a compatibility oracle, typically for a custom format
func (r *Registry) RegisterFormat(format types.SerializationFormat, oracle types.SchemaFormat) {
	r.formats.Register(format, oracle)
}

func observe[T any](r *Registry, op string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	r.observer.ObserveOperation(op, time.Since(start), err)
	if err != nil {
		r.logger.Debug("registry operation failed", "op", op, "error", err)
	}
	return v, err
}

func (r *Registry) withGroup(ctx context.Context, ns, name string) (*group.Group, error) {
	return r.store.GetGroup(ctx, ns, name)
}

func (r *Registry) CreateNamespace(ctx context.Context, ns string) (bool, error) {
	return observe(r, "createNamespace", func() (bool, error) {
		return r.store.CreateNamespace(ctx, ns)
	})
}

func (r *Registry) ListNamespaces(ctx context.Context, token pagination.ContinuationToken, limit int) (pagination.Page[string], error) {
	return observe(r, "listNamespaces", func() (pagination.Page[string], error) {
		next, names, err := r.store.ListNamespaces(ctx, token, limit)
		return pagination.Page[string]{Items: names, Token: next}, err
	})
}

func (r *Registry) DeleteNamespace(ctx context.Context, ns string) error {
	_, err := observe(r, "deleteNamespace", func() (struct{}, error) {
		return struct{}{}, r.store.DeleteNamespace(ctx, ns)
	})
	return err
}

// CreateGroup returns false when the group already exists
func (r *Registry) CreateGroup(ctx context.Context, ns, name string, props types.GroupProperties) (bool, error) {
	return observe(r, "createGroup", func() (bool, error) {
		return r.store.CreateGroup(ctx, ns, name, props)
	})
}

func (r *Registry) ListGroups(ctx context.Context, ns string, token pagination.ContinuationToken, limit int) (pagination.Page[string], error) {
	return observe(r, "listGroups", func() (pagination.Page[string], error) {
		next, names, err := r.store.ListGroups(ctx, ns, token, limit)
		return pagination.Page[string]{Items: names, Token: next}, err
	})
}

func (r *Registry) DeleteGroup(ctx context.Context, ns, name string) error {
	_, err := observe(r, "deleteGroup", func() (struct{}, error) {
		// Entries of a deleted incarnation are never looked up again.
		g, _ := r.withGroup(ctx, ns, name)
		if err := r.store.DeleteGroup(ctx, ns, name); err != nil {
			return struct{}{}, err
		}
		if g != nil {
			r.mu.Lock()
			delete(r.caches, g.ID())
			r.mu.Unlock()
		}
		return struct{}{}, nil
	})
	return err
}

func (r *Registry) GetGroupProperties(ctx context.Context, ns, name string) (types.GroupProperties, error) {
	return observe(r, "getGroupProperties", func() (types.GroupProperties, error) {
		g, err := r.withGroup(ctx, ns, name)
		if err != nil {
			return types.GroupProperties{}, err
		}
		return g.GetGroupProperties(ctx)
	})
}

// UpdateValidationRules replaces the rules of a group. A non-nil expected
// makes the update conditional on the current rules.
func (r *Registry) UpdateValidationRules(ctx context.Context, ns, name string, rules types.SchemaValidationRules, expected *types.SchemaValidationRules) error {
	_, err := observe(r, "updateValidationRules", func() (struct{}, error) {
		g, err := r.withGroup(ctx, ns, name)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, g.UpdateValidationRules(ctx, rules, expected)
	})
	return err
}

// AddSchema registers schema, returning the existing version for known content
func (r *Registry) AddSchema(ctx context.Context, ns, name string, schema types.SchemaInfo) (types.VersionInfo, error) {
	return observe(r, "addSchema", func() (types.VersionInfo, error) {
		g, err := r.withGroup(ctx, ns, name)
		if err != nil {
			return types.VersionInfo{}, err
		}
		v, err := g.AddSchemaIfAbsent(ctx, schema)
		if err == nil {
			r.logger.Debug("schema added", "namespace", ns, "group", name, "version", v)
		}
		return v, err
	})
}

func (r *Registry) GetSchema(ctx context.Context, ns, name string, ordinal int) (types.SchemaWithVersion, error) {
	return observe(r, "getSchema", func() (types.SchemaWithVersion, error) {
		g, err := r.withGroup(ctx, ns, name)
		if err != nil {
			return types.SchemaWithVersion{}, err
		}
		return g.GetSchemaByOrdinal(ctx, ordinal)
	})
}

func (r *Registry) GetLatestSchema(ctx context.Context, ns, name, objectType string) (types.SchemaWithVersion, error) {
	return observe(r, "getLatestSchema", func() (types.SchemaWithVersion, error) {
		g, err := r.withGroup(ctx, ns, name)
		if err != nil {
			return types.SchemaWithVersion{}, err
		}
		return g.GetLatestSchema(ctx, objectType)
	})
}

func (r *Registry) ListSchemas(ctx context.Context, ns, name string, token pagination.ContinuationToken, limit int, objectType string) (pagination.Page[types.SchemaWithVersion], error) {
	return observe(r, "listSchemas", func() (pagination.Page[types.SchemaWithVersion], error) {
		g, err := r.withGroup(ctx, ns, name)
		if err != nil {
			return pagination.Page[types.SchemaWithVersion]{}, err
		}
		next, items, err := g.ListSchemas(ctx, token, limit, objectType)
		return pagination.Page[types.SchemaWithVersion]{Items: items, Token: next}, err
	})
}

// LookupSchema returns the version schema was registered under
func (r *Registry) LookupSchema(ctx context.Context, ns, name string, schema types.SchemaInfo) (types.VersionInfo, error) {
	return observe(r, "lookupSchema", func() (types.VersionInfo, error) {
		g, err := r.withGroup(ctx, ns, name)
		if err != nil {
			return types.VersionInfo{}, err
		}
		return g.GetSchemaVersion(ctx, schema)
	})
}

func (r *Registry) ValidateSchema(ctx context.Context, ns, name string, schema types.SchemaInfo) error {
	_, err := observe(r, "validateSchema", func() (struct{}, error) {
		g, err := r.withGroup(ctx, ns, name)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, g.ValidateSchema(ctx, schema)
	})
	return err
}

func (r *Registry) CanRead(ctx context.Context, ns, name string, schema types.SchemaInfo) (bool, error) {
	return observe(r, "canRead", func() (bool, error) {
		g, err := r.withGroup(ctx, ns, name)
		if err != nil {
			return false, err
		}
		return g.CanRead(ctx, schema)
	})
}

func (r *Registry) GetHistory(ctx context.Context, ns, name, objectType string) ([]types.SchemaEvolution, error) {
	return observe(r, "getHistory", func() ([]types.SchemaEvolution, error) {
		g, err := r.withGroup(ctx, ns, name)
		if err != nil {
			return nil, err
		}
		return g.GetHistory(ctx, objectType)
	})
}

func (r *Registry) GetObjectTypes(ctx context.Context, ns, name string) ([]string, error) {
	return observe(r, "getObjectTypes", func() ([]string, error) {
		g, err := r.withGroup(ctx, ns, name)
		if err != nil {
			return nil, err
		}
		return g.GetObjectTypes(ctx)
	})
}

func (r *Registry) AddCodecType(ctx context.Context, ns, name string, codec types.CodecType) error {
	_, err := observe(r, "addCodecType", func() (struct{}, error) {
		g, err := r.withGroup(ctx, ns, name)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, g.AddCodecType(ctx, codec)
	})
	return err
}

func (r *Registry) GetCodecTypes(ctx context.Context, ns, name string) ([]types.CodecType, error) {
	return observe(r, "getCodecTypes", func() ([]types.CodecType, error) {
		g, err := r.withGroup(ctx, ns, name)
		if err != nil {
			return nil, err
		}
		return g.GetCodecTypes(ctx)
	})
}

// GetOrGenerateEncodingID returns the encoding id of a (version, codec) pair
func (r *Registry) GetOrGenerateEncodingID(ctx context.Context, ns, name string, version types.VersionInfo, codecType types.CodecType) (types.EncodingID, error) {
	return observe(r, "getOrGenerateEncodingId", func() (types.EncodingID, error) {
		g, err := r.withGroup(ctx, ns, name)
		if err != nil {
			return 0, err
		}
		return g.GetOrGenerateEncodingID(ctx, version, codecType)
	})
}

func (r *Registry) GetEncodingInfo(ctx context.Context, ns, name string, id types.EncodingID) (types.EncodingInfo, error) {
	return observe(r, "getEncodingInfo", func() (types.EncodingInfo, error) {
		g, err := r.withGroup(ctx, ns, name)
		if err != nil {
			return types.EncodingInfo{}, err
		}
		return g.GetEncodingInfo(ctx, id)
	})
}

func (r *Registry) serializer(ctx context.Context, ns, name string) (*codec.Serializer, error) {
	g, err := r.withGroup(ctx, ns, name)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.caches[g.ID()]
	if !ok {
		c = cache.New(g)
		r.caches[g.ID()] = c
	}
	return codec.NewSerializer(c), nil
}

// Encode compresses payload with c and frames it with the encoding id of
// (version, c). The payload must already be serialized with version's schema.
func (r *Registry) Encode(ctx context.Context, ns, name string, version types.VersionInfo, c types.CodecType, payload []byte) ([]byte, error) {
	return observe(r, "encode", func() ([]byte, error) {
		s, err := r.serializer(ctx, ns, name)
		if err != nil {
			return nil, err
		}
		return s.Encode(ctx, version, c, payload)
	})
}

// Decode reverses Encode and reports which schema version wrote the payload
func (r *Registry) Decode(ctx context.Context, ns, name string, data []byte) (types.EncodingInfo, []byte, error) {
	type decoded struct {
		info    types.EncodingInfo
		payload []byte
	}
	d, err := observe(r, "decode", func() (decoded, error) {
		s, err := r.serializer(ctx, ns, name)
		if err != nil {
			return decoded{}, err
		}
		info, payload, err := s.Decode(ctx, data)
		return decoded{info, payload}, err
	})
	return d.info, d.payload, err
}
