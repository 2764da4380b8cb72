// Package compat decides whether a candidate schema may join a group's
// history under the group's validation rules.
package compat

import (
	"context"
	"errors"
	"fmt"

	"groupregistry/internal/schema/types"
)

// FormatLookup resolves the oracle of a serialization format.
type FormatLookup interface {
	Lookup(format types.SerializationFormat) (types.SchemaFormat, error)
}

// Source is the comparison set of a candidate: the whole group, or only the
// candidate's object type when the group allows multiple types.
type Source interface {
	// Latest returns the newest schema in the set; false when the set is empty.
	Latest(ctx context.Context) (types.SchemaWithVersion, bool, error)
	// Since returns every schema whose ordinal is at least ordinal, oldest first.
	Since(ctx context.Context, ordinal int) ([]types.SchemaWithVersion, error)
}

type direction uint8

const (
	backward direction = 1 << iota
	forward
	both = backward | forward
)

type Engine struct {
	formats FormatLookup
}

func New(formats FormatLookup) *Engine {
	return &Engine{formats: formats}
}

// Check returns nil when candidate satisfies the Compatibility rule in rules,
// or an *types.IncompatibleSchemaError naming the first prior version it
// failed against. A group without a Compatibility rule accepts any schema.
func (e *Engine) Check(ctx context.Context, candidate types.SchemaInfo, rules types.SchemaValidationRules, src Source) error {
	c, ok := rules.Compatibility()
	if !ok {
		return nil
	}

	switch c.Kind {
	case types.AllowAny:
		return nil
	case types.DenyAll:
		return &types.IncompatibleSchemaError{Rule: c.Kind, Reason: "group does not accept new schemas"}
	case types.Backward:
		return e.againstLatest(ctx, candidate, c.Kind, backward, src)
	case types.Forward:
		return e.againstLatest(ctx, candidate, c.Kind, forward, src)
	case types.Full:
		return e.againstLatest(ctx, candidate, c.Kind, both, src)
	case types.BackwardTransitive:
		return e.againstSince(ctx, candidate, c.Kind, backward, 0, src)
	case types.ForwardTransitive:
		return e.againstSince(ctx, candidate, c.Kind, forward, 0, src)
	case types.FullTransitive:
		return e.againstSince(ctx, candidate, c.Kind, both, 0, src)
	case types.BackwardTill:
		if c.BackwardTill == nil {
			return c.Validate()
		}
		return e.againstSince(ctx, candidate, c.Kind, backward, c.BackwardTill.Ordinal, src)
	case types.ForwardTill:
		if c.ForwardTill == nil {
			return c.Validate()
		}
		return e.againstSince(ctx, candidate, c.Kind, forward, c.ForwardTill.Ordinal, src)
	case types.BackwardAndForwardTill:
		if c.BackwardTill == nil || c.ForwardTill == nil {
			return c.Validate()
		}
		if err := e.againstSince(ctx, candidate, c.Kind, backward, c.BackwardTill.Ordinal, src); err != nil {
			return err
		}
		return e.againstSince(ctx, candidate, c.Kind, forward, c.ForwardTill.Ordinal, src)
	default:
		return fmt.Errorf("compat: unsupported compatibility kind %q", c.Kind)
	}
}

// CanReadAll reports whether reader can read data written with every schema
// in src.
func (e *Engine) CanReadAll(ctx context.Context, reader types.SchemaInfo, src Source) error {
	return e.againstSince(ctx, reader, types.BackwardTransitive, backward, 0, src)
}

func (e *Engine) againstLatest(ctx context.Context, candidate types.SchemaInfo, kind types.CompatibilityKind, dir direction, src Source) error {
	latest, ok, err := src.Latest(ctx)
	if err != nil {
		return fmt.Errorf("compat: load latest schema: %w", err)
	}
	if !ok {
		return nil
	}
	return e.compare(candidate, kind, dir, []types.SchemaWithVersion{latest})
}

func (e *Engine) againstSince(ctx context.Context, candidate types.SchemaInfo, kind types.CompatibilityKind, dir direction, ordinal int, src Source) error {
	prior, err := src.Since(ctx, ordinal)
	if err != nil {
		return fmt.Errorf("compat: load schemas since ordinal %d: %w", ordinal, err)
	}
	return e.compare(candidate, kind, dir, prior)
}

func (e *Engine) compare(candidate types.SchemaInfo, kind types.CompatibilityKind, dir direction, prior []types.SchemaWithVersion) error {
	var oracle types.SchemaFormat
	for _, p := range prior {
		against := p.Version
		if p.Schema.Format != candidate.Format {
			return &types.IncompatibleSchemaError{
				Against: &against,
				Rule:    kind,
				Reason:  fmt.Sprintf("format %s differs from %s", candidate.Format, p.Schema.Format),
			}
		}
		if oracle == nil {
			var err error
			if oracle, err = e.formats.Lookup(candidate.Format); err != nil {
				return err
			}
		}

		if dir&backward != 0 {
			if err := oracle.CanRead(p.Schema.Data, candidate.Data); err != nil {
				return incompatible(err, &against, kind, "new schema cannot read its data: ")
			}
		}
		if dir&forward != 0 {
			if err := oracle.CanRead(candidate.Data, p.Schema.Data); err != nil {
				return incompatible(err, &against, kind, "it cannot read data of the new schema: ")
			}
		}
	}
	return nil
}

func incompatible(err error, against *types.VersionInfo, kind types.CompatibilityKind, prefix string) error {
	if !errors.Is(err, types.ErrCannotRead) {
		return fmt.Errorf("compat: compare with %s: %w", against, err)
	}
	return &types.IncompatibleSchemaError{Against: against, Rule: kind, Reason: prefix + err.Error()}
}
