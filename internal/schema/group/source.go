package group

import (
	"context"
	"strconv"

	"groupregistry/internal/pagination"
	"groupregistry/internal/schema/types"
)

// source is the comparison set handed to the compatibility engine: the
// schemas of one object type, or of the whole group.
type source struct {
	g          *Group
	objectType string
}

func (g *Group) source(objectType string, perType bool) source {
	if !perType {
		objectType = ""
	}
	return source{g: g, objectType: objectType}
}

func (s source) Latest(ctx context.Context) (types.SchemaWithVersion, bool, error) {
	return s.g.latest(ctx, s.objectType)
}

func (s source) Since(ctx context.Context, ordinal int) ([]types.SchemaWithVersion, error) {
	ordinal = max(ordinal, 0)
	load := func(ctx context.Context, token pagination.ContinuationToken) (pagination.ContinuationToken, []types.SchemaWithVersion, error) {
		return s.g.schemasFrom(ctx, token, readBatch)
	}
	it := pagination.NewIterator(ctx, pagination.ContinuationToken(strconv.Itoa(ordinal)), load)

	var out []types.SchemaWithVersion
	for it.Next() {
		if v := it.Item(); s.objectType == "" || v.Version.ObjectType == s.objectType {
			out = append(out, v)
		}
	}
	return out, it.Err()
}
