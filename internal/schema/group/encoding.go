package group

import (
	"context"
	"errors"
	"fmt"

	"groupregistry/internal/schema/records"
	"groupregistry/internal/schema/types"
	"groupregistry/internal/storage"
)

// GetOrGenerateEncodingID returns the encoding id of (version, codec),
// allocating the next one if the pair has none. Concurrent callers for the
// same pair all receive the same id.
func (g *Group) GetOrGenerateEncodingID(ctx context.Context, version types.VersionInfo, codec types.CodecType) (types.EncodingID, error) {
	codec = codec.Normalize()
	key := records.EncodingInfoKey{Version: version, Codec: codec}
	if id, found, err := lookup[records.EncodingIDValue](ctx, g.index, key); err != nil || found {
		return id.ID, err
	}

	props, err := g.GetGroupProperties(ctx)
	if err != nil {
		return 0, err
	}
	if !props.EnableEncoding {
		return 0, fmt.Errorf("%w: encoding is disabled for %s", types.ErrPreconditionFailed, g.name)
	}
	if _, err := g.GetSchema(ctx, version); err != nil {
		return 0, err
	}
	if err := g.requireCodec(ctx, codec); err != nil {
		return 0, err
	}

	return retry(ctx, g, "generateEncodingId", func() (types.EncodingID, error) {
		etag, err := g.Sync(ctx)
		if err != nil {
			return 0, err
		}
		if id, found, err := lookup[records.EncodingIDValue](ctx, g.index, key); err != nil || found {
			return id.ID, err
		}

		next := types.EncodingID(0)
		last, found, err := lookup[records.EncodingIDValue](ctx, g.index, records.LatestEncodingIDKey{})
		if err != nil {
			return 0, err
		}
		if found {
			next = last.ID + 1
		}
		if err := g.append(ctx, etag, records.EncodingRecord{ID: next, Version: version, Codec: codec}); err != nil {
			return 0, err
		}

		id, found, err := lookup[records.EncodingIDValue](ctx, g.index, key)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, storage.Errorf(storage.KindUnknown, "encoding id for %s/%s missing after sync", version, codec)
		}
		g.logger.Debug("encoding id allocated", "id", id.ID, "version", version, "codec", codec)
		return id.ID, nil
	})
}

// GetEncodingInfo resolves an encoding id.
func (g *Group) GetEncodingInfo(ctx context.Context, id types.EncodingID) (types.EncodingInfo, error) {
	v, found, err := lookup[records.EncodingInfoValue](ctx, g.index, records.EncodingIDKey{ID: id})
	if err != nil {
		return types.EncodingInfo{}, err
	}
	if !found {
		return types.EncodingInfo{}, storage.Errorf(storage.KindDataNotFound, "encoding id %d not found in %s", id, g.name)
	}
	s, err := g.GetSchema(ctx, v.Version)
	if err != nil {
		return types.EncodingInfo{}, err
	}
	return types.EncodingInfo{Version: v.Version, Schema: s.Schema, Codec: v.Codec}, nil
}

// AddCodecType registers codec with the group.
func (g *Group) AddCodecType(ctx context.Context, codec types.CodecType) error {
	codec = codec.Normalize()
	_, err := retry(ctx, g, "addCodecType", func() (struct{}, error) {
		etag, err := g.Sync(ctx)
		if err != nil {
			return struct{}{}, err
		}
		err = g.requireCodec(ctx, codec)
		if !errors.Is(err, types.ErrCodecNotRegistered) {
			return struct{}{}, err
		}
		return struct{}{}, g.append(ctx, etag, records.CodecTypeRecord{Codec: codec})
	})
	return err
}

// GetCodecTypes lists the codecs registered with the group.
func (g *Group) GetCodecTypes(ctx context.Context) ([]types.CodecType, error) {
	list, _, err := lookup[records.CodecTypeList](ctx, g.index, records.CodecTypesKey{})
	return list.Codecs, err
}

// requireCodec accepts NONE and any codec registered with the group.
func (g *Group) requireCodec(ctx context.Context, codec types.CodecType) error {
	if codec.Kind == types.CodecNone {
		return nil
	}
	codecs, err := g.GetCodecTypes(ctx)
	if err != nil {
		return err
	}
	for _, c := range codecs {
		if c.Equal(codec) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", types.ErrCodecNotRegistered, codec)
}
