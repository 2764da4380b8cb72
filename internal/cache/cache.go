// Package cache keeps encoding ids in memory. Encoding ids are immutable once
// assigned, so entries never expire.
package cache

import (
	"context"
	"fmt"
	"sync"

	"groupregistry/internal/schema/records"
	"groupregistry/internal/schema/types"

	"golang.org/x/sync/singleflight"
)

// Backend is the authoritative source of encoding ids, normally a group.
type Backend interface {
	GetOrGenerateEncodingID(ctx context.Context, version types.VersionInfo, codec types.CodecType) (types.EncodingID, error)
	GetEncodingInfo(ctx context.Context, id types.EncodingID) (types.EncodingInfo, error)
}

// EncodingCache memoizes a Backend in both directions. Concurrent misses for
// the same key share one backend call.
type EncodingCache struct {
	backend Backend

	mu    sync.RWMutex
	ids   map[string]types.EncodingID
	infos map[types.EncodingID]types.EncodingInfo

	idFlight   singleflight.Group
	infoFlight singleflight.Group
}

func New(backend Backend) *EncodingCache {
	return &EncodingCache{
		backend: backend,
		ids:     make(map[string]types.EncodingID),
		infos:   make(map[types.EncodingID]types.EncodingInfo),
	}
}

func idKey(version types.VersionInfo, codec types.CodecType) string {
	return string(records.MarshalKey(records.EncodingInfoKey{Version: version, Codec: codec.Normalize()}))
}

func (c *EncodingCache) GetOrGenerateEncodingID(ctx context.Context, version types.VersionInfo, codec types.CodecType) (types.EncodingID, error) {
	key := idKey(version, codec)

	c.mu.RLock()
	id, ok := c.ids[key]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	// The flight outlives any one caller; each caller stops waiting when its ctx ends.
	fctx := context.WithoutCancel(ctx)
	ch := c.idFlight.DoChan(key, func() (interface{}, error) {
		// A flight that finished after our miss may have filled the entry.
		c.mu.RLock()
		id, ok := c.ids[key]
		c.mu.RUnlock()
		if ok {
			return id, nil
		}
		id, err := c.backend.GetOrGenerateEncodingID(fctx, version, codec)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.ids[key] = id
		c.mu.Unlock()
		return id, nil
	})
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(types.EncodingID), nil
	}
}

func (c *EncodingCache) GetEncodingInfo(ctx context.Context, id types.EncodingID) (types.EncodingInfo, error) {
	c.mu.RLock()
	info, ok := c.infos[id]
	c.mu.RUnlock()
	if ok {
		return info, nil
	}

	fctx := context.WithoutCancel(ctx)
	ch := c.infoFlight.DoChan(fmt.Sprint(id), func() (interface{}, error) {
		c.mu.RLock()
		info, ok := c.infos[id]
		c.mu.RUnlock()
		if ok {
			return info, nil
		}
		info, err := c.backend.GetEncodingInfo(fctx, id)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.infos[id] = info
		c.ids[idKey(info.Version, info.Codec)] = id
		c.mu.Unlock()
		return info, nil
	})
	select {
	case <-ctx.Done():
		return types.EncodingInfo{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return types.EncodingInfo{}, res.Err
		}
		return res.Val.(types.EncodingInfo), nil
	}
}

// Len reports the number of cached encoding infos.
func (c *EncodingCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.infos)
}
