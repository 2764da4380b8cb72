package group

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"groupregistry/internal/pagination"
	"groupregistry/internal/schema/formats"
	"groupregistry/internal/schema/records"
	"groupregistry/internal/schema/types"
	"groupregistry/internal/storage"
	"groupregistry/internal/storage/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testTables = Tables{Log: "g/test/log", Index: "g/test/index"}

func testOptions() Options {
	return Options{Retry: RetryPolicy{MaxRetries: 50, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}}
}

func newTestGroup(t *testing.T, store storage.TableStore, props types.GroupProperties, opts Options) *Group {
	t.Helper()
	g := New(store, "test", testTables, formats.NewRegistry(), opts)
	created, err := g.Create(context.Background(), props)
	require.NoError(t, err)
	require.True(t, created)
	return g
}

func avroProps(kind types.CompatibilityKind, multipleTypes bool) types.GroupProperties {
	return types.GroupProperties{
		Format:             types.Avro,
		ValidationRules:    types.RulesOf(types.Compatibility{Kind: kind}),
		AllowMultipleTypes: multipleTypes,
		EnableEncoding:     true,
	}
}

// avroSchema builds a record of optional string fields.
func avroSchema(objectType string, fields ...string) types.SchemaInfo {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprintf(`{"name":%q,"type":"string","default":""}`, f)
	}
	data := fmt.Sprintf(`{"type":"record","name":"Rec","fields":[%s]}`, strings.Join(parts, ","))
	return types.SchemaInfo{Name: objectType, Format: types.Avro, Data: []byte(data)}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	props := avroProps(types.Backward, false)
	props.Properties = map[string]string{"owner": "payments"}
	g := newTestGroup(t, store, props, testOptions())

	created, err := g.Create(ctx, avroProps(types.Forward, true))
	require.NoError(t, err)
	assert.False(t, created)

	got, err := g.GetGroupProperties(ctx)
	require.NoError(t, err)
	assert.Equal(t, props, got)

	_, err = New(store, "bad", Tables{Log: "b/log", Index: "b/index"}, formats.NewRegistry(), testOptions()).
		Create(ctx, types.GroupProperties{})
	assert.ErrorIs(t, err, types.ErrInvalidSchema)
}

func TestMissingGroup(t *testing.T) {
	ctx := context.Background()
	g := New(memory.New(), "ghost", testTables, formats.NewRegistry(), testOptions())

	_, err := g.AddSchemaIfAbsent(ctx, avroSchema("user", "a"))
	assert.ErrorIs(t, err, storage.ErrDataContainerNotFound)
	_, err = g.GetLatestSchema(ctx, "")
	assert.ErrorIs(t, err, storage.ErrDataContainerNotFound)
	_, err = g.GetGroupProperties(ctx)
	assert.ErrorIs(t, err, storage.ErrDataContainerNotFound)
}

func TestOrdinalsAndVersions(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t, memory.New(), avroProps(types.AllowAny, true), testOptions())

	steps := []struct {
		schema types.SchemaInfo
		want   types.VersionInfo
	}{
		{schema: avroSchema("user", "a"), want: types.VersionInfo{ObjectType: "user", Version: 0, Ordinal: 0}},
		{schema: avroSchema("order", "id"), want: types.VersionInfo{ObjectType: "order", Version: 0, Ordinal: 1}},
		{schema: avroSchema("user", "a", "b"), want: types.VersionInfo{ObjectType: "user", Version: 1, Ordinal: 2}},
		{schema: avroSchema("order", "id", "total"), want: types.VersionInfo{ObjectType: "order", Version: 1, Ordinal: 3}},
	}
	for _, step := range steps {
		v, err := g.AddSchemaIfAbsent(ctx, step.schema)
		require.NoError(t, err)
		assert.Equal(t, step.want, v)
	}

	latest, err := g.GetLatestSchema(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version.Ordinal)

	latest, err = g.GetLatestSchema(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Version.Ordinal)

	_, err = g.GetLatestSchema(ctx, "invoice")
	assert.ErrorIs(t, err, storage.ErrDataNotFound)

	names, err := g.GetObjectTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"order", "user"}, names)

	s, err := g.GetSchema(ctx, steps[2].want)
	require.NoError(t, err)
	assert.Equal(t, steps[2].schema, s.Schema)

	_, err = g.GetSchema(ctx, types.VersionInfo{ObjectType: "order", Version: 0, Ordinal: 2})
	assert.ErrorIs(t, err, storage.ErrDataNotFound)
}

func TestDeduplication(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t, memory.New(), avroProps(types.Backward, false), testOptions())

	first, err := g.AddSchemaIfAbsent(ctx, avroSchema("user", "a"))
	require.NoError(t, err)
	again, err := g.AddSchemaIfAbsent(ctx, avroSchema("user", "a"))
	require.NoError(t, err)
	assert.Equal(t, first, again)

	v, err := g.GetSchemaVersion(ctx, avroSchema("user", "a"))
	require.NoError(t, err)
	assert.Equal(t, first, v)

	_, err = g.GetSchemaVersion(ctx, avroSchema("user", "z"))
	assert.ErrorIs(t, err, storage.ErrDataNotFound)

	all, err := pagination.Collect(g.Log().ReadFrom(ctx, 0))
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestConcurrentIdenticalSchemasConverge(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t, memory.New(), avroProps(types.Backward, false), testOptions())

	const writers = 8
	results := make([]types.VersionInfo, writers)
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = g.AddSchemaIfAbsent(ctx, avroSchema("user", "a", "b"))
		}()
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
	assert.Equal(t, 0, results[0].Ordinal)
}

func TestConcurrentDistinctSchemasGetDenseOrdinals(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t, memory.New(), avroProps(types.AllowAny, true), testOptions())

	const writers = 10
	results := make([]types.VersionInfo, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := g.AddSchemaIfAbsent(ctx, avroSchema(fmt.Sprintf("type%d", i), "a"))
			assert.NoError(t, err)
			results[i] = v
		}()
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, v := range results {
		assert.Equal(t, 0, v.Version)
		assert.False(t, seen[v.Ordinal], "ordinal %d assigned twice", v.Ordinal)
		seen[v.Ordinal] = true
	}
	for i := 0; i < writers; i++ {
		assert.True(t, seen[i], "ordinal %d missing", i)
	}
}

func TestBackwardGating(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t, memory.New(), avroProps(types.Backward, false), testOptions())

	v1 := types.SchemaInfo{Name: "user", Format: types.Avro, Data: []byte(`{"type":"record","name":"User","fields":[{"name":"a","type":"string"}]}`)}
	v2 := types.SchemaInfo{Name: "user", Format: types.Avro, Data: []byte(`{"type":"record","name":"User","fields":[{"name":"a","type":"string"},{"name":"b","type":"string","default":"x"}]}`)}
	v3 := types.SchemaInfo{Name: "user", Format: types.Avro, Data: []byte(`{"type":"record","name":"User","fields":[{"name":"a","type":"string"},{"name":"b","type":"string"},{"name":"c","type":"string"}]}`)}

	_, err := g.AddSchemaIfAbsent(ctx, v1)
	require.NoError(t, err)
	_, err = g.AddSchemaIfAbsent(ctx, v2)
	require.NoError(t, err)

	assert.ErrorIs(t, g.ValidateSchema(ctx, v3), types.ErrIncompatibleSchema)
	_, err = g.AddSchemaIfAbsent(ctx, v3)
	var incompatible *types.IncompatibleSchemaError
	require.ErrorAs(t, err, &incompatible)
	assert.Equal(t, 1, incompatible.Against.Ordinal)

	ok, err := g.CanRead(ctx, v2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = g.CanRead(ctx, v3)
	require.NoError(t, err)
	assert.False(t, ok)

	latest, err := g.GetLatestSchema(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version.Ordinal)
}

func TestAdmission(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t, memory.New(), avroProps(types.AllowAny, false), testOptions())
	_, err := g.AddSchemaIfAbsent(ctx, avroSchema("user", "a"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		schema types.SchemaInfo
		want   error
	}{
		{name: "format mismatch", schema: types.SchemaInfo{Name: "user", Format: types.JSON, Data: []byte(`{}`)}, want: types.ErrFormatMismatch},
		{name: "second object type", schema: avroSchema("order", "id"), want: types.ErrIncompatibleSchema},
		{name: "invalid schema", schema: types.SchemaInfo{Name: "user", Format: types.Avro, Data: []byte(`{"type":"record"}`)}, want: types.ErrInvalidSchema},
		{name: "no name", schema: types.SchemaInfo{Format: types.Avro, Data: []byte(`"string"`)}, want: types.ErrInvalidSchema},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.AddSchemaIfAbsent(ctx, tt.schema)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCustomFormatWithoutOracle(t *testing.T) {
	ctx := context.Background()
	thrift := types.CustomFormat("thrift")
	g := newTestGroup(t, memory.New(), types.GroupProperties{
		Format:          thrift,
		ValidationRules: types.RulesOf(types.Compatibility{Kind: types.AllowAny}),
	}, testOptions())

	v, err := g.AddSchemaIfAbsent(ctx, types.SchemaInfo{Name: "user", Format: thrift, Data: []byte("struct User {}")})
	require.NoError(t, err)
	assert.Equal(t, 0, v.Ordinal)

	require.NoError(t, g.UpdateValidationRules(ctx, types.RulesOf(types.Compatibility{Kind: types.Backward}), nil))
	_, err = g.AddSchemaIfAbsent(ctx, types.SchemaInfo{Name: "user", Format: thrift, Data: []byte("struct User { 1: string a }")})
	assert.ErrorIs(t, err, types.ErrUnknownFormat)
}

func TestListSchemas(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t, memory.New(), avroProps(types.AllowAny, true), testOptions())

	for i := 0; i < 5; i++ {
		objectType := "user"
		if i%2 == 1 {
			objectType = "order"
		}
		_, err := g.AddSchemaIfAbsent(ctx, avroSchema(objectType, fmt.Sprintf("f%d", i)))
		require.NoError(t, err)
	}

	var sizes []int
	var ordinals []int
	token := pagination.Empty
	for i := 0; i < 10; i++ {
		next, page, err := g.ListSchemas(ctx, token, 2, "")
		require.NoError(t, err)
		sizes = append(sizes, len(page))
		for _, s := range page {
			ordinals = append(ordinals, s.Version.Ordinal)
		}
		assert.False(t, next.IsEmpty())
		if len(page) == 0 {
			assert.Equal(t, token, next)
			break
		}
		token = next
	}
	assert.Equal(t, []int{2, 2, 1, 0}, sizes)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, ordinals)

	next, users, err := g.ListSchemas(ctx, pagination.Empty, 2, "user")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, 0, users[0].Version.Ordinal)
	assert.Equal(t, 2, users[1].Version.Ordinal)

	_, users, err = g.ListSchemas(ctx, next, 2, "user")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, 4, users[0].Version.Ordinal)

	_, _, err = g.ListSchemas(ctx, pagination.Empty, 0, "")
	assert.Error(t, err)
	_, _, err = g.ListSchemas(ctx, "bogus", 2, "")
	assert.Error(t, err)
}

func TestUpdateValidationRulesAndHistory(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t, memory.New(), avroProps(types.AllowAny, false), testOptions())

	_, err := g.AddSchemaIfAbsent(ctx, avroSchema("user", "a"))
	require.NoError(t, err)

	allowAny := types.RulesOf(types.Compatibility{Kind: types.AllowAny})
	backward := types.RulesOf(types.Compatibility{Kind: types.Backward})
	full := types.RulesOf(types.Compatibility{Kind: types.Full})

	require.NoError(t, g.UpdateValidationRules(ctx, backward, &allowAny))
	err = g.UpdateValidationRules(ctx, full, &allowAny)
	assert.ErrorIs(t, err, types.ErrPreconditionFailed)

	props, err := g.GetGroupProperties(ctx)
	require.NoError(t, err)
	assert.True(t, props.ValidationRules.Equal(backward))

	_, err = g.AddSchemaIfAbsent(ctx, avroSchema("user", "a", "b"))
	require.NoError(t, err)

	history, err := g.GetHistory(ctx, "user")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].Rules.Equal(allowAny))
	assert.True(t, history[1].Rules.Equal(backward))
	assert.Equal(t, 1, history[1].Version.Version)

	err = g.UpdateValidationRules(ctx, types.RulesOf(types.Compatibility{Kind: types.BackwardTill}), nil)
	assert.ErrorIs(t, err, types.ErrInvalidSchema)
}

func TestEncodingIDs(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t, memory.New(), avroProps(types.AllowAny, true), testOptions())

	v0, err := g.AddSchemaIfAbsent(ctx, avroSchema("user", "a"))
	require.NoError(t, err)
	v1, err := g.AddSchemaIfAbsent(ctx, avroSchema("user", "a", "b"))
	require.NoError(t, err)

	_, err = g.GetOrGenerateEncodingID(ctx, v0, types.GZipCodec)
	assert.ErrorIs(t, err, types.ErrCodecNotRegistered)

	_, err = g.GetOrGenerateEncodingID(ctx, types.VersionInfo{ObjectType: "user", Ordinal: 9}, types.NoCodec)
	assert.ErrorIs(t, err, storage.ErrDataNotFound)

	require.NoError(t, g.AddCodecType(ctx, types.GZipCodec))
	require.NoError(t, g.AddCodecType(ctx, types.GZipCodec))
	codecs, err := g.GetCodecTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.CodecType{types.GZipCodec}, codecs)

	id0, err := g.GetOrGenerateEncodingID(ctx, v0, types.NoCodec)
	require.NoError(t, err)
	id1, err := g.GetOrGenerateEncodingID(ctx, v0, types.GZipCodec)
	require.NoError(t, err)
	id2, err := g.GetOrGenerateEncodingID(ctx, v1, types.CodecType{})
	require.NoError(t, err)
	assert.Equal(t, []types.EncodingID{0, 1, 2}, []types.EncodingID{id0, id1, id2})

	again, err := g.GetOrGenerateEncodingID(ctx, v0, types.GZipCodec)
	require.NoError(t, err)
	assert.Equal(t, id1, again)

	info, err := g.GetEncodingInfo(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, v0, info.Version)
	assert.Equal(t, types.GZipCodec, info.Codec)
	assert.Equal(t, avroSchema("user", "a"), info.Schema)

	_, err = g.GetEncodingInfo(ctx, 99)
	assert.ErrorIs(t, err, storage.ErrDataNotFound)
}

func TestEncodingDisabled(t *testing.T) {
	ctx := context.Background()
	props := avroProps(types.AllowAny, false)
	props.EnableEncoding = false
	g := newTestGroup(t, memory.New(), props, testOptions())

	v, err := g.AddSchemaIfAbsent(ctx, avroSchema("user", "a"))
	require.NoError(t, err)
	_, err = g.GetOrGenerateEncodingID(ctx, v, types.NoCodec)
	assert.ErrorIs(t, err, types.ErrPreconditionFailed)
}

func TestConcurrentEncodingIDsAreUnique(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t, memory.New(), avroProps(types.AllowAny, true), testOptions())

	var versions []types.VersionInfo
	for i := 0; i < 3; i++ {
		v, err := g.AddSchemaIfAbsent(ctx, avroSchema("user", fmt.Sprintf("f%d", i)))
		require.NoError(t, err)
		versions = append(versions, v)
	}

	const callers = 12
	ids := make([]types.EncodingID, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := g.GetOrGenerateEncodingID(ctx, versions[i%len(versions)], types.NoCodec)
			assert.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()

	byVersion := make(map[int]types.EncodingID)
	distinct := make(map[types.EncodingID]bool)
	for i, id := range ids {
		ordinal := versions[i%len(versions)].Ordinal
		if want, ok := byVersion[ordinal]; ok {
			assert.Equal(t, want, id, "version %d got two ids", ordinal)
		}
		byVersion[ordinal] = id
		distinct[id] = true
	}
	assert.Len(t, distinct, len(versions))

	for ordinal, id := range byVersion {
		info, err := g.GetEncodingInfo(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ordinal, info.Version.Ordinal)
	}
}

func TestIndexCatchesUpWithLog(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t, memory.New(), avroProps(types.AllowAny, false), testOptions())

	_, err := g.AddSchemaIfAbsent(ctx, avroSchema("user", "a"))
	require.NoError(t, err)

	// a writer that appended and crashed before updating the index
	etag, err := g.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, Position(2), etag.Position)
	orphan := records.SchemaRecord{
		Schema:  avroSchema("user", "a", "b"),
		Version: types.VersionInfo{ObjectType: "user", Version: 1, Ordinal: 1},
	}
	_, err = g.Log().Append(ctx, etag, orphan)
	require.NoError(t, err)

	latest, err := g.GetLatestSchema(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, 0, latest.Version.Ordinal)

	v, err := g.AddSchemaIfAbsent(ctx, avroSchema("user", "a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, types.VersionInfo{ObjectType: "user", Version: 2, Ordinal: 2}, v)

	recovered, err := g.GetSchemaByOrdinal(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, orphan.Schema, recovered.Schema)

	// replaying an already indexed record changes nothing
	require.NoError(t, g.index.apply(ctx, 2, orphan))
	latest, err = g.GetLatestSchema(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version.Ordinal)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	g := newTestGroup(t, store, avroProps(types.AllowAny, false), testOptions())
	_, err := g.AddSchemaIfAbsent(ctx, avroSchema("user", "a"))
	require.NoError(t, err)

	require.NoError(t, g.Delete(ctx))
	require.NoError(t, g.Delete(ctx))
	_, err = g.GetLatestSchema(ctx, "")
	assert.ErrorIs(t, err, storage.ErrDataContainerNotFound)
}
