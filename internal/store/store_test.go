package store_test

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webalyze/internal/entity"
	"webalyze/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T, path string) *store.DB {
	t.Helper()
	db, err := store.Open(store.Options{Path: path, TimeZone: "UTC", AppVersion: "test", Logger: quietLogger()})
	require.NoError(t, err)
	return db
}

func urlTable(db *store.DB, hash func(string) uint64) *store.Table[*entity.URL] {
	return store.NewTable(db, "urls", func() *entity.URL { return &entity.URL{} }, store.TableConfig[*entity.URL]{
		ValueIndex: true,
		Hash:       hash,
		Indexes: []store.Index[*entity.URL]{
			{Field: "hits", Key: func(u *entity.URL) uint64 { return u.Count }},
			{Field: "xfer", Key: func(u *entity.URL) uint64 { return u.Xfer }},
			{Field: "hits", Groups: true, Key: func(u *entity.URL) uint64 { return u.Count }},
		},
	})
}

func TestPutGetDelete(t *testing.T) {
	db := openStore(t, t.TempDir())
	defer db.Close()
	urls := urlTable(db, nil)

	u := entity.NewURL("/index.html")
	u.Count = 3
	u.MarkDirty()
	require.NoError(t, urls.Put(u))
	assert.NotZero(t, u.ID)
	assert.False(t, u.Storage.Dirty)
	assert.True(t, u.Storage.Persisted)

	got, found, err := urls.GetByID(u.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "/index.html", got.Value)
	assert.Equal(t, uint64(3), got.Count)
	assert.True(t, got.Storage.Persisted)

	got, found, err = urls.GetByValue(entity.Regular, "/index.html")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, u.ID, got.ID)

	_, found, err = urls.GetByValue(entity.Group, "/index.html")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, urls.Delete(u.ID))
	_, found, err = urls.GetByID(u.ID)
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = urls.GetByValue(entity.Regular, "/index.html")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, urls.Delete(u.ID), "deleting a missing record is not an error")
}

func TestValueIndexUnderCollisions(t *testing.T) {
	db := openStore(t, t.TempDir())
	defer db.Close()
	urls := urlTable(db, func(string) uint64 { return 42 })

	ids := make(map[string]uint64)
	for i := 0; i < 50; i++ {
		u := entity.NewURL(fmt.Sprintf("/page/%d", i))
		u.Count = uint64(i)
		require.NoError(t, urls.Put(u))
		ids[u.Value] = u.ID
	}

	for value, id := range ids {
		got, found, err := urls.GetByValue(entity.Regular, value)
		require.NoError(t, err)
		require.True(t, found, value)
		assert.Equal(t, id, got.ID, value)
		assert.Equal(t, value, got.Value)
	}

	_, found, err := urls.GetByValue(entity.Regular, "/page/50")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSequenceIsMonotonicAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db := openStore(t, dir)
	urls := urlTable(db, nil)

	var last uint64
	for i := 0; i < 10; i++ {
		id, err := urls.NextID()
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
	require.NoError(t, db.Close())

	db = openStore(t, dir)
	defer db.Close()
	urls = urlTable(db, nil)
	id, err := urls.NextID()
	require.NoError(t, err)
	assert.Greater(t, id, last)
}

func collect(t *testing.T, urls *store.Table[*entity.URL], index string, order store.Order) []string {
	t.Helper()
	var out []string
	for u, err := range urls.IterateByIndex(index, order) {
		require.NoError(t, err)
		out = append(out, fmt.Sprintf("%d:%s:%d", u.ID, u.Value, u.Count))
	}
	return out
}

func TestIndexesAreIdempotentAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db := openStore(t, dir)
	urls := urlTable(db, nil)

	for i, count := range []uint64{5, 1, 9, 5, 7} {
		u := entity.NewURL(fmt.Sprintf("/u%d", i))
		u.Count = count
		u.Xfer = uint64(100 - i)
		require.NoError(t, urls.Put(u))
	}
	require.NoError(t, urls.AssociateIndexes(true))
	before := collect(t, urls, "hits", store.Descending)
	require.Len(t, before, 5)
	require.NoError(t, db.Close())

	db = openStore(t, dir)
	defer db.Close()
	urls = urlTable(db, nil)
	require.NoError(t, urls.AssociateIndexes(false))
	assert.Equal(t, before, collect(t, urls, "hits", store.Descending))
}

func TestIndexOrderAndMaintenance(t *testing.T) {
	db := openStore(t, t.TempDir())
	defer db.Close()
	urls := urlTable(db, nil)

	_, err := urls.Top("hits", 3)
	assert.ErrorIs(t, err, store.ErrIndexNotAssociated)

	require.NoError(t, urls.AssociateIndexes(true))

	a := entity.NewURL("/a")
	a.Count = 2
	b := entity.NewURL("/b")
	b.Count = 8
	g := &entity.URL{Node: entity.Node{Kind: entity.Group, Value: "/docs/*"}, Count: 100}
	require.NoError(t, urls.PutAll([]*entity.URL{a, b, g}))

	a.Count = 10
	require.NoError(t, urls.Put(a))

	top, err := urls.Top("hits", 10)
	require.NoError(t, err)
	require.Len(t, top, 2, "regular index holds regular records once each")
	assert.Equal(t, "/a", top[0].Value)
	assert.Equal(t, "/b", top[1].Value)

	asc := collect(t, urls, "urls.hits", store.Ascending)
	require.Len(t, asc, 2)
	assert.Contains(t, asc[0], "/b")

	groups, err := urls.Top("urls.groups.hits", 10)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "/docs/*", groups[0].Value)

	require.NoError(t, urls.Delete(b.ID))
	top, err = urls.Top("hits", 10)
	require.NoError(t, err)
	require.Len(t, top, 1)

	_, err = urls.Top("missing", 1)
	assert.ErrorIs(t, err, store.ErrUnknownIndex)
}

func TestRebuildDropsStaleEntries(t *testing.T) {
	db := openStore(t, t.TempDir())
	defer db.Close()
	urls := urlTable(db, nil)

	u := entity.NewURL("/x")
	u.Count = 1
	require.NoError(t, urls.Put(u))
	require.NoError(t, urls.AssociateIndexes(true))

	urls.DissociateIndexes()
	u.Count = 50
	require.NoError(t, urls.Put(u))

	require.NoError(t, urls.AssociateIndexes(true))
	top, err := urls.Top("hits", 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, uint64(50), top[0].Count)
}

func TestPutAllLargeBatch(t *testing.T) {
	db := openStore(t, t.TempDir())
	defer db.Close()
	urls := urlTable(db, nil)

	batch := make([]*entity.URL, 0, 5000)
	for i := 0; i < cap(batch); i++ {
		u := entity.NewURL(fmt.Sprintf("/bulk/%05d", i))
		u.MarkDirty()
		batch = append(batch, u)
	}
	require.NoError(t, urls.PutAll(batch))

	n, err := urls.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), n)
	for _, u := range batch {
		assert.False(t, u.Storage.Dirty)
	}
}

func TestIncompatibleLayout(t *testing.T) {
	dir := t.TempDir()
	db := openStore(t, dir)
	sys := db.System()
	assert.True(t, db.Fresh())
	assert.Equal(t, "test", sys.AppVersion)

	sys.ByteOrder = 0x78563412
	require.NoError(t, db.PutSystem(sys))
	require.NoError(t, db.Close())

	_, err := store.Open(store.Options{Path: dir, TimeZone: "UTC", Logger: quietLogger()})
	assert.ErrorIs(t, err, store.ErrIncompatibleLayout)
}

func TestTimeZoneMismatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, openStore(t, dir).Close())

	_, err := store.Open(store.Options{Path: dir, TimeZone: "Europe/Berlin", Logger: quietLogger()})
	assert.ErrorIs(t, err, store.ErrIncompatibleLayout)

	db, err := store.Open(store.Options{Path: dir, TimeZone: "Europe/Berlin", IgnoreTimeZone: true, Logger: quietLogger()})
	require.NoError(t, err)
	assert.False(t, db.Fresh())
	require.NoError(t, db.Close())
}

func TestCompact(t *testing.T) {
	mem, err := store.Open(store.Options{InMemory: true, Logger: quietLogger()})
	require.NoError(t, err)
	defer mem.Close()
	_, err = mem.Compact()
	assert.ErrorIs(t, err, store.ErrUnsupported)

	db := openStore(t, t.TempDir())
	defer db.Close()
	urls := urlTable(db, nil)
	for i := 0; i < 100; i++ {
		require.NoError(t, urls.Put(entity.NewURL(fmt.Sprintf("/c/%d", i))))
	}
	_, err = db.Compact()
	require.NoError(t, err)

	n, err := urls.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), n, "compaction never loses records")
}

func TestRollover(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "webalyze.db")
	db := openStore(t, path)
	urls := urlTable(db, nil)
	require.NoError(t, urls.Put(entity.NewURL("/old")))

	month := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	archive, err := db.Rollover(month)
	require.NoError(t, err)
	assert.Equal(t, path+"_202403", archive)
	_, err = os.Stat(archive)
	require.NoError(t, err)

	n, err := urls.Count()
	require.NoError(t, err)
	assert.Zero(t, n, "reopened store is empty")

	archive, err = db.Rollover(month)
	require.NoError(t, err)
	assert.Equal(t, path+"_202403_1", archive)
	require.NoError(t, db.Close())
}

func TestTruncate(t *testing.T) {
	db := openStore(t, t.TempDir())
	defer db.Close()
	urls := urlTable(db, nil)
	require.NoError(t, urls.Put(entity.NewURL("/gone")))

	require.NoError(t, db.Truncate())
	n, err := urls.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, entity.ByteOrderMark, db.System().ByteOrder)

	id, err := urls.NextID()
	require.NoError(t, err)
	assert.NotZero(t, id)
}
