package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
	"github.com/alanyoungcy/auctionmesh/internal/ledger"
	"github.com/alanyoungcy/auctionmesh/internal/store/memory"
)

// memBucket is an in-memory domain.SnapshotBucket.
type memBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemBucket() *memBucket {
	return &memBucket{objects: make(map[string][]byte)}
}

func (b *memBucket) Upload(_ context.Context, key string, body []byte) error {
	if b.putErr != nil {
		return b.putErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = append([]byte(nil), body...)
	return nil
}

func (b *memBucket) Open(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (b *memBucket) Objects(_ context.Context, prefix string) ([]domain.SnapshotObject, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.SnapshotObject
	for k, raw := range b.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.SnapshotObject{Key: k, Size: int64(len(raw))})
		}
	}
	return out, nil
}

func (b *memBucket) paths() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for p := range b.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seededMachine(t *testing.T) (*ledger.Machine, *memory.LedgerStore) {
	t.Helper()
	ctx := context.Background()
	store := memory.NewLedgerStore()
	m := ledger.NewMachine(store, nil, time.Second, discardLogger())
	require.True(t, m.OpenAuction(ctx, domain.Auction{Item: "Pic#1", Price: "75 USDt"}).OK())
	require.True(t, m.OpenAuction(ctx, domain.Auction{Item: "Pic#2", Price: "60 USDt"}).OK())
	require.True(t, m.MakeBid(ctx, domain.Bid{Item: "Pic#1", Bidder: "Client#2", Amount: "80 USDt"}).OK())
	require.True(t, m.CloseAuction(ctx, domain.AuctionClosure{Auction: "Pic#1", Winner: "Client#2", FinalPrice: "80 USDt"}).OK())
	// The identity seed must never leave the node.
	require.NoError(t, store.Put(ctx, "rpc-seed", []byte{0x01, 0x02}))
	return m, store
}

func TestArchiver_ExportRestore(t *testing.T) {
	ctx := context.Background()
	bucket := newMemBucket()
	src, _ := seededMachine(t)

	a := NewArchiver(bucket, src, "02abc", discardLogger())
	a.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	path, n, err := a.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, "snapshots/02abc/20260301T120000.000000000Z.jsonl", path)
	assert.Equal(t, 3, n)
	assert.NotContains(t, string(bucket.objects[path]), "rpc-seed")

	dstStore := memory.NewLedgerStore()
	dst := ledger.NewMachine(dstStore, nil, time.Second, discardLogger())
	restored, err := NewArchiver(bucket, dst, "02abc", discardLogger()).Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, restored)

	state, err := dst.State(ctx, "Pic#1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, state)
	auction, err := dst.Auction(ctx, "Pic#2")
	require.NoError(t, err)
	assert.Equal(t, "60 USDt", auction.Price)
	bids, err := dst.Bids(ctx, "Pic#1")
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, "Client#2", bids[0].Bidder)
}

func TestArchiver_LatestPicksNewest(t *testing.T) {
	ctx := context.Background()
	bucket := newMemBucket()
	src, _ := seededMachine(t)
	a := NewArchiver(bucket, src, "02abc", discardLogger())

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		a.now = func() time.Time { return at }
		_, _, err := a.Export(ctx)
		require.NoError(t, err)
	}
	// Another node's snapshots are ignored.
	require.NoError(t, bucket.Upload(ctx, "snapshots/03zzz/20990101T000000.000000000Z.jsonl", nil))

	latest, err := a.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "snapshots/02abc/20260101T020000.000000000Z.jsonl", latest.Key)
}

func TestArchiver_RestoreWithoutSnapshot(t *testing.T) {
	bucket := newMemBucket()
	dst := ledger.NewMachine(memory.NewLedgerStore(), nil, time.Second, discardLogger())
	a := NewArchiver(bucket, dst, "02abc", discardLogger())

	_, err := a.Latest(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	n, err := a.Restore(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestArchiver_RestoreRejectsCorruptLine(t *testing.T) {
	ctx := context.Background()
	bucket := newMemBucket()
	require.NoError(t, bucket.Upload(ctx, "snapshots/02abc/1.jsonl", []byte("{\"key\":\"auction/x\",\"value\":{}}\nnot json\n")))
	dst := ledger.NewMachine(memory.NewLedgerStore(), nil, time.Second, discardLogger())

	_, err := NewArchiver(bucket, dst, "02abc", discardLogger()).Restore(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestArchiver_UploadFailure(t *testing.T) {
	bucket := newMemBucket()
	bucket.putErr = errors.New("bucket gone")
	src, _ := seededMachine(t)

	_, _, err := NewArchiver(bucket, src, "02abc", discardLogger()).Export(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket gone")
}

func TestArchiver_RunTriggerAndShutdown(t *testing.T) {
	bucket := newMemBucket()
	src, _ := seededMachine(t)
	a := NewArchiver(bucket, src, "02abc", discardLogger())
	var seq int
	var mu sync.Mutex
	a.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return time.Date(2026, 1, 1, 0, 0, seq, 0, time.UTC)
	}

	ctx, cancel := context.WithCancel(context.Background())
	trigger := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, 0, trigger) }()

	trigger <- struct{}{}
	assert.Eventually(t, func() bool { return len(bucket.paths()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Len(t, bucket.paths(), 2, "shutdown writes a final snapshot")
}

func TestMarshalSnapshot_RejectsNonJSON(t *testing.T) {
	_, err := marshalSnapshot([]domain.LedgerEntry{{Key: "auction/x", Value: []byte{0xff}}})
	require.Error(t, err)

	out, err := marshalSnapshot([]domain.LedgerEntry{{Key: "auction/<x>", Value: []byte(`{"item":"<x>"}`)}})
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%s\n", `{"key":"auction/<x>","value":{"item":"<x>"}}`), string(out))
}

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "https://minio.local:9000", endpointURL("minio.local:9000", true))
	assert.Equal(t, "http://minio.local", endpointURL("minio.local", false))
	assert.Equal(t, "http://already.set", endpointURL("http://already.set", true))
}

func TestNew_RequiresBucketAndRegion(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket, region")
}
