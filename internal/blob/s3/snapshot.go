package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
)

const (
	// maxLineSize bounds one JSONL line when restoring.
	maxLineSize = 1024 * 1024

	shutdownExportTimeout = 30 * time.Second
)

// LedgerSource is the part of the ledger the archiver reads and restores.
type LedgerSource interface {
	Snapshot(ctx context.Context) ([]domain.LedgerEntry, error)
	Load(ctx context.Context, entries []domain.LedgerEntry) (int, error)
}

// snapshotLine is one ledger entry in a snapshot file. Values are the JSON
// documents the codec produced, embedded as-is.
type snapshotLine struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Archiver exports the ledger as JSON lines to
// snapshots/{peerKey}/{timestamp}.jsonl and restores the newest one.
//
// Exports never delete anything from the ledger or the bucket.
type Archiver struct {
	bucket domain.SnapshotBucket
	source LedgerSource
	prefix string
	audit  domain.AuditStore
	now    func() time.Time
	logger *slog.Logger
}

// NewArchiver creates an Archiver for the node identified by peerKey.
func NewArchiver(bucket domain.SnapshotBucket, source LedgerSource, peerKey string, logger *slog.Logger) *Archiver {
	return &Archiver{
		bucket: bucket,
		source: source,
		prefix: fmt.Sprintf("snapshots/%s/", peerKey),
		now:    time.Now,
		logger: logger.With(slog.String("component", "snapshot_archiver")),
	}
}

// WithAudit records every export in the audit log.
func (a *Archiver) WithAudit(audit domain.AuditStore) *Archiver {
	a.audit = audit
	return a
}

// Export uploads the current ledger and returns the object path and the
// number of entries written.
func (a *Archiver) Export(ctx context.Context) (string, int, error) {
	entries, err := a.source.Snapshot(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("s3blob: snapshot ledger: %w", err)
	}

	buf, err := marshalSnapshot(entries)
	if err != nil {
		return "", 0, fmt.Errorf("s3blob: snapshot marshal: %w", err)
	}

	path := a.snapshotPath(a.now())
	if err := a.bucket.Upload(ctx, path, buf); err != nil {
		return "", 0, fmt.Errorf("s3blob: snapshot upload: %w", err)
	}

	a.logger.InfoContext(ctx, "s3blob: snapshot exported",
		slog.String("path", path),
		slog.Int("entries", len(entries)),
		slog.Int("bytes", len(buf)),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "snapshot.export", map[string]any{
			"path":    path,
			"entries": len(entries),
		}); err != nil {
			a.logger.WarnContext(ctx, "s3blob: snapshot audit log failed", slog.String("error", err.Error()))
		}
	}
	return path, len(entries), nil
}

// Latest returns the newest snapshot for this node, or domain.ErrNotFound.
func (a *Archiver) Latest(ctx context.Context) (domain.SnapshotObject, error) {
	objects, err := a.bucket.Objects(ctx, a.prefix)
	if err != nil {
		return domain.SnapshotObject{}, fmt.Errorf("s3blob: list snapshots: %w", err)
	}
	if len(objects) == 0 {
		return domain.SnapshotObject{}, fmt.Errorf("s3blob: latest snapshot under %s: %w", a.prefix, domain.ErrNotFound)
	}
	// Timestamps in the key sort lexically.
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects[len(objects)-1], nil
}

// Restore loads the newest snapshot into the ledger and returns the number
// of entries written. Having no snapshot yet is not an error.
func (a *Archiver) Restore(ctx context.Context) (int, error) {
	latest, err := a.Latest(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		a.logger.InfoContext(ctx, "s3blob: no snapshot to restore", slog.String("prefix", a.prefix))
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	body, err := a.bucket.Open(ctx, latest.Key)
	if err != nil {
		return 0, fmt.Errorf("s3blob: fetch snapshot: %w", err)
	}
	defer body.Close()

	var entries []domain.LedgerEntry
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for line := 1; sc.Scan(); line++ {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var l snapshotLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			return 0, fmt.Errorf("s3blob: snapshot %s line %d: %w", latest.Key, line, err)
		}
		entries = append(entries, domain.LedgerEntry{Key: l.Key, Value: []byte(l.Value)})
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("s3blob: read snapshot %s: %w", latest.Key, err)
	}

	n, err := a.source.Load(ctx, entries)
	if err != nil {
		return n, fmt.Errorf("s3blob: restore snapshot %s: %w", latest.Key, err)
	}
	a.logger.InfoContext(ctx, "s3blob: snapshot restored",
		slog.String("path", latest.Key),
		slog.Int("entries", n),
	)
	return n, nil
}

// Run exports every interval and whenever trigger fires, and once more when
// ctx is cancelled. Export failures are logged and do not stop the loop.
func (a *Archiver) Run(ctx context.Context, interval time.Duration, trigger <-chan struct{}) error {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	export := func(ctx context.Context) {
		if _, _, err := a.Export(ctx); err != nil {
			a.logger.ErrorContext(ctx, "s3blob: snapshot export failed", slog.String("error", err.Error()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownExportTimeout)
			export(final)
			cancel()
			return nil
		case <-tick:
			export(ctx)
		case <-trigger:
			export(ctx)
		}
	}
}

func (a *Archiver) snapshotPath(at time.Time) string {
	return a.prefix + at.UTC().Format("20060102T150405.000000000Z") + ".jsonl"
}

// marshalSnapshot serialises entries as newline-delimited JSON.
func marshalSnapshot(entries []domain.LedgerEntry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, e := range entries {
		if !json.Valid(e.Value) {
			return nil, fmt.Errorf("entry %d (%s): value is not a JSON document", i, e.Key)
		}
		if err := enc.Encode(snapshotLine{Key: e.Key, Value: e.Value}); err != nil {
			return nil, fmt.Errorf("jsonl encode entry %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
