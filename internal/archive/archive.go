// Package archive copies ledger snapshots to object storage and reads them
// back for offline verification.
package archive

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/atmx/parimutuel-ledger/internal/model"
)

const contentType = "application/cbor"

// ErrNotFound is returned when no archived snapshot exists.
var ErrNotFound = errors.New("archive: not found")

// Blobs is the object storage the archiver writes to.
type Blobs interface {
	Put(ctx context.Context, key string, data []byte, meta map[string]string) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

type record struct {
	Seq       uint64 `cbor:"1,keyasint"`
	Root      string `cbor:"2,keyasint"`
	State     []byte `cbor:"3,keyasint"`
	Nonces    []byte `cbor:"4,keyasint,omitempty"`
	CreatedAt int64  `cbor:"5,keyasint"` // unix nanoseconds
}

var encMode cbor.EncMode

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
}

// Archiver stores snapshots as <prefix>/<seq>-<root>.cbor.
type Archiver struct {
	blobs  Blobs
	prefix string
}

// New creates an archiver writing under prefix ("snapshots" when empty).
func New(blobs Blobs, prefix string) *Archiver {
	if prefix == "" {
		prefix = "snapshots"
	}
	return &Archiver{blobs: blobs, prefix: strings.TrimSuffix(prefix, "/")}
}

// Key returns the object key for a snapshot. The zero-padded sequence makes
// lexical key order match sequence order.
func (a *Archiver) Key(seq uint64, root string) string {
	return fmt.Sprintf("%s/%020d-%s.cbor", a.prefix, seq, root)
}

// Archive uploads snap.
func (a *Archiver) Archive(ctx context.Context, snap *model.Snapshot) error {
	data, err := encMode.Marshal(record{
		Seq:       snap.Seq,
		Root:      snap.Root,
		State:     snap.State,
		Nonces:    snap.Nonces,
		CreatedAt: snap.CreatedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("archive: encode snapshot %d: %w", snap.Seq, err)
	}
	meta := map[string]string{
		"seq":  fmt.Sprint(snap.Seq),
		"root": snap.Root,
	}
	return a.blobs.Put(ctx, a.Key(snap.Seq, snap.Root), data, meta)
}

// Latest downloads the archived snapshot with the highest sequence number.
func (a *Archiver) Latest(ctx context.Context) (*model.Snapshot, error) {
	keys, err := a.blobs.List(ctx, a.prefix+"/")
	if err != nil {
		return nil, err
	}
	keys = slices.DeleteFunc(keys, func(k string) bool { return !strings.HasSuffix(k, ".cbor") })
	if len(keys) == 0 {
		return nil, ErrNotFound
	}
	slices.Sort(keys)
	return a.Fetch(ctx, keys[len(keys)-1])
}

// Fetch downloads and decodes the snapshot stored at key.
func (a *Archiver) Fetch(ctx context.Context, key string) (*model.Snapshot, error) {
	data, err := a.blobs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var rec record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("archive: decode %s: %w", key, err)
	}
	if key != a.Key(rec.Seq, rec.Root) {
		return nil, fmt.Errorf("archive: %s holds snapshot %d/%s", key, rec.Seq, rec.Root)
	}
	return &model.Snapshot{
		Seq:       rec.Seq,
		Root:      rec.Root,
		State:     rec.State,
		Nonces:    rec.Nonces,
		CreatedAt: time.Unix(0, rec.CreatedAt).UTC(),
	}, nil
}
