package session

import (
	"context"
	"encoding/json"
	"fmt"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	// URL schemes for local and test buckets
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/forechoandlook/stepflow"
)

// Archiver keeps the final snapshot of reaped sessions
type Archiver interface {
	Archive(ctx context.Context, st FlowState) error
	Load(ctx context.Context, sessionID string) (FlowState, error)
}

// BlobArchiver writes snapshots as JSON objects into a gocloud bucket
// (mem://, file:///path, s3://, ...)
type BlobArchiver struct {
	bucket *blob.Bucket
	prefix string
}

var _ Archiver = (*BlobArchiver)(nil)

func NewBlobArchiver(
	ctx context.Context, bucketURL, prefix string,
) (*BlobArchiver, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return &BlobArchiver{bucket: bucket, prefix: prefix}, nil
}

func (a *BlobArchiver) Archive(ctx context.Context, st FlowState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return a.bucket.WriteAll(ctx, a.keyFor(st.SessionID), data, &blob.WriterOptions{
		ContentType: "application/json",
	})
}

func (a *BlobArchiver) Load(
	ctx context.Context, sessionID string,
) (FlowState, error) {
	data, err := a.bucket.ReadAll(ctx, a.keyFor(sessionID))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return FlowState{}, fmt.Errorf("%w: %s",
				stepflow.ErrSessionNotFound, sessionID)
		}
		return FlowState{}, err
	}

	var st FlowState
	if err := json.Unmarshal(data, &st); err != nil {
		return FlowState{}, err
	}
	return st, nil
}

func (a *BlobArchiver) Close() error {
	return a.bucket.Close()
}

func (a *BlobArchiver) keyFor(sessionID string) string {
	return a.prefix + sessionID + ".json"
}
