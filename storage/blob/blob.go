/*
	Package blob stores each block as one object of a cloud bucket.  Object names are
	"time/field/blockid" below an optional prefix and object contents are serialized the same
	way as badger values.

	Supported bucket references:

		gs://<bucketname>[/prefix]
		s3://<bucketname>[/prefix]
		vast://<endpoint>/<bucketname>[/prefix]
		file:///<directory>
		mem://
*/
package blob

import (
	"context"
	"fmt"
	"strings"

	"github.com/blang/semver"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
	"gocloud.dev/gcp"

	"github.com/janelia-flyem/hzvol/hzvol"
	"github.com/janelia-flyem/hzvol/storage"
)

// Engine returns the registry entry of the bucket access.
func Engine() storage.Engine {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		hzvol.Errorf("Unable to make semver in blob: %v\n", err)
	}
	return storage.Engine{
		Kind:        storage.KindBlob,
		Description: "Cloud bucket objects via gocloud.dev",
		Version:     ver,
		New:         New,
	}
}

// OpenBucket returns a blob.Bucket for the given reference.
func OpenBucket(ctx context.Context, ref string) (bucket *blob.Bucket, err error) {
	switch {
	case strings.HasPrefix(ref, "s3://"):
		// AWS credentials and AWS_REGION must be set up where gocloud can find them.
		name, prefix := splitRef(strings.TrimPrefix(ref, "s3://"))
		if bucket, err = blob.OpenBucket(ctx, "s3://"+name); err != nil {
			return nil, fmt.Errorf("Can't open bucket reference @ %q: %v: %w", ref, err, hzvol.ErrIO)
		}
		bucket = prefixed(bucket, prefix)

	case strings.HasPrefix(ref, "vast://"):
		// VAST S3-compatible storage at vast://<endpoint>/<bucket>.  AWS_REGION must be set
		// although it is ignored.
		parts := strings.SplitN(strings.TrimPrefix(ref, "vast://"), "/", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("vast ref must be of form 'vast://<endpoint>/<bucket>': %w", hzvol.ErrValidation)
		}
		name, prefix := splitRef(parts[1])
		url := fmt.Sprintf("s3://%s?endpoint=%s&s3ForcePathStyle=true", name, parts[0])
		if bucket, err = blob.OpenBucket(ctx, url); err != nil {
			return nil, fmt.Errorf("Can't open bucket reference @ %q: %v: %w", ref, err, hzvol.ErrIO)
		}
		bucket = prefixed(bucket, prefix)

	case strings.HasPrefix(ref, "gs://"):
		// Google default credentials.
		creds, err := gcp.DefaultCredentials(ctx)
		if err != nil {
			return nil, fmt.Errorf("No google credentials for %q: %v: %w", ref, err, hzvol.ErrIO)
		}
		client, err := gcp.NewHTTPClient(gcp.DefaultTransport(), gcp.CredentialsTokenSource(creds))
		if err != nil {
			return nil, fmt.Errorf("Can't make GCS client: %v: %w", err, hzvol.ErrIO)
		}
		name, prefix := splitRef(strings.TrimPrefix(ref, "gs://"))
		if bucket, err = gcsblob.OpenBucket(ctx, client, name, nil); err != nil {
			return nil, fmt.Errorf("Can't open bucket reference @ %q: %v: %w", ref, err, hzvol.ErrIO)
		}
		bucket = prefixed(bucket, prefix)

	default:
		if bucket, err = blob.OpenBucket(ctx, ref); err != nil {
			return nil, fmt.Errorf("Can't open bucket reference @ %q: %v: %w", ref, err, hzvol.ErrIO)
		}
	}
	return bucket, nil
}

func splitRef(ref string) (name, prefix string) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func prefixed(bucket *blob.Bucket, prefix string) *blob.Bucket {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return bucket
	}
	return blob.PrefixedBucket(bucket, prefix+"/")
}

// ObjectKey returns the object name of a block.
func ObjectKey(field string, t float64, blockid uint64) string {
	return fmt.Sprintf("%s/%s/%016x", storage.TimeString(t), field, blockid)
}

// Bucket is an Access over a cloud bucket.
type Bucket struct {
	*storage.Base

	ref    string
	bucket *blob.Bucket
}

// New opens the bucket referenced by cfg.URL.
func New(info *storage.DatasetInfo, cfg storage.Config, reg *storage.Registry) (storage.Access, error) {
	base, err := storage.NewBase(string(storage.KindBlob), info, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%q must be specified for blob access: %w", "url", hzvol.ErrValidation)
	}
	if cfg.ReadOnly {
		base.SetReadOnly()
	}
	bucket, err := OpenBucket(context.Background(), cfg.URL)
	if err != nil {
		return nil, err
	}
	return &Bucket{Base: base, ref: cfg.URL, bucket: bucket}, nil
}

func objectKey(q *storage.BlockQuery) string {
	return ObjectKey(q.Field.Name, q.Time, q.BlockID)
}

// ReadBlock fetches the block object.
func (b *Bucket) ReadBlock(ctx context.Context, q *storage.BlockQuery) {
	if !b.CheckRead(q) {
		return
	}
	b.Async(ctx, q, func() {
		if err := b.read(ctx, q); err != nil {
			b.ReadFailed(q, err)
			return
		}
		b.ReadOk(q)
	})
}

func (b *Bucket) read(ctx context.Context, q *storage.BlockQuery) error {
	key := objectKey(q)
	value, err := b.bucket.ReadAll(ctx, key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("No object %q in %s: %w", key, b.ref, hzvol.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("Read of %q from %s: %v: %w", key, b.ref, err, hzvol.ErrIO)
	}
	data, _, err := hzvol.DeserializeData(value)
	if err != nil {
		return fmt.Errorf("Object %q: %v: %w", key, err, hzvol.ErrIO)
	}
	return q.SetBuffer(data)
}

// WriteBlock uploads the block object.
func (b *Bucket) WriteBlock(ctx context.Context, q *storage.BlockQuery) {
	if !b.CheckWrite(q) {
		return
	}
	b.Async(ctx, q, func() {
		if err := b.write(ctx, q); err != nil {
			b.WriteFailed(q, err)
			return
		}
		b.WriteOk(q)
	})
}

func (b *Bucket) write(ctx context.Context, q *storage.BlockQuery) error {
	compress := b.Compression(q.Field)
	value, err := hzvol.SerializeData(q.Buffer.Data, compress, hzvol.CRC32)
	if err != nil {
		return err
	}
	key := objectKey(q)
	opts := &blob.WriterOptions{
		ContentType: "application/octet-stream",
		Metadata: map[string]string{
			"compression": compress.String(),
			"dtype":       q.Field.DType.String(),
			"layout":      hzvol.LayoutRowMajor,
		},
	}
	if err := b.bucket.WriteAll(ctx, key, value, opts); err != nil {
		return fmt.Errorf("Write of %q to %s: %v: %w", key, b.ref, err, hzvol.ErrIO)
	}
	return nil
}

// Close closes the bucket.
func (b *Bucket) Close() error {
	return b.bucket.Close()
}
