package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Bucket names used by snapshotting backends, one payload per bucket.
const (
	BucketEntities    = "entities"
	BucketRelations   = "relations"
	BucketAttributes  = "attributes"
	BucketCredentials = "credentials"
	BucketMetadata    = "metadata"
)

// Buckets lists every snapshot bucket in persistence order.
var Buckets = []string{BucketEntities, BucketRelations, BucketAttributes, BucketCredentials, BucketMetadata}

func (s *Snapshot) bucketTarget(bucket string) (any, bool) {
	switch bucket {
	case BucketEntities:
		return &s.Entities, true
	case BucketRelations:
		return &s.Relations, true
	case BucketAttributes:
		return &s.Attributes, true
	case BucketCredentials:
		return &s.Credentials, true
	case BucketMetadata:
		return &s.Metadata, true
	default:
		return nil, false
	}
}

// EncodeBucket marshals one bucket of the snapshot.
func (s Snapshot) EncodeBucket(bucket string) ([]byte, error) {
	target, ok := s.bucketTarget(bucket)
	if !ok {
		return nil, fmt.Errorf("unknown bucket %q", bucket)
	}
	data, err := json.Marshal(target)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", bucket, err)
	}
	return data, nil
}

// DecodeBucket fills one bucket of the snapshot. Unknown buckets are ignored
// so older databases keep loading.
func (s *Snapshot) DecodeBucket(bucket string, payload []byte) error {
	target, ok := s.bucketTarget(bucket)
	if !ok || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decode %s: %w", bucket, err)
	}
	return nil
}

// EncodedBucket is one serialized bucket with the digest of its payload.
type EncodedBucket struct {
	Name    string
	Payload []byte
	Digest  string
}

// BucketDigest fingerprints an encoded bucket payload.
func BucketDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ChangedBuckets encodes every bucket and returns the ones whose digest differs
// from known, in persistence order, along with the digests of all buckets.
// Snapshot fields are maps, so encoding is deterministic and an unchanged
// bucket always hashes the same.
func (s Snapshot) ChangedBuckets(known map[string]string) ([]EncodedBucket, map[string]string, error) {
	digests := make(map[string]string, len(Buckets))
	var changed []EncodedBucket
	for _, bucket := range Buckets {
		payload, err := s.EncodeBucket(bucket)
		if err != nil {
			return nil, nil, err
		}
		digest := BucketDigest(payload)
		digests[bucket] = digest
		if known[bucket] == digest {
			continue
		}
		changed = append(changed, EncodedBucket{Name: bucket, Payload: payload, Digest: digest})
	}
	return changed, digests, nil
}
