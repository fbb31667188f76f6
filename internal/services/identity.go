package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DeriveDocID computes the stable identity for one object version: the
// SHA-256 of "bucket:key:revision", hex encoded for use as a storage path
// segment. Identical coordinates always hash to the same id; a new revision
// yields a new id, so a re-upload overwrites cleanly instead of merging into
// a prior version's outputs.
func DeriveDocID(bucket, key, revision string) (string, error) {
	if bucket == "" || key == "" {
		return "", fmt.Errorf("%w: bucket and key must be non-empty", ErrInvalidInput)
	}
	sum := sha256.Sum256([]byte(bucket + ":" + key + ":" + revision))
	return hex.EncodeToString(sum[:]), nil
}
