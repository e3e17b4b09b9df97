package metadata

import (
	"fmt"
	"strconv"
	"strings"
)

// Partition names. Object and upload partitions are per bucket; part
// partitions are per upload.
const (
	partBuckets = "buckets"
	partUsers   = "users"
	partEmails  = "emails"
)

// keySep separates an object key from its version ordering suffix. Object
// keys may not contain it.
const keySep = "\x00"

// afterAllVersions sorts after every inverted sequence suffix.
const afterAllVersions = "g"

func bucketKey(name string) Key {
	return Key{Partition: partBuckets, Sort: name}
}

func objectsPartition(bucket string) string {
	return "objects/" + bucket
}

func versionKey(bucket, key, invSeq string) Key {
	return Key{Partition: objectsPartition(bucket), Sort: key + keySep + invSeq}
}

// splitVersionSort splits an object sort key into object key and inverted
// sequence.
func splitVersionSort(sort string) (key, invSeq string, err error) {
	i := strings.LastIndex(sort, keySep)
	if i < 0 {
		return "", "", fmt.Errorf("malformed object sort key %q", sort)
	}
	return sort[:i], sort[i+1:], nil
}

func uploadsPartition(bucket string) string {
	return "uploads/" + bucket
}

func uploadKey(bucket, key, uploadID string) Key {
	return Key{Partition: uploadsPartition(bucket), Sort: key + keySep + uploadID}
}

func partsPartition(uploadID string) string {
	return "parts/" + uploadID
}

func partKey(uploadID string, partNumber int) Key {
	return Key{Partition: partsPartition(uploadID), Sort: fmt.Sprintf("%05d", partNumber)}
}

func partSort(partNumber int) string {
	if partNumber <= 0 {
		return ""
	}
	return fmt.Sprintf("%05d", partNumber)
}

func parsePartSort(sort string) (int, error) {
	return strconv.Atoi(sort)
}

func userKey(id string) Key {
	return Key{Partition: partUsers, Sort: id}
}

func emailKey(email string) Key {
	return Key{Partition: partEmails, Sort: strings.ToLower(email)}
}
