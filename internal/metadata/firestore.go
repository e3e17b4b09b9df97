package metadata

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/bleepstore/bleepcore/internal/config"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// firestoreRecord is the document shape. Sort is stored as bytes so that
// Firestore orders it byte-wise. Queries need a composite index on (p, s).
type firestoreRecord struct {
	Partition string `firestore:"p"`
	Sort      []byte `firestore:"s"`
	Value     []byte `firestore:"v"`
	Revision  int64  `firestore:"rev"`
}

// FirestoreBackend stores each record as a document in one collection.
// Preconditions are checked inside Firestore transactions.
type FirestoreBackend struct {
	client     *firestore.Client
	collection string
}

func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// NewFirestoreBackend creates a backend from cfg.
func NewFirestoreBackend(ctx context.Context, cfg *config.FirestoreConfig) (*FirestoreBackend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("firestore config is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "bleepcore"
	}
	return &FirestoreBackend{client: client, collection: collection}, nil
}

func (s *FirestoreBackend) collectionRef() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *FirestoreBackend) doc(key Key) *firestore.DocumentRef {
	return s.collectionRef().Doc(encodeKey(key.Partition + keySep + key.Sort))
}

func (s *FirestoreBackend) Ping(ctx context.Context) error {
	_, err := s.collectionRef().Limit(1).Documents(ctx).Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		return err
	}
	return nil
}

func (s *FirestoreBackend) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func snapshotRecord(snap *firestore.DocumentSnapshot) (*firestoreRecord, error) {
	var rec firestoreRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("decoding firestore document %s: %w", snap.Ref.ID, err)
	}
	return &rec, nil
}

func (s *FirestoreBackend) Get(ctx context.Context, key Key) (*Item, error) {
	snap, err := s.doc(key).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting record: %w", err)
	}
	rec, err := snapshotRecord(snap)
	if err != nil {
		return nil, err
	}
	return &Item{Key: key, Value: rec.Value, Revision: rec.Revision}, nil
}

func (s *FirestoreBackend) Put(ctx context.Context, key Key, value []byte, expect int64) (int64, error) {
	ref := s.doc(key)
	var rev int64
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var current int64
		exists := true
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
			exists = false
		case err != nil:
			return err
		default:
			rec, err := snapshotRecord(snap)
			if err != nil {
				return err
			}
			current = rec.Revision
		}
		if err := checkRevision(exists, current, expect); err != nil {
			return err
		}
		rev = current + 1
		return tx.Set(ref, firestoreRecord{
			Partition: key.Partition,
			Sort:      []byte(key.Sort),
			Value:     value,
			Revision:  rev,
		})
	})
	if errors.Is(err, ErrConflict) {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("writing record: %w", err)
	}
	return rev, nil
}

func (s *FirestoreBackend) Delete(ctx context.Context, key Key, expect int64) error {
	ref := s.doc(key)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if expect > 0 {
			rec, err := snapshotRecord(snap)
			if err != nil {
				return err
			}
			if rec.Revision != expect {
				return ErrConflict
			}
		}
		return tx.Delete(ref)
	})
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return err
	}
	if err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	return nil
}

func (s *FirestoreBackend) List(ctx context.Context, partition, prefix, startAfter string, limit int) ([]Item, error) {
	q := s.collectionRef().Where("p", "==", partition)
	switch {
	case startAfter != "" && startAfter >= prefix:
		q = q.Where("s", ">", []byte(startAfter))
	case prefix != "":
		q = q.Where("s", ">=", []byte(prefix))
	}
	if prefix != "" {
		if end := prefixEnd(prefix); end != "" {
			q = q.Where("s", "<", []byte(end))
		}
	}
	q = q.OrderBy("s", firestore.Asc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []Item
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("querying records: %w", err)
		}
		rec, err := snapshotRecord(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, Item{
			Key:      Key{Partition: partition, Sort: string(rec.Sort)},
			Value:    rec.Value,
			Revision: rec.Revision,
		})
	}
	return out, nil
}
