package metadata

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
	"github.com/bleepstore/bleepcore/internal/config"
)

// CosmosBackend stores records in a Cosmos DB container partitioned by /pk.
// The sort key is stored hex-encoded in sk so string ordering matches byte
// ordering. Preconditions use the document ETag.
type CosmosBackend struct {
	client    *azcosmos.ContainerClient
	database  string
	container string
}

type cosmosItem struct {
	ID        string `json:"id"`
	Partition string `json:"pk"`
	Sort      string `json:"sk"`
	Value     []byte `json:"v"`
	Revision  int64  `json:"rev"`
}

// cosmosID derives a document id; ids are limited to 255 characters and may
// not contain '/', so the sort key is hashed.
func cosmosID(sort string) string {
	sum := sha256.Sum256([]byte(sort))
	return hex.EncodeToString(sum[:])
}

// NewCosmosBackend creates a backend from cfg.
func NewCosmosBackend(cfg *config.CosmosConfig) (*CosmosBackend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cosmos config is required")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("cosmos endpoint is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("cosmos database name is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("cosmos container name is required")
	}

	cred, err := azcosmos.NewKeyCredential(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("creating cosmos key credential: %w", err)
	}
	client, err := azcosmos.NewClientWithKey(cfg.Endpoint, cred, &azcosmos.ClientOptions{
		ClientOptions: policy.ClientOptions{},
	})
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}
	dbClient, err := client.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("getting database client: %w", err)
	}
	containerClient, err := dbClient.NewContainer(cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}

	return &CosmosBackend{
		client:    containerClient,
		database:  cfg.Database,
		container: cfg.Container,
	}, nil
}

func (s *CosmosBackend) Ping(ctx context.Context) error {
	_, err := s.client.Read(ctx, nil)
	return err
}

func (s *CosmosBackend) Close() error {
	return nil
}

func cosmosStatus(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

// read returns the stored item and its ETag, or ErrNotFound.
func (s *CosmosBackend) read(ctx context.Context, key Key) (*cosmosItem, azcore.ETag, error) {
	resp, err := s.client.ReadItem(ctx, azcosmos.NewPartitionKeyString(key.Partition), cosmosID(key.Sort), nil)
	if cosmosStatus(err) == http.StatusNotFound {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("reading record: %w", err)
	}
	var item cosmosItem
	if err := json.Unmarshal(resp.Value, &item); err != nil {
		return nil, "", fmt.Errorf("decoding cosmos item: %w", err)
	}
	return &item, resp.ETag, nil
}

func (s *CosmosBackend) Get(ctx context.Context, key Key) (*Item, error) {
	item, _, err := s.read(ctx, key)
	if err != nil {
		return nil, err
	}
	return &Item{Key: key, Value: item.Value, Revision: item.Revision}, nil
}

func (s *CosmosBackend) Put(ctx context.Context, key Key, value []byte, expect int64) (int64, error) {
	pk := azcosmos.NewPartitionKeyString(key.Partition)
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		current, etag, err := s.read(ctx, key)
		exists := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return 0, err
		}
		var rev int64
		if exists {
			rev = current.Revision
		}
		if err := checkRevision(exists, rev, expect); err != nil {
			return 0, err
		}

		next := &cosmosItem{
			ID:        cosmosID(key.Sort),
			Partition: key.Partition,
			Sort:      hex.EncodeToString([]byte(key.Sort)),
			Value:     value,
			Revision:  rev + 1,
		}
		data, err := json.Marshal(next)
		if err != nil {
			return 0, fmt.Errorf("encoding cosmos item: %w", err)
		}

		if exists {
			_, err = s.client.ReplaceItem(ctx, pk, next.ID, data, &azcosmos.ItemOptions{IfMatchEtag: &etag})
		} else {
			_, err = s.client.CreateItem(ctx, pk, data, nil)
		}
		switch cosmosStatus(err) {
		case 0:
			if err != nil {
				return 0, fmt.Errorf("writing record: %w", err)
			}
			return next.Revision, nil
		case http.StatusConflict, http.StatusPreconditionFailed, http.StatusNotFound:
			// Lost a race with another writer; re-read and re-check.
			continue
		default:
			return 0, fmt.Errorf("writing record: %w", err)
		}
	}
	return 0, ErrConflict
}

func (s *CosmosBackend) Delete(ctx context.Context, key Key, expect int64) error {
	current, etag, err := s.read(ctx, key)
	if err != nil {
		return err
	}
	if expect > 0 && current.Revision != expect {
		return ErrConflict
	}
	_, err = s.client.DeleteItem(ctx, azcosmos.NewPartitionKeyString(key.Partition), cosmosID(key.Sort),
		&azcosmos.ItemOptions{IfMatchEtag: &etag})
	switch cosmosStatus(err) {
	case 0:
		if err != nil {
			return fmt.Errorf("deleting record: %w", err)
		}
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusPreconditionFailed:
		if expect > 0 {
			return ErrConflict
		}
		return s.Delete(ctx, key, expect)
	default:
		return fmt.Errorf("deleting record: %w", err)
	}
}

func (s *CosmosBackend) List(ctx context.Context, partition, prefix, startAfter string, limit int) ([]Item, error) {
	query := "SELECT * FROM c WHERE c.pk = @pk"
	params := []azcosmos.QueryParameter{{Name: "@pk", Value: partition}}
	switch {
	case startAfter != "" && startAfter >= prefix:
		query += " AND c.sk > @start"
		params = append(params, azcosmos.QueryParameter{Name: "@start", Value: hex.EncodeToString([]byte(startAfter))})
	case prefix != "":
		query += " AND c.sk >= @prefix"
		params = append(params, azcosmos.QueryParameter{Name: "@prefix", Value: hex.EncodeToString([]byte(prefix))})
	}
	if prefix != "" {
		query += " AND STARTSWITH(c.sk, @prefixHex)"
		params = append(params, azcosmos.QueryParameter{Name: "@prefixHex", Value: hex.EncodeToString([]byte(prefix))})
	}
	query += " ORDER BY c.sk ASC"
	if limit > 0 {
		query += fmt.Sprintf(" OFFSET 0 LIMIT %d", limit)
	}

	opts := &azcosmos.QueryOptions{QueryParameters: params}
	if limit > 0 {
		opts.PageSizeHint = int32(limit)
	}
	pager := s.client.NewQueryItemsPager(query, azcosmos.NewPartitionKeyString(partition), opts)

	var out []Item
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("querying records: %w", err)
		}
		for _, raw := range resp.Items {
			var item cosmosItem
			if err := json.Unmarshal(raw, &item); err != nil {
				return nil, fmt.Errorf("decoding cosmos item: %w", err)
			}
			sortKey, err := hex.DecodeString(item.Sort)
			if err != nil {
				return nil, fmt.Errorf("decoding cosmos sort key %q: %w", item.Sort, err)
			}
			out = append(out, Item{
				Key:      Key{Partition: partition, Sort: string(sortKey)},
				Value:    item.Value,
				Revision: item.Revision,
			})
		}
	}
	return out, nil
}
