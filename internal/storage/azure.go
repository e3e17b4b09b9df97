package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/bleepstore/bleepcore/internal/config"
)

// azureBlockSize is the size of each block staged by Put.
const azureBlockSize = 4 << 20

// AzureBlobAPI is the subset of the Azure Blob client used by AzureBackend.
// It allows mocking in tests.
type AzureBlobAPI interface {
	StageBlock(ctx context.Context, containerName, blobName, blockID string, data []byte) error
	CommitBlockList(ctx context.Context, containerName, blobName string, blockIDs []string) error
	// DownloadRange reads count bytes from offset; count 0 reads to the end.
	DownloadRange(ctx context.Context, containerName, blobName string, offset, count int64) (io.ReadCloser, error)
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	BlobExists(ctx context.Context, containerName, blobName string) (bool, error)
	ContainerExists(ctx context.Context, containerName string) error
}

// AzureBackend stores blobs as block blobs in one upstream container under
// {prefix}{content id}. Put stages the payload in fixed-size blocks and
// commits them, so large payloads never sit in memory whole.
type AzureBackend struct {
	// Container is the upstream Azure Blob container name.
	Container string
	// AccountURL is the storage account URL (e.g. https://account.blob.core.windows.net).
	AccountURL string
	// Prefix is prepended to every upstream blob name.
	Prefix string
	client AzureBlobAPI
}

// NewAzureBackend creates an AzureBackend from cfg and verifies the upstream
// container is reachable.
func NewAzureBackend(ctx context.Context, cfg *config.AzureConfig) (*AzureBackend, error) {
	accountURL := cfg.AccountURL
	if accountURL == "" && cfg.Account != "" {
		accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	client, err := newRealAzureClient(accountURL, cfg.ConnectionString, cfg.UseManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	b := NewAzureBackendWithClient(cfg.Container, accountURL, cfg.Prefix, client)
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream Azure container %q: %w", cfg.Container, err)
	}

	slog.Info("Azure content backend initialized", "container", cfg.Container, "account", accountURL, "prefix", cfg.Prefix)
	return b, nil
}

// NewAzureBackendWithClient creates an AzureBackend over an existing client.
func NewAzureBackendWithClient(container, accountURL, prefix string, client AzureBlobAPI) *AzureBackend {
	return &AzureBackend{Container: container, AccountURL: accountURL, Prefix: prefix, client: client}
}

func (b *AzureBackend) blobName(id string) string {
	return b.Prefix + id
}

// blockID encodes the block index. Every id within one blob must have the
// same length.
func blockID(index int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("block-%06d", index)))
}

// Put stages r in azureBlockSize blocks and commits the block list.
func (b *AzureBackend) Put(ctx context.Context, id string, r io.Reader, size int64) (int64, error) {
	name := b.blobName(id)
	buf := make([]byte, azureBlockSize)
	var ids []string
	var total int64

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			blk := blockID(len(ids))
			if stageErr := b.client.StageBlock(ctx, b.Container, name, blk, bytes.Clone(buf[:n])); stageErr != nil {
				return 0, fmt.Errorf("staging block in Azure Blob: %w", stageErr)
			}
			ids = append(ids, blk)
			total += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("reading content: %w", err)
		}
	}

	// An empty payload still needs a committed (empty) blob.
	if err := b.client.CommitBlockList(ctx, b.Container, name, ids); err != nil {
		return 0, fmt.Errorf("committing block list in Azure Blob: %w", err)
	}
	return total, nil
}

func (b *AzureBackend) Get(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error) {
	name := b.blobName(id)
	if length == 0 {
		ok, err := b.Exists(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotFound
		}
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	count := length
	if count < 0 {
		count = 0
	}
	rc, err := b.client.DownloadRange(ctx, b.Container, name, offset, count)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting blob from Azure: %w", err)
	}
	return rc, nil
}

// Delete is idempotent.
func (b *AzureBackend) Delete(ctx context.Context, id string) error {
	err := b.client.DeleteBlob(ctx, b.Container, b.blobName(id))
	if err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("deleting blob from Azure: %w", err)
	}
	return nil
}

func (b *AzureBackend) Exists(ctx context.Context, id string) (bool, error) {
	exists, err := b.client.BlobExists(ctx, b.Container, b.blobName(id))
	if err != nil {
		return false, fmt.Errorf("checking blob existence in Azure: %w", err)
	}
	return exists, nil
}

// HealthCheck verifies that the upstream container is accessible.
func (b *AzureBackend) HealthCheck(ctx context.Context) error {
	return b.client.ContainerExists(ctx, b.Container)
}

// isAzureNotFound reports whether err carries a blob or container not-found
// error code.
func isAzureNotFound(err error) bool {
	return bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound)
}

var _ Backend = (*AzureBackend)(nil)
