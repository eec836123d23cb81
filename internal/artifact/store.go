// Package artifact implements the ArtifactStore (spec §4.2): a uniform
// Put/Get/Delete/List contract over a blob backend, with a local-filesystem
// fallback mode used when credentials are absent or the blob backend fails.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"

	"github.com/a2aflow/host/internal/common/apperror"
	"github.com/a2aflow/host/internal/common/config"
	"github.com/a2aflow/host/internal/common/logger"
	"github.com/a2aflow/host/pkg/a2a"
)

// Status is the ingestion state of an artifact (spec §3.1 supplemental field).
type Status string

const (
	StatusUploaded Status = "uploaded"
	StatusAnalyzed Status = "analyzed"
)

// Artifact is a FilePart that has been persisted to the store.
type Artifact struct {
	SessionID   string       `json:"session_id"`
	ArtifactID  string       `json:"artifact_id"`
	Name        string       `json:"name"`
	MimeType    string       `json:"mime_type"`
	URI         string       `json:"uri"`
	Role        a2a.FileRole `json:"role,omitempty"`
	ContentHash string       `json:"content_hash"`
	Status      Status       `json:"status"`
}

// PutOptions customizes Put's dedup and role-tagging behavior.
type PutOptions struct {
	// Role, when one of base/mask/overlay, makes Put look up an existing
	// artifact by (session_id, role, content_hash) before writing a new one
	// (Open Question #2: generated/result images are never deduplicated —
	// callers leave Role empty or set it to FileRoleResult for those).
	Role a2a.FileRole
}

// Store is the ArtifactStore contract (spec §4.2).
type Store interface {
	// Put uploads bytes under name for sessionID and returns the persisted
	// Artifact, whose URI is usable for at least T_sign seconds.
	Put(ctx context.Context, sessionID, name string, data []byte, mime string, opts PutOptions) (*Artifact, error)

	// Get retrieves the bytes referenced by a URI previously returned by Put.
	Get(ctx context.Context, uri string) ([]byte, error)

	// Delete removes an artifact. Idempotent: success whether or not it
	// existed. Also searches legacy path prefixes (§2.3) to support
	// migration, and invokes onDelete (if set) as a best-effort
	// vector-store-record cleanup hook.
	Delete(ctx context.Context, sessionID, artifactID string) error

	// List returns every artifact currently persisted for sessionID.
	List(ctx context.Context, sessionID string) ([]*Artifact, error)
}

// legacyPrefixes are searched, newest convention first, before confirming a
// delete is a no-op (§2.3 "Session file registry purge on delete").
var legacyPrefixes = []string{
	"uploads/%s/%s/",
	"image-generator/%s/",
	"video-generator/%s/",
	"email-attachments/%s/",
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newArtifactID() string {
	return uuid.New().String()
}

// OnDeleteHook is the best-effort vector-store-record cleanup callback
// (§4.2); a Repo adapter supplies the concrete implementation.
type OnDeleteHook func(ctx context.Context, sessionID, artifactID string) error

// NewArtifactStore builds the configured Store once at startup (§2.3): the
// local filesystem store when no Azure credentials are configured (or Azure
// init fails without ForceAzureBlob), otherwise an Azure-first store that
// falls back to the local filesystem whenever an individual Put fails.
func NewArtifactStore(cfg config.ArtifactStoreConfig, log *logger.Logger, onDelete OnDeleteHook) (Store, error) {
	local, err := newLocalFSStore(cfg.LocalBasePath, log, onDelete)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStore, "init local artifact store", err)
	}

	hasAzureCreds := cfg.AzureConnectionString != "" || cfg.AzureAccountName != ""
	if !hasAzureCreds && !cfg.ForceAzureBlob {
		log.Info("artifact store: no Azure credentials, using local filesystem backend")
		return local, nil
	}

	azure, err := newAzureBlobStore(cfg, log, onDelete)
	if err != nil {
		if cfg.ForceAzureBlob {
			return nil, apperror.Wrap(apperror.KindStore, "init azure blob store (forced)", err)
		}
		log.Warn("artifact store: azure blob init failed, falling back to local filesystem")
		return local, nil
	}

	return newFallbackStore(azure, local, log), nil
}
