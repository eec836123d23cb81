package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"go.uber.org/zap"

	"github.com/a2aflow/host/internal/common/apperror"
	"github.com/a2aflow/host/internal/common/config"
	"github.com/a2aflow/host/internal/common/logger"
	"github.com/a2aflow/host/pkg/a2a"
)

// azureBlobStore mints SAS URLs when a connection string is available, and
// falls back to returning the bare backend URL when only the account name is
// configured (managed identity — caller is responsible for backend ACL, per
// spec §4.2).
type azureBlobStore struct {
	client        *azblob.Client
	container     string
	sasDuration   time.Duration
	usesSASSigning bool
	logger        *logger.Logger
	onDelete      OnDeleteHook
}

func newAzureBlobStore(cfg config.ArtifactStoreConfig, log *logger.Logger, onDelete OnDeleteHook) (*azureBlobStore, error) {
	var client *azblob.Client
	var err error
	usesSAS := false

	if cfg.AzureConnectionString != "" {
		client, err = azblob.NewClientFromConnectionString(cfg.AzureConnectionString, nil)
		usesSAS = true
	} else if cfg.AzureAccountName != "" {
		cred, credErr := azidentity.NewDefaultAzureCredential(nil)
		if credErr != nil {
			return nil, fmt.Errorf("azure managed identity credential: %w", credErr)
		}
		serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AzureAccountName)
		client, err = azblob.NewClient(serviceURL, cred, nil)
	} else {
		return nil, fmt.Errorf("no azure credentials configured")
	}
	if err != nil {
		return nil, fmt.Errorf("create azure blob client: %w", err)
	}

	container := cfg.AzureContainer
	if container == "" {
		container = "artifacts"
	}
	sasDuration := time.Duration(cfg.SASDurationMinutes) * time.Minute
	if sasDuration <= 0 {
		sasDuration = 7 * 24 * time.Hour
	}

	store := &azureBlobStore{
		client:         client,
		container:      container,
		sasDuration:    sasDuration,
		usesSASSigning: usesSAS,
		logger:         log.WithFields(zap.String("component", "artifact_azure")),
		onDelete:       onDelete,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.ServiceClient().NewContainerClient(container).Create(ctx, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("ensure azure container: %w", err)
	}

	return store, nil
}

func isContainerExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), "ContainerAlreadyExists")
}

func blobKey(sessionID, artifactID, name string) string {
	return fmt.Sprintf("uploads/%s/%s/%s", sessionID, artifactID, name)
}

func (s *azureBlobStore) Put(ctx context.Context, sessionID, name string, data []byte, mime string, opts PutOptions) (*Artifact, error) {
	hash := contentHash(data)
	if dup, err := s.findDuplicate(ctx, sessionID, opts.Role, hash); err == nil && dup != nil {
		return dup, nil
	}

	artifactID := newArtifactID()
	key := blobKey(sessionID, artifactID, name)

	_, err := s.client.UploadBuffer(ctx, s.container, key, data, &azblob.UploadBufferOptions{
		Metadata: map[string]*string{
			"contentHash": to(hash),
			"role":        to(string(opts.Role)),
		},
	})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStore, "upload blob", err)
	}

	uri, err := s.signedURL(key)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStore, "sign blob url", err)
	}

	return &Artifact{
		SessionID:   sessionID,
		ArtifactID:  artifactID,
		Name:        name,
		MimeType:    mime,
		URI:         uri,
		Role:        opts.Role,
		ContentHash: hash,
		Status:      StatusUploaded,
	}, nil
}

// findDuplicate does a best-effort blob listing scoped to the session prefix
// and compares metadata; it never fails the Put on a listing error.
func (s *azureBlobStore) findDuplicate(ctx context.Context, sessionID string, role a2a.FileRole, hash string) (*Artifact, error) {
	if role != a2a.FileRoleBase && role != a2a.FileRoleMask && role != a2a.FileRoleOverlay {
		return nil, nil
	}
	prefix := fmt.Sprintf("uploads/%s/", sessionID)
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: to(prefix),
		Include: azblob.ListBlobsInclude{Metadata: true},
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Segment.BlobItems {
			if item.Metadata == nil {
				continue
			}
			gotRole := derefStr(item.Metadata["role"])
			gotHash := derefStr(item.Metadata["contentHash"])
			if gotRole == string(role) && gotHash == hash {
				parts := strings.Split(*item.Name, "/")
				if len(parts) < 3 {
					continue
				}
				uri, uerr := s.signedURL(*item.Name)
				if uerr != nil {
					continue
				}
				return &Artifact{
					SessionID:   sessionID,
					ArtifactID:  parts[1],
					Name:        parts[len(parts)-1],
					URI:         uri,
					Role:        role,
					ContentHash: hash,
					Status:      StatusUploaded,
				}, nil
			}
		}
	}
	return nil, nil
}

func (s *azureBlobStore) Get(ctx context.Context, uri string) ([]byte, error) {
	key := keyFromURI(uri, s.container)
	resp, err := s.client.DownloadStream(ctx, s.container, key, nil)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStore, "download blob", err)
	}
	defer resp.Body.Close()
	buf := bytes.Buffer{}
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, apperror.Wrap(apperror.KindStore, "read blob stream", err)
	}
	return buf.Bytes(), nil
}

func (s *azureBlobStore) Delete(ctx context.Context, sessionID, artifactID string) error {
	removed := false
	for _, pattern := range legacyPrefixes {
		var prefix string
		if strings.Count(pattern, "%s") == 2 {
			prefix = fmt.Sprintf(pattern, sessionID, artifactID)
		} else {
			prefix = fmt.Sprintf(pattern, artifactID)
		}
		pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: to(prefix)})
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				break
			}
			for _, item := range page.Segment.BlobItems {
				if _, err := s.client.DeleteBlob(ctx, s.container, *item.Name, nil); err == nil {
					removed = true
				}
			}
		}
	}
	if removed && s.onDelete != nil {
		if err := s.onDelete(ctx, sessionID, artifactID); err != nil {
			s.logger.Warn("onDelete hook failed", zap.Error(err))
		}
	}
	return nil
}

func (s *azureBlobStore) List(ctx context.Context, sessionID string) ([]*Artifact, error) {
	prefix := fmt.Sprintf("uploads/%s/", sessionID)
	var out []*Artifact
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix:  to(prefix),
		Include: azblob.ListBlobsInclude{Metadata: true},
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindStore, "list blobs", err)
		}
		for _, item := range page.Segment.BlobItems {
			parts := strings.Split(*item.Name, "/")
			if len(parts) < 3 {
				continue
			}
			uri, err := s.signedURL(*item.Name)
			if err != nil {
				continue
			}
			status := StatusUploaded
			if derefStr(item.Metadata["status"]) == string(StatusAnalyzed) {
				status = StatusAnalyzed
			}
			out = append(out, &Artifact{
				SessionID:   sessionID,
				ArtifactID:  parts[1],
				Name:        parts[len(parts)-1],
				URI:         uri,
				ContentHash: derefStr(item.Metadata["contentHash"]),
				Role:        a2a.FileRole(derefStr(item.Metadata["role"])),
				Status:      status,
			})
		}
	}
	return out, nil
}

// signedURL mints a SAS URL when using a connection string/shared-key
// credential; with managed identity, it returns the bare backend URL (§4.2).
func (s *azureBlobStore) signedURL(key string) (string, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(key)
	if !s.usesSASSigning {
		return blobClient.URL(), nil
	}

	perms := sas.BlobPermissions{Read: true}
	expiry := time.Now().UTC().Add(s.sasDuration)
	sasURL, err := blobClient.GetSASURL(perms, expiry, nil)
	if err != nil {
		return "", err
	}
	return sasURL, nil
}

func keyFromURI(uri, container string) string {
	idx := strings.Index(uri, container+"/")
	if idx < 0 {
		return uri
	}
	key := uri[idx+len(container)+1:]
	if q := strings.Index(key, "?"); q >= 0 {
		key = key[:q]
	}
	return key
}

func to(v string) *string { return &v }

func derefStr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

var _ azcore.TokenCredential = (*azidentity.DefaultAzureCredential)(nil)
