package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/a2aflow/host/internal/common/apperror"
	"github.com/a2aflow/host/internal/common/logger"
	"github.com/a2aflow/host/pkg/a2a"
)

// localFSStore persists artifacts at basePath/{session_id}/{artifact_id}/{name}
// and hands them out as /uploads/{session_id}/{artifact_id}/{name} URIs
// (spec §4.2).
type localFSStore struct {
	basePath string
	logger   *logger.Logger
	onDelete OnDeleteHook

	mu    sync.RWMutex
	index map[string][]*Artifact // sessionID -> artifacts, in-memory catalog
}

func newLocalFSStore(basePath string, log *logger.Logger, onDelete OnDeleteHook) (*localFSStore, error) {
	if basePath == "" {
		basePath = "./data/uploads"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact base path: %w", err)
	}
	return &localFSStore{
		basePath: basePath,
		logger:   log.WithFields(zap.String("component", "artifact_local")),
		onDelete: onDelete,
		index:    make(map[string][]*Artifact),
	}, nil
}

func (s *localFSStore) objectPath(sessionID, artifactID, name string) string {
	return filepath.Join(s.basePath, sessionID, artifactID, name)
}

func (s *localFSStore) findDuplicate(sessionID string, role a2a.FileRole, hash string) *Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if role != a2a.FileRoleBase && role != a2a.FileRoleMask && role != a2a.FileRoleOverlay {
		return nil
	}
	for _, a := range s.index[sessionID] {
		if a.Role == role && a.ContentHash == hash {
			return a
		}
	}
	return nil
}

func (s *localFSStore) Put(ctx context.Context, sessionID, name string, data []byte, mime string, opts PutOptions) (*Artifact, error) {
	hash := contentHash(data)
	if dup := s.findDuplicate(sessionID, opts.Role, hash); dup != nil {
		return dup, nil
	}

	artifactID := newArtifactID()
	path := s.objectPath(sessionID, artifactID, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperror.Wrap(apperror.KindStore, "create artifact directory", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, apperror.Wrap(apperror.KindStore, "write artifact", err)
	}

	rel, _ := filepath.Rel(s.basePath, path)
	art := &Artifact{
		SessionID:   sessionID,
		ArtifactID:  artifactID,
		Name:        name,
		MimeType:    mime,
		URI:         "/uploads/" + filepath.ToSlash(rel),
		Role:        opts.Role,
		ContentHash: hash,
		Status:      StatusUploaded,
	}

	s.mu.Lock()
	s.index[sessionID] = append(s.index[sessionID], art)
	s.mu.Unlock()

	return art, nil
}

func (s *localFSStore) Get(ctx context.Context, uri string) ([]byte, error) {
	rel := strings.TrimPrefix(uri, "/uploads/")
	path := filepath.Join(s.basePath, rel)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperror.Wrap(apperror.KindNotFound, "artifact not found: "+uri, err)
		}
		return nil, apperror.Wrap(apperror.KindStore, "read artifact", err)
	}
	return data, nil
}

// Delete is idempotent: it walks legacy prefixes newest-first (§2.3) and
// removes whichever copy exists, returning success either way.
func (s *localFSStore) Delete(ctx context.Context, sessionID, artifactID string) error {
	removed := false
	for _, pattern := range legacyPrefixes {
		var dir string
		if strings.Count(pattern, "%s") == 2 {
			// basePath already stands for the uploads/ root (see objectPath).
			dir = filepath.Join(s.basePath, sessionID, artifactID)
		} else {
			dir = filepath.Join(s.basePath, fmt.Sprintf(pattern, artifactID))
		}
		if _, err := os.Stat(dir); err == nil {
			if err := os.RemoveAll(dir); err != nil {
				return apperror.Wrap(apperror.KindStore, "delete artifact directory", err)
			}
			removed = true
		}
	}

	s.mu.Lock()
	kept := s.index[sessionID][:0]
	for _, a := range s.index[sessionID] {
		if a.ArtifactID != artifactID {
			kept = append(kept, a)
		}
	}
	s.index[sessionID] = kept
	s.mu.Unlock()

	if removed && s.onDelete != nil {
		if err := s.onDelete(ctx, sessionID, artifactID); err != nil {
			s.logger.Warn("onDelete hook failed", zap.Error(err), zap.String("artifact_id", artifactID))
		}
	}
	return nil
}

func (s *localFSStore) List(ctx context.Context, sessionID string) ([]*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Artifact, len(s.index[sessionID]))
	copy(out, s.index[sessionID])
	return out, nil
}
