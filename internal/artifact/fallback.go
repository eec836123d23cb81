package artifact

import (
	"context"

	"go.uber.org/zap"

	"github.com/a2aflow/host/internal/common/logger"
)

// fallbackStore tries primary (Azure) first and degrades to local on any Put
// failure, per §4.2's failure model. Get/Delete/List are tried against
// primary first, then local, since an object stored locally after a
// mid-session Azure outage would otherwise be unreachable.
type fallbackStore struct {
	primary Store
	local   Store
	logger  *logger.Logger
}

func newFallbackStore(primary, local Store, log *logger.Logger) *fallbackStore {
	return &fallbackStore{
		primary: primary,
		local:   local,
		logger:  log.WithFields(zap.String("component", "artifact_fallback")),
	}
}

func (f *fallbackStore) Put(ctx context.Context, sessionID, name string, data []byte, mime string, opts PutOptions) (*Artifact, error) {
	art, err := f.primary.Put(ctx, sessionID, name, data, mime, opts)
	if err != nil {
		f.logger.Warn("primary artifact store Put failed, falling back to local filesystem",
			zap.Error(err), zap.String("session_id", sessionID))
		return f.local.Put(ctx, sessionID, name, data, mime, opts)
	}
	return art, nil
}

func (f *fallbackStore) Get(ctx context.Context, uri string) ([]byte, error) {
	data, err := f.primary.Get(ctx, uri)
	if err == nil {
		return data, nil
	}
	return f.local.Get(ctx, uri)
}

func (f *fallbackStore) Delete(ctx context.Context, sessionID, artifactID string) error {
	primaryErr := f.primary.Delete(ctx, sessionID, artifactID)
	localErr := f.local.Delete(ctx, sessionID, artifactID)
	if primaryErr != nil && localErr != nil {
		return primaryErr
	}
	return nil
}

func (f *fallbackStore) List(ctx context.Context, sessionID string) ([]*Artifact, error) {
	primaryList, primaryErr := f.primary.List(ctx, sessionID)
	localList, localErr := f.local.List(ctx, sessionID)
	if primaryErr != nil && localErr != nil {
		return nil, primaryErr
	}
	return append(primaryList, localList...), nil
}
