package gateway

import (
	"context"
	"log/slog"

	"modelgate/pkg/domain"
	"modelgate/pkg/storage"
	"modelgate/pkg/store"
)

// Resolver turns image references into inline payloads. Stored-image IDs go
// through an ownership check: a reference to an image the requester does not
// own resolves to nothing, never to another user's bytes.
type Resolver struct {
	images  store.ImageStore
	objects storage.ObjectStore
	logger  *slog.Logger
}

// NewResolver builds a resolver over image metadata and object storage.
func NewResolver(images store.ImageStore, objects storage.ObjectStore) *Resolver {
	return &Resolver{images: images, objects: objects, logger: slog.Default()}
}

// Resolve returns the reference's payload, or nil when it cannot or must not
// be resolved. Inline payloads pass through unchanged.
func (r *Resolver) Resolve(ctx context.Context, ref domain.ImageRef, requesterID string) *domain.ImageRef {
	if ref.Inline() {
		return &ref
	}
	if ref.ID == "" {
		return nil
	}
	img, ok, err := r.images.GetImage(ref.ID)
	if err != nil {
		r.logger.Error("image lookup failed", "imageId", ref.ID, "error", err)
		return nil
	}
	if !ok {
		r.logger.Debug("image not found", "imageId", ref.ID)
		return nil
	}
	if img.OwnerID != requesterID {
		r.audit(ctx, "image_ownership_mismatch", ref.ID, requesterID)
		return nil
	}
	data, err := r.objects.Download(ctx, img.StorageKey)
	if err != nil {
		r.logger.Error("image download failed", "imageId", ref.ID, "error", err)
		return nil
	}
	return &domain.ImageRef{ID: ref.ID, Data: data, MIME: img.MIME}
}

// ResolveAll resolves each reference independently, preserving order.
// References that fail are omitted rather than blocking the rest.
func (r *Resolver) ResolveAll(ctx context.Context, refs []domain.ImageRef, requesterID string) []domain.ImageRef {
	var resolved []domain.ImageRef
	for _, ref := range refs {
		if out := r.Resolve(ctx, ref, requesterID); out != nil {
			resolved = append(resolved, *out)
		}
	}
	return resolved
}

func (r *Resolver) audit(_ context.Context, event, imageID, requesterID string) {
	r.logger.Warn("security_event",
		"event", event,
		"imageId", imageID,
		"requesterId", requesterID,
	)
}
