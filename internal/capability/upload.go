package capability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/scrivanolabs/scrivano/internal/action"
	"github.com/scrivanolabs/scrivano/internal/blobstore"
	"github.com/scrivanolabs/scrivano/internal/record"
)

// UploadHandler copies a record's staged attachment bodies into a named
// destination folder in blob storage. Destination keys are content
// addressed, so a retried upload overwrites the same objects instead of
// duplicating them.
type UploadHandler struct {
	blobs blobstore.Store

	log *slog.Logger
}

// NewUploadHandler creates the upload-attachments handler.
func NewUploadHandler(blobs blobstore.Store,
	log *slog.Logger) *UploadHandler {

	return &UploadHandler{
		blobs: blobs,
		log:   log,
	}
}

// Type returns the action type this handler serves.
func (h *UploadHandler) Type() action.Type {
	return action.TypeUploadAttachments
}

// Execute uploads every staged attachment. An attachment that was never
// staged is skipped and reported in the payload rather than failing the
// whole action.
func (h *UploadHandler) Execute(ctx context.Context, rec record.Record,
	params map[string]string) (map[string]any, error) {

	if err := action.ValidateParams(h.Type(), params); err != nil {
		return nil, err
	}

	folder := params["destination-folder-name"]

	uploaded := make([]string, 0, len(rec.Attachments))
	var skipped []string

	for _, att := range rec.Attachments {
		if att.StorageKey == "" {
			h.log.Warn("attachment has no staged body",
				"record_id", rec.ID,
				"filename", att.Filename)
			skipped = append(skipped, att.Filename)

			continue
		}

		body, err := h.blobs.Get(ctx, att.StorageKey)
		if err != nil {
			return nil, fmt.Errorf("fetch attachment %s: %w",
				att.Filename, err)
		}

		key := blobstore.ContentKey(folder, att.Filename, body)
		err = h.blobs.Put(ctx, key, body, att.ContentType)
		if err != nil {
			return nil, fmt.Errorf("upload attachment %s: %w",
				att.Filename, err)
		}

		uploaded = append(uploaded, key)
	}

	return map[string]any{
		"folder":   folder,
		"uploaded": uploaded,
		"skipped":  skipped,
	}, nil
}
