package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/scrivanolabs/scrivano/internal/action"
	"github.com/scrivanolabs/scrivano/internal/record"
	"github.com/scrivanolabs/scrivano/internal/store"
)

// interpretationTagsKey is the interpretation key the tag set lives under.
const interpretationTagsKey = "tags"

// TagHandler records a tag in the record's interpretation under a "tags"
// list. Tags form a set, so re-applying the same tag is a no-op and the
// handler is naturally idempotent.
type TagHandler struct {
	records store.RecordStore
}

// NewTagHandler creates the tag handler.
func NewTagHandler(records store.RecordStore) *TagHandler {
	return &TagHandler{
		records: records,
	}
}

// Type returns the action type this handler serves.
func (h *TagHandler) Type() action.Type {
	return action.TypeTag
}

// Execute merges the tag into the record's interpretation.
func (h *TagHandler) Execute(ctx context.Context, rec record.Record,
	params map[string]string) (map[string]any, error) {

	if err := action.ValidateParams(h.Type(), params); err != nil {
		return nil, err
	}

	tag := strings.TrimSpace(params["tag-name"])

	interp := make(map[string]any, len(rec.Interpretation)+1)
	for k, v := range rec.Interpretation {
		interp[k] = v
	}

	tags := mergeTag(interp[interpretationTagsKey], tag)
	interp[interpretationTagsKey] = tags

	encoded, err := json.Marshal(interp)
	if err != nil {
		return nil, fmt.Errorf("encode interpretation: %w", err)
	}

	err = h.records.SetRecordInterpretation(ctx, rec.ID, string(encoded))
	if err != nil {
		return nil, fmt.Errorf("store tags: %w", err)
	}

	return map[string]any{
		"tag":  tag,
		"tags": tags,
	}, nil
}

// mergeTag adds tag to whatever the existing tags value decodes to,
// keeping the result sorted and duplicate free.
func mergeTag(existing any, tag string) []string {
	set := map[string]struct{}{tag: {}}

	if list, ok := existing.([]any); ok {
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				set[s] = struct{}{}
			}
		}
	}
	if list, ok := existing.([]string); ok {
		for _, s := range list {
			if s != "" {
				set[s] = struct{}{}
			}
		}
	}

	tags := make([]string, 0, len(set))
	for s := range set {
		tags = append(tags, s)
	}
	sort.Strings(tags)

	return tags
}
