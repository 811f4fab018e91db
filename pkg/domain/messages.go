package domain

// CollectImageRefs returns the image references a user message carries.
// Historical clients produced several shapes; exactly one wins, in this
// precedence order: Images, then ImageIDs, then the legacy single
// ImageID/InlineImage pair. Later forms are ignored even when populated.
func CollectImageRefs(msg ChatMessage) []ImageRef {
	if len(msg.Images) > 0 {
		out := make([]ImageRef, len(msg.Images))
		copy(out, msg.Images)
		return out
	}
	if len(msg.ImageIDs) > 0 {
		out := make([]ImageRef, 0, len(msg.ImageIDs))
		for _, id := range msg.ImageIDs {
			if id == "" {
				continue
			}
			out = append(out, ImageRef{ID: id})
		}
		return out
	}
	if msg.ImageID != "" {
		return []ImageRef{{ID: msg.ImageID}}
	}
	if msg.InlineImage != nil && msg.InlineImage.Inline() {
		return []ImageRef{*msg.InlineImage}
	}
	return nil
}
