package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	ratingdomain "github.com/smallbiznis/creatorledger/internal/rating/domain"
)

// DedupBucket is the window within which repeated views or engagements by the same
// viewer on the same content count once.
const DedupBucket = time.Hour

// DedupKey fingerprints the physical action behind raw. Equal actions always map to
// the same key regardless of when or how often they are reported.
func DedupKey(raw RawEvent) (string, error) {
	creator := strings.TrimSpace(raw.CreatorID)
	external := strings.TrimSpace(raw.ExternalID)
	content := strings.TrimSpace(raw.ContentID)
	viewer := strings.TrimSpace(raw.ViewerID)

	var parts []string
	switch {
	case external != "":
		parts = []string{"ext", string(raw.SourceType), creator, external}
	case content != "" && viewer != "":
		at := raw.OccurredAt.UTC()
		if raw.SourceType == ratingdomain.SourceAdView || raw.SourceType == ratingdomain.SourceEngagement {
			at = at.Truncate(DedupBucket)
		}
		parts = []string{
			"act",
			string(raw.SourceType),
			strings.ToLower(strings.TrimSpace(raw.Action)),
			creator,
			content,
			viewer,
			at.Format(time.RFC3339Nano),
		}
	default:
		return "", ErrMissingDedupSource
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:]), nil
}
