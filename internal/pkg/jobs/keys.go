package jobs

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// LiveRefreshResource names the costed resource in guard and idempotency keys.
const LiveRefreshResource = "live-refresh"

const maxClientKeyLength = 128

var clientKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ResolveIdempotencyKey derives the stable dedup key for one logical request.
// A caller-supplied nonce (the X-Idempotency-Key header) is scoped to user
// and project so tenants can never collide; without one, a fresh UUID makes
// the request unique.
func ResolveIdempotencyKey(clientKey string, userID, projectID uint) (string, error) {
	nonce := strings.TrimSpace(clientKey)
	if nonce == "" {
		nonce = uuid.NewString()
	} else {
		if len(nonce) > maxClientKeyLength {
			return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidClientKey, maxClientKeyLength)
		}
		if !clientKeyPattern.MatchString(nonce) {
			return "", fmt.Errorf("%w: characters outside [A-Za-z0-9._-]", ErrInvalidClientKey)
		}
	}
	return fmt.Sprintf("%s:%d:%d:%s", LiveRefreshResource, userID, projectID, nonce), nil
}

// cooldownResource scopes the cooldown window per project.
func cooldownResource(projectID uint) string {
	return fmt.Sprintf("%s:%d", LiveRefreshResource, projectID)
}
