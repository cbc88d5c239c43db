package remote

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/meshvale/storesync/internal/sync/domain"
)

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Response is one GraphQL response envelope.
type Response struct {
	Data       json.RawMessage `json:"data"`
	Errors     []ResponseError `json:"errors"`
	Extensions *Extensions     `json:"extensions"`
}

// ResponseError is a top-level GraphQL error.
type ResponseError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

// Extensions carries the query cost accounting reported by the platform.
type Extensions struct {
	Cost struct {
		RequestedQueryCost float64 `json:"requestedQueryCost"`
		ActualQueryCost    float64 `json:"actualQueryCost"`
		ThrottleStatus     struct {
			MaximumAvailable   float64 `json:"maximumAvailable"`
			CurrentlyAvailable float64 `json:"currentlyAvailable"`
			RestoreRate        float64 `json:"restoreRate"`
		} `json:"throttleStatus"`
	} `json:"cost"`
}

// UserError is a field-level mutation rejection.
type UserError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
}

// MutationUserErrors decodes the userErrors array under the named mutation
// root and converts a non-empty one into a validation failure. The platform
// reports business rejections this way inside an HTTP 200, so every mutation
// result must pass through here before its data is trusted.
func MutationUserErrors(data json.RawMessage, mutationRoot string) error {
	var envelope map[string]struct {
		UserErrors []UserError `json:"userErrors"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return domain.WrapSyncError(domain.KindTransient, opExecute, fmt.Errorf("failed to decode mutation result: %w", err))
	}

	root, ok := envelope[mutationRoot]
	if !ok {
		return domain.NewSyncError(domain.KindTransient, opExecute, fmt.Sprintf("mutation root %q missing from response", mutationRoot))
	}
	if len(root.UserErrors) == 0 {
		return nil
	}

	parts := make([]string, 0, len(root.UserErrors))
	for _, ue := range root.UserErrors {
		if len(ue.Field) > 0 {
			parts = append(parts, fmt.Sprintf("%s: %s", strings.Join(ue.Field, "."), ue.Message))
		} else {
			parts = append(parts, ue.Message)
		}
	}
	return domain.NewSyncError(domain.KindValidation, mutationRoot, strings.Join(parts, "; "))
}

func formatErrors(errs []ResponseError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Message)
	}
	return strings.Join(parts, "; ")
}

// parseRetryAfter reads a Retry-After header in seconds. Malformed values
// yield zero and the caller falls back to computed backoff.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(header), 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
