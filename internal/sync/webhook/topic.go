package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/meshvale/storesync/internal/sync/domain"
)

// ErrUnknownTopic is returned for a topic outside the supported set. The
// handler acknowledges such deliveries so the platform stops resending them.
var ErrUnknownTopic = errors.New("unknown webhook topic")

// topicEntities maps the topic noun to the entity type it carries.
var topicEntities = map[string]string{
	"products":         domain.EntityProduct,
	"variants":         domain.EntityVariant,
	"inventory_levels": domain.EntityInventoryLevel,
	"orders":           domain.EntityOrder,
	"customers":        domain.EntityCustomer,
}

// topicOperations maps the topic verb to a sync operation.
var topicOperations = map[string]string{
	"create": domain.OperationCreate,
	"update": domain.OperationUpdate,
	"delete": domain.OperationDelete,
}

// ParseTopic splits a "noun/verb" topic such as "products/update" into the
// entity type and operation it announces.
func ParseTopic(topic string) (entityType, operation string, err error) {
	noun, verb, found := strings.Cut(topic, "/")
	if !found {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	entityType, ok := topicEntities[noun]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	operation, ok = topicOperations[verb]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	return entityType, operation, nil
}

// ExtractRemoteRef pulls the remote resource id out of a webhook payload.
// The global id is preferred when present because mappings written from
// mutation responses use the same form; the bare numeric id is the fallback.
// Platforms send bare ids as strings or numbers depending on the resource.
func ExtractRemoteRef(body []byte) (string, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("failed to decode webhook payload: %w", err)
	}

	if gid, err := refString(payload["admin_graphql_api_id"]); err == nil {
		return gid, nil
	}

	ref, err := refString(payload["id"])
	if err != nil {
		return "", fmt.Errorf("webhook payload id: %w", err)
	}
	return ref, nil
}

// ExtractLevelRef builds the composite ref for an inventory level payload,
// which carries an item and location pair instead of a single id.
func ExtractLevelRef(body []byte) (string, error) {
	var payload struct {
		InventoryItemID json.RawMessage `json:"inventory_item_id"`
		LocationID      json.RawMessage `json:"location_id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("failed to decode webhook payload: %w", err)
	}

	itemRef, err := refString(payload.InventoryItemID)
	if err != nil {
		return "", fmt.Errorf("webhook payload inventory_item_id: %w", err)
	}
	locationRef, err := refString(payload.LocationID)
	if err != nil {
		return "", fmt.Errorf("webhook payload location_id: %w", err)
	}
	return itemRef + domain.LevelRefSeparator + locationRef, nil
}

// refString decodes a ref field sent as either a string or a bare number.
func refString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("field is missing")
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil && asString != "" {
		return asString, nil
	}
	var asNumber json.Number
	if err := json.Unmarshal(raw, &asNumber); err == nil && asNumber != "" {
		return asNumber.String(), nil
	}
	return "", fmt.Errorf("field is neither string nor number")
}
