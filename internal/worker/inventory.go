package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/meshvale/storesync/internal/sync/domain"
)

const inventorySetMutation = `
mutation inventorySetOnHandQuantities($input: InventorySetOnHandQuantitiesInput!) {
  inventorySetOnHandQuantities(input: $input) {
    inventoryAdjustmentGroup { id }
    userErrors { field message }
  }
}`

const inventoryLevelQuery = `
query inventoryLevel($inventoryItemId: ID!, $locationId: ID!) {
  inventoryLevel(inventoryItemId: $inventoryItemId, locationId: $locationId) {
    inventory_item_id: inventoryItemId
    location_id: locationId
    available
    updated_at: updatedAt
  }
}`

const inventoryBulkQuery = `
{
  inventoryLevels {
    edges {
      node {
        inventory_item_id: inventoryItemId
        location_id: locationId
        available
        updated_at: updatedAt
      }
    }
  }
}`

// inventorySyncer moves absolute stock quantities. Inventory levels are
// addressed by their (inventory item, location) pair on both sides, so they
// bypass the identity map entirely: the composite ref is the identity, and
// only UPDATE flows in either direction.
type inventorySyncer struct {
	base
}

func newInventorySyncer(deps syncerDeps) *inventorySyncer {
	return &inventorySyncer{base: base{entityType: domain.EntityInventoryLevel, syncerDeps: deps}}
}

// Exportable is false: levels exist remotely as soon as their item does, so
// the reconciler never exports local-only levels as creates.
func (s *inventorySyncer) Exportable() bool { return false }

func (s *inventorySyncer) Apply(ctx context.Context, job *domain.SyncJob) error {
	if job.Direction == domain.DirectionInbound {
		switch job.Operation {
		case domain.OperationImport:
			if job.RemoteRef == "" {
				return s.importAllLevels(ctx)
			}
			return s.applyLevel(ctx, job.RemoteRef, nil)
		case domain.OperationCreate, domain.OperationUpdate:
			return s.applyLevel(ctx, job.RemoteRef, []byte(job.Payload))
		default:
			return domain.NewSyncError(domain.KindValidation, s.op("apply"), fmt.Sprintf("unsupported inbound operation %s for inventory levels", job.Operation))
		}
	}

	if job.Operation != domain.OperationUpdate {
		return domain.NewSyncError(domain.KindValidation, s.op("apply"), fmt.Sprintf("unsupported outbound operation %s for inventory levels", job.Operation))
	}
	return s.pushLevel(ctx, job)
}

type inventoryDoc struct {
	InventoryItemID json.RawMessage `json:"inventory_item_id"`
	LocationID      json.RawMessage `json:"location_id"`
	Available       int             `json:"available"`
}

// flexRef decodes a ref the platform serializes as either a string or a
// number.
func flexRef(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func composeLevelRef(itemRef, locationRef string) string {
	return itemRef + domain.LevelRefSeparator + locationRef
}

func splitLevelRef(ref string) (itemRef, locationRef string, err error) {
	itemRef, locationRef, ok := strings.Cut(ref, domain.LevelRefSeparator)
	if !ok || itemRef == "" {
		return "", "", domain.NewSyncError(domain.KindValidation, "sync.inventory_level.ref", fmt.Sprintf("malformed inventory level ref %q", ref))
	}
	return itemRef, locationRef, nil
}

// applyLevel writes one remote level into the local store. With no payload
// the live level is fetched by its composite ref.
func (s *inventorySyncer) applyLevel(ctx context.Context, ref string, payload []byte) error {
	if len(payload) == 0 {
		itemRef, locationRef, err := splitLevelRef(ref)
		if err != nil {
			return err
		}

		resp, err := s.remote.Execute(ctx, inventoryLevelQuery, map[string]any{
			"inventoryItemId": itemRef,
			"locationId":      locationRef,
		})
		if err != nil {
			return err
		}

		var envelope struct {
			InventoryLevel json.RawMessage `json:"inventoryLevel"`
		}
		if err := json.Unmarshal(resp.Data, &envelope); err != nil {
			return domain.WrapSyncError(domain.KindTransient, s.op("fetch"), fmt.Errorf("failed to decode level envelope: %w", err))
		}
		if len(envelope.InventoryLevel) == 0 || string(envelope.InventoryLevel) == "null" {
			s.logger.Warn("Inventory level vanished before inbound apply",
				slog.String("ref", ref),
			)
			return nil
		}
		payload = envelope.InventoryLevel
	}

	if err := s.validator.Validate(s.entityType, payload); err != nil {
		return err
	}

	var doc inventoryDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return domain.WrapSyncError(domain.KindValidation, s.op("input"), err)
	}
	ref = composeLevelRef(flexRef(doc.InventoryItemID), flexRef(doc.LocationID))

	hash, err := domain.ContentHash(payload)
	if err != nil {
		return domain.WrapSyncError(domain.KindValidation, s.op("apply"), err)
	}

	existing, err := s.local.Get(ctx, s.entityType, ref)
	if err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
		return err
	}
	if existing != nil && existing.ContentHash == hash {
		s.logger.Debug("Skipping inbound no-op, quantity unchanged",
			slog.String("ref", ref),
		)
		return nil
	}

	if err := s.local.Apply(ctx, domain.WriteOriginSync, s.entityType, ref, payload); err != nil {
		return err
	}

	s.logger.Info("Applied inbound inventory level",
		slog.String("ref", ref),
		slog.Int("available", doc.Available),
	)
	return nil
}

// pushLevel sets the absolute on-hand quantity remotely.
func (s *inventorySyncer) pushLevel(ctx context.Context, job *domain.SyncJob) error {
	payload, err := s.outboundPayload(ctx, job)
	if err != nil {
		return err
	}
	if payload == nil {
		s.logger.Warn("Inventory level vanished before outbound update",
			slog.String("local_ref", job.LocalRef),
		)
		return nil
	}

	var doc inventoryDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return domain.WrapSyncError(domain.KindValidation, s.op("input"), err)
	}

	itemRef := flexRef(doc.InventoryItemID)
	locationRef := flexRef(doc.LocationID)
	if itemRef == "" {
		return domain.NewSyncError(domain.KindValidation, s.op("update"), "inventory payload carries no inventory_item_id")
	}

	input := map[string]any{
		"reason": "correction",
		"setQuantities": []map[string]any{{
			"inventoryItemId": itemRef,
			"locationId":      locationRef,
			"quantity":        doc.Available,
		}},
	}

	if _, err := s.mutate(ctx, inventorySetMutation, "inventorySetOnHandQuantities", map[string]any{"input": input}); err != nil {
		return err
	}

	s.logger.Info("Pushed outbound inventory level",
		slog.String("ref", composeLevelRef(itemRef, locationRef)),
		slog.Int("available", doc.Available),
	)
	return nil
}

// importAllLevels pulls every level through the bulk pipeline. Levels carry
// no single object id, so this bypasses the shared importAll.
func (s *inventorySyncer) importAllLevels(ctx context.Context) error {
	bulkID, err := s.remote.RunBulkQuery(ctx, inventoryBulkQuery)
	if err != nil {
		return err
	}

	op, err := s.remote.WaitForBulkOperation(ctx, bulkID)
	if err != nil {
		return err
	}
	if op.URL == "" {
		s.logger.Info("Inventory bulk import finished with no results",
			slog.String("bulk_id", bulkID),
		)
		return nil
	}

	var applied atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(importConcurrency)

	fetchErr := s.remote.FetchBulkResults(gctx, op.URL, func(line json.RawMessage) error {
		g.Go(func() error {
			if err := s.applyLevel(gctx, "", line); err != nil {
				return err
			}
			applied.Add(1)
			return nil
		})
		return nil
	})

	// A failing apply cancels gctx and aborts the in-flight fetch, so the
	// group error carries the root cause.
	if waitErr := g.Wait(); waitErr != nil {
		return waitErr
	}
	if fetchErr != nil {
		return fetchErr
	}

	s.logger.Info("Inventory bulk import applied",
		slog.String("bulk_id", bulkID),
		slog.Int64("applied", applied.Load()),
	)
	return nil
}
