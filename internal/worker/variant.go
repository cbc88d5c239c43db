package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/meshvale/storesync/internal/sync/domain"
)

const variantCreateMutation = `
mutation productVariantCreate($input: ProductVariantInput!) {
  productVariantCreate(input: $input) {
    productVariant { id }
    userErrors { field message }
  }
}`

const variantUpdateMutation = `
mutation productVariantUpdate($input: ProductVariantInput!) {
  productVariantUpdate(input: $input) {
    productVariant { id }
    userErrors { field message }
  }
}`

const variantDeleteMutation = `
mutation productVariantDelete($id: ID!) {
  productVariantDelete(id: $id) {
    deletedProductVariantId
    userErrors { field message }
  }
}`

const variantFetchQuery = `
query productVariant($id: ID!) {
  node(id: $id) {
    ... on ProductVariant {
      id
      sku
      price
      barcode
      position
      inventory_quantity: inventoryQuantity
      updated_at: updatedAt
    }
  }
}`

const variantBulkQuery = `
{
  productVariants {
    edges {
      node {
        id
        sku
        price
        barcode
        position
        inventory_quantity: inventoryQuantity
        updated_at: updatedAt
      }
    }
  }
}`

// variantSyncer pushes and pulls product variants. Outbound creates need the
// parent product's remote ref, so they wait until the parent itself has
// synced.
type variantSyncer struct {
	base
}

func newVariantSyncer(deps syncerDeps) *variantSyncer {
	return &variantSyncer{base: base{entityType: domain.EntityVariant, syncerDeps: deps}}
}

func (s *variantSyncer) Apply(ctx context.Context, job *domain.SyncJob) error {
	if job.Direction == domain.DirectionInbound {
		return s.applyInboundJob(ctx, job, variantFetchQuery, variantBulkQuery)
	}

	switch job.Operation {
	case domain.OperationCreate:
		return s.outboundCreate(ctx, job, s.createRemote, s.updateRemote)
	case domain.OperationUpdate:
		return s.outboundUpdate(ctx, job, s.createRemote, s.updateRemote)
	case domain.OperationDelete:
		return s.outboundDelete(ctx, job, s.deleteRemote)
	default:
		return domain.NewSyncError(domain.KindValidation, s.op("apply"), fmt.Sprintf("unsupported outbound operation %s", job.Operation))
	}
}

type variantDoc struct {
	ProductID string `json:"product_id"`
	SKU       string `json:"sku"`
	Price     string `json:"price"`
	Barcode   string `json:"barcode"`
	Position  int    `json:"position"`
}

func variantInput(doc variantDoc) map[string]any {
	input := map[string]any{
		"sku":   doc.SKU,
		"price": doc.Price,
	}
	if doc.Barcode != "" {
		input["barcode"] = doc.Barcode
	}
	if doc.Position > 0 {
		input["position"] = doc.Position
	}
	return input
}

func (s *variantSyncer) createRemote(ctx context.Context, payload []byte) (string, error) {
	var doc variantDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "", domain.WrapSyncError(domain.KindValidation, s.op("input"), err)
	}
	if doc.ProductID == "" {
		return "", domain.NewSyncError(domain.KindValidation, s.op("create"), "variant payload carries no product_id")
	}

	input := variantInput(doc)

	// A doc copied from an imported variant already names the platform
	// product; anything else is a local ref that must be mapped first.
	if strings.HasPrefix(doc.ProductID, "gid://") {
		input["productId"] = doc.ProductID
	} else {
		parent, err := s.identity.ResolveLocal(ctx, domain.EntityProduct, doc.ProductID)
		if errors.Is(err, domain.ErrMappingNotFound) {
			// The parent product has not reached the platform yet. Retry
			// after its create lands.
			return "", domain.NewSyncError(domain.KindTransient, s.op("create"), "parent product not synced yet")
		}
		if err != nil {
			return "", err
		}
		if parent.Reserved() {
			return "", domain.NewSyncError(domain.KindTransient, s.op("create"), "parent product create still in flight")
		}
		if parent.Archived() {
			return "", domain.NewSyncError(domain.KindValidation, s.op("create"), "parent product was deleted")
		}
		input["productId"] = parent.RemoteRef
	}

	data, err := s.mutate(ctx, variantCreateMutation, "productVariantCreate", map[string]any{"input": input})
	if err != nil {
		return "", err
	}
	return createdRef(data, "productVariantCreate", "productVariant")
}

func (s *variantSyncer) updateRemote(ctx context.Context, remoteRef string, payload []byte) error {
	var doc variantDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return domain.WrapSyncError(domain.KindValidation, s.op("input"), err)
	}

	input := variantInput(doc)
	input["id"] = remoteRef

	_, err := s.mutate(ctx, variantUpdateMutation, "productVariantUpdate", map[string]any{"input": input})
	return err
}

func (s *variantSyncer) deleteRemote(ctx context.Context, remoteRef string) error {
	_, err := s.mutate(ctx, variantDeleteMutation, "productVariantDelete", map[string]any{"id": remoteRef})
	return err
}
