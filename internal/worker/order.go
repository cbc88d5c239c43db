package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/meshvale/storesync/internal/sync/domain"
)

const orderCreateMutation = `
mutation orderCreate($input: OrderInput!) {
  orderCreate(input: $input) {
    order { id }
    userErrors { field message }
  }
}`

const orderUpdateMutation = `
mutation orderUpdate($input: OrderInput!) {
  orderUpdate(input: $input) {
    order { id }
    userErrors { field message }
  }
}`

const orderDeleteMutation = `
mutation orderDelete($id: ID!) {
  orderDelete(id: $id) {
    deletedId
    userErrors { field message }
  }
}`

const orderFetchQuery = `
query order($id: ID!) {
  node(id: $id) {
    ... on Order {
      id
      order_number: orderNumber
      currency
      total_price: totalPrice
      financial_status: financialStatus
      note
      tags
      line_items: lineItems { variant_id: variantId quantity price }
      updated_at: updatedAt
    }
  }
}`

const orderBulkQuery = `
{
  orders {
    edges {
      node {
        id
        order_number: orderNumber
        currency
        total_price: totalPrice
        financial_status: financialStatus
        note
        tags
        line_items: lineItems { variant_id: variantId quantity price }
        updated_at: updatedAt
      }
    }
  }
}`

// orderSyncer syncs orders. Line items are fixed at creation; outbound
// updates only push the mutable metadata (note, tags).
type orderSyncer struct {
	base
}

func newOrderSyncer(deps syncerDeps) *orderSyncer {
	return &orderSyncer{base: base{entityType: domain.EntityOrder, syncerDeps: deps}}
}

func (s *orderSyncer) Apply(ctx context.Context, job *domain.SyncJob) error {
	if job.Direction == domain.DirectionInbound {
		return s.applyInboundJob(ctx, job, orderFetchQuery, orderBulkQuery)
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

type orderDoc struct {
	Currency        string   `json:"currency"`
	TotalPrice      string   `json:"total_price"`
	FinancialStatus string   `json:"financial_status"`
	Note            string   `json:"note"`
	Tags            []string `json:"tags"`
	LineItems       []struct {
		VariantID json.RawMessage `json:"variant_id"`
		Quantity  int             `json:"quantity"`
		Price     string          `json:"price"`
	} `json:"line_items"`
}

func (s *orderSyncer) createRemote(ctx context.Context, payload []byte) (string, error) {
	var doc orderDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "", domain.WrapSyncError(domain.KindValidation, s.op("input"), err)
	}
	if len(doc.LineItems) == 0 {
		return "", domain.NewSyncError(domain.KindValidation, s.op("create"), "order payload carries no line items")
	}

	lineItems := make([]map[string]any, 0, len(doc.LineItems))
	for i, item := range doc.LineItems {
		line := map[string]any{"quantity": item.Quantity}
		if item.Price != "" {
			line["price"] = item.Price
		}

		// A locally authored order references variants by local ref; an
		// imported one already carries platform ids. Resolve the former.
		if ref := flexRef(item.VariantID); ref != "" {
			if strings.HasPrefix(ref, "gid://") {
				line["variantId"] = ref
			} else {
				mapping, err := s.identity.ResolveLocal(ctx, domain.EntityVariant, ref)
				if errors.Is(err, domain.ErrMappingNotFound) {
					return "", domain.NewSyncError(domain.KindTransient, s.op("create"), fmt.Sprintf("line item %d variant not synced yet", i))
				}
				if err != nil {
					return "", err
				}
				if mapping.Reserved() {
					return "", domain.NewSyncError(domain.KindTransient, s.op("create"), fmt.Sprintf("line item %d variant create still in flight", i))
				}
				line["variantId"] = mapping.RemoteRef
			}
		}
		lineItems = append(lineItems, line)
	}

	input := map[string]any{
		"currency":  doc.Currency,
		"lineItems": lineItems,
	}
	if doc.Note != "" {
		input["note"] = doc.Note
	}
	if len(doc.Tags) > 0 {
		input["tags"] = doc.Tags
	}

	data, err := s.mutate(ctx, orderCreateMutation, "orderCreate", map[string]any{"input": input})
	if err != nil {
		return "", err
	}
	return createdRef(data, "orderCreate", "order")
}

func (s *orderSyncer) updateRemote(ctx context.Context, remoteRef string, payload []byte) error {
	var doc orderDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return domain.WrapSyncError(domain.KindValidation, s.op("input"), err)
	}

	input := map[string]any{
		"id":   remoteRef,
		"note": doc.Note,
		"tags": doc.Tags,
	}

	_, err := s.mutate(ctx, orderUpdateMutation, "orderUpdate", map[string]any{"input": input})
	return err
}

func (s *orderSyncer) deleteRemote(ctx context.Context, remoteRef string) error {
	_, err := s.mutate(ctx, orderDeleteMutation, "orderDelete", map[string]any{"id": remoteRef})
	return err
}
