package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/meshvale/storesync/internal/sync/domain"
)

const productCreateMutation = `
mutation productCreate($input: ProductInput!) {
  productCreate(input: $input) {
    product { id }
    userErrors { field message }
  }
}`

const productUpdateMutation = `
mutation productUpdate($input: ProductInput!) {
  productUpdate(input: $input) {
    product { id }
    userErrors { field message }
  }
}`

const productDeleteMutation = `
mutation productDelete($input: ProductDeleteInput!) {
  productDelete(input: $input) {
    deletedProductId
    userErrors { field message }
  }
}`

// Response keys are aliased to the local snake_case document shape so a
// fetched object hashes and maps the same way a webhook body does.
const productFetchQuery = `
query product($id: ID!) {
  node(id: $id) {
    ... on Product {
      id
      title
      body_html: bodyHtml
      vendor
      product_type: productType
      tags
      status
      updated_at: updatedAt
    }
  }
}`

const productBulkQuery = `
{
  products {
    edges {
      node {
        id
        title
        body_html: bodyHtml
        vendor
        product_type: productType
        tags
        status
        updated_at: updatedAt
      }
    }
  }
}`

type productSyncer struct {
	base
}

func newProductSyncer(deps syncerDeps) *productSyncer {
	return &productSyncer{base: base{entityType: domain.EntityProduct, syncerDeps: deps}}
}

func (s *productSyncer) Apply(ctx context.Context, job *domain.SyncJob) error {
	if job.Direction == domain.DirectionInbound {
		return s.applyInboundJob(ctx, job, productFetchQuery, productBulkQuery)
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

// productInput maps the canonical local document onto the platform's product
// input shape. Unknown local fields are dropped rather than forwarded.
func productInput(payload []byte) (map[string]any, error) {
	var doc struct {
		Title       string   `json:"title"`
		BodyHTML    string   `json:"body_html"`
		Vendor      string   `json:"vendor"`
		ProductType string   `json:"product_type"`
		Tags        []string `json:"tags"`
		Status      string   `json:"status"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, domain.WrapSyncError(domain.KindValidation, "sync.product.input", err)
	}

	input := map[string]any{"title": doc.Title}
	if doc.BodyHTML != "" {
		input["bodyHtml"] = doc.BodyHTML
	}
	if doc.Vendor != "" {
		input["vendor"] = doc.Vendor
	}
	if doc.ProductType != "" {
		input["productType"] = doc.ProductType
	}
	if len(doc.Tags) > 0 {
		input["tags"] = doc.Tags
	}
	if doc.Status != "" {
		input["status"] = strings.ToUpper(doc.Status)
	}
	return input, nil
}

func (s *productSyncer) createRemote(ctx context.Context, payload []byte) (string, error) {
	input, err := productInput(payload)
	if err != nil {
		return "", err
	}

	data, err := s.mutate(ctx, productCreateMutation, "productCreate", map[string]any{"input": input})
	if err != nil {
		return "", err
	}
	return createdRef(data, "productCreate", "product")
}

func (s *productSyncer) updateRemote(ctx context.Context, remoteRef string, payload []byte) error {
	input, err := productInput(payload)
	if err != nil {
		return err
	}
	input["id"] = remoteRef

	_, err = s.mutate(ctx, productUpdateMutation, "productUpdate", map[string]any{"input": input})
	return err
}

func (s *productSyncer) deleteRemote(ctx context.Context, remoteRef string) error {
	_, err := s.mutate(ctx, productDeleteMutation, "productDelete", map[string]any{
		"input": map[string]any{"id": remoteRef},
	})
	return err
}
