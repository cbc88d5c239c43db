package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meshvale/storesync/internal/sync/domain"
)

const customerCreateMutation = `
mutation customerCreate($input: CustomerInput!) {
  customerCreate(input: $input) {
    customer { id }
    userErrors { field message }
  }
}`

const customerUpdateMutation = `
mutation customerUpdate($input: CustomerInput!) {
  customerUpdate(input: $input) {
    customer { id }
    userErrors { field message }
  }
}`

const customerDeleteMutation = `
mutation customerDelete($input: CustomerDeleteInput!) {
  customerDelete(input: $input) {
    deletedCustomerId
    userErrors { field message }
  }
}`

const customerFetchQuery = `
query customer($id: ID!) {
  node(id: $id) {
    ... on Customer {
      id
      email
      first_name: firstName
      last_name: lastName
      phone
      note
      tags
      updated_at: updatedAt
    }
  }
}`

const customerBulkQuery = `
{
  customers {
    edges {
      node {
        id
        email
        first_name: firstName
        last_name: lastName
        phone
        note
        tags
        updated_at: updatedAt
      }
    }
  }
}`

type customerSyncer struct {
	base
}

func newCustomerSyncer(deps syncerDeps) *customerSyncer {
	return &customerSyncer{base: base{entityType: domain.EntityCustomer, syncerDeps: deps}}
}

func (s *customerSyncer) Apply(ctx context.Context, job *domain.SyncJob) error {
	if job.Direction == domain.DirectionInbound {
		return s.applyInboundJob(ctx, job, customerFetchQuery, customerBulkQuery)
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

func customerInput(payload []byte) (map[string]any, error) {
	var doc struct {
		Email     string   `json:"email"`
		FirstName string   `json:"first_name"`
		LastName  string   `json:"last_name"`
		Phone     string   `json:"phone"`
		Note      string   `json:"note"`
		Tags      []string `json:"tags"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, domain.WrapSyncError(domain.KindValidation, "sync.customer.input", err)
	}

	input := map[string]any{"email": doc.Email}
	if doc.FirstName != "" {
		input["firstName"] = doc.FirstName
	}
	if doc.LastName != "" {
		input["lastName"] = doc.LastName
	}
	if doc.Phone != "" {
		input["phone"] = doc.Phone
	}
	if doc.Note != "" {
		input["note"] = doc.Note
	}
	if len(doc.Tags) > 0 {
		input["tags"] = doc.Tags
	}
	return input, nil
}

func (s *customerSyncer) createRemote(ctx context.Context, payload []byte) (string, error) {
	input, err := customerInput(payload)
	if err != nil {
		return "", err
	}

	data, err := s.mutate(ctx, customerCreateMutation, "customerCreate", map[string]any{"input": input})
	if err != nil {
		return "", err
	}
	return createdRef(data, "customerCreate", "customer")
}

func (s *customerSyncer) updateRemote(ctx context.Context, remoteRef string, payload []byte) error {
	input, err := customerInput(payload)
	if err != nil {
		return err
	}
	input["id"] = remoteRef

	_, err = s.mutate(ctx, customerUpdateMutation, "customerUpdate", map[string]any{"input": input})
	return err
}

func (s *customerSyncer) deleteRemote(ctx context.Context, remoteRef string) error {
	_, err := s.mutate(ctx, customerDeleteMutation, "customerDelete", map[string]any{
		"input": map[string]any{"id": remoteRef},
	})
	return err
}
