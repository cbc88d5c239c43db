package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshvale/storesync/internal/sync/domain"
)

func TestValidate(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	tests := []struct {
		name       string
		entityType string
		payload    string
		wantErr    bool
	}{
		{
			name:       "valid product",
			entityType: domain.EntityProduct,
			payload:    `{"id": 1, "title": "Widget", "status": "active", "tags": ["sale"]}`,
		},
		{
			name:       "product missing title",
			entityType: domain.EntityProduct,
			payload:    `{"id": 1, "vendor": "Acme"}`,
			wantErr:    true,
		},
		{
			name:       "product with bad status",
			entityType: domain.EntityProduct,
			payload:    `{"title": "Widget", "status": "hidden"}`,
			wantErr:    true,
		},
		{
			name:       "valid variant",
			entityType: domain.EntityVariant,
			payload:    `{"id": "gid://remote/Variant/9", "sku": "W-1", "price": "19.99"}`,
		},
		{
			name:       "variant with non-decimal price",
			entityType: domain.EntityVariant,
			payload:    `{"sku": "W-1", "price": "nineteen"}`,
			wantErr:    true,
		},
		{
			name:       "valid inventory level",
			entityType: domain.EntityInventoryLevel,
			payload:    `{"inventory_item_id": 77, "location_id": 2, "available": 40}`,
		},
		{
			name:       "valid order",
			entityType: domain.EntityOrder,
			payload:    `{"currency": "USD", "line_items": [{"variant_id": 9, "quantity": 2, "price": "19.99"}]}`,
		},
		{
			name:       "order with empty line items",
			entityType: domain.EntityOrder,
			payload:    `{"currency": "USD", "line_items": []}`,
			wantErr:    true,
		},
		{
			name:       "valid customer",
			entityType: domain.EntityCustomer,
			payload:    `{"email": "jo@example.com", "first_name": "Jo"}`,
		},
		{
			name:       "customer with malformed email",
			entityType: domain.EntityCustomer,
			payload:    `{"email": "not-an-email"}`,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.entityType, []byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, domain.KindValidation, domain.KindOf(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidate_NotJSON(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	err = v.Validate(domain.EntityProduct, []byte(`{broken`))
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestValidate_UnknownEntityType(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	err = v.Validate("warehouse", []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}
