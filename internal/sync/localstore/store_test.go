package localstore

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshvale/storesync/internal/sync/domain"
)

func TestFireHook_SyncOriginNeverFires(t *testing.T) {
	var fired []Change
	s := &Store{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		hook: func(_ context.Context, change Change) {
			fired = append(fired, change)
		},
	}

	change := Change{
		EntityType: domain.EntityProduct,
		LocalRef:   "p-1",
		Operation:  domain.OperationUpdate,
		Payload:    `{"title": "Desk"}`,
	}

	// A write performed by the sync engine itself must not echo back out
	// as another outbound job, or every inbound apply would loop forever.
	s.fireHook(context.Background(), domain.WriteOriginSync, change)
	assert.Empty(t, fired)

	s.fireHook(context.Background(), domain.WriteOriginApplication, change)
	require.Len(t, fired, 1)
	assert.Equal(t, "p-1", fired[0].LocalRef)
	assert.Equal(t, domain.OperationUpdate, fired[0].Operation)
}

func TestFireHook_NoHookInstalled(t *testing.T) {
	s := &Store{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	assert.NotPanics(t, func() {
		s.fireHook(context.Background(), domain.WriteOriginApplication, Change{
			EntityType: domain.EntityProduct,
			LocalRef:   "p-1",
			Operation:  domain.OperationCreate,
		})
	})
}
