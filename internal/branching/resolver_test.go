package branching

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/patient-docs/internal/types"
)

// MockRegistry implements Registry for testing
type MockRegistry struct {
	GetClassByKeyFunc func(ctx context.Context, key string) (*types.DocumentClass, error)
	Calls             []string
}

func (m *MockRegistry) GetClassByKey(ctx context.Context, key string) (*types.DocumentClass, error) {
	m.Calls = append(m.Calls, key)
	if m.GetClassByKeyFunc != nil {
		return m.GetClassByKeyFunc(ctx, key)
	}
	return nil, nil
}

func arztbriefRegistry() *MockRegistry {
	return &MockRegistry{
		GetClassByKeyFunc: func(_ context.Context, key string) (*types.DocumentClass, error) {
			if key == "ARZTBRIEF" {
				return &types.DocumentClass{ID: 7, Key: "ARZTBRIEF", DisplayName: "Arztbrief", Enabled: true}, nil
			}
			return nil, nil
		},
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		output string
		want   string
	}{
		{"ARZTBRIEF", "ARZTBRIEF"},
		{"  arztbrief \n", "ARZTBRIEF"},
		{"Classification: Arztbrief", "ARZTBRIEF"},
		{"CLASS:ARZTBRIEF", "ARZTBRIEF"},
		{"document_type: laborwerte - weil Tabellen", "LABORWERTE"},
		{"ARZTBRIEF.", "ARZTBRIEF"},
		{"", ""},
		{"CLASSIFICATION:", ""},
	}

	for _, tt := range tests {
		t.Run(tt.output, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.output))
		})
	}
}

func TestResolve_KnownDocumentClass(t *testing.T) {
	registry := arztbriefRegistry()
	r := NewResolver(registry, nil)

	res := r.Resolve(context.Background(), "Classification: arztbrief", types.BranchFieldDocumentType)

	require.NotNil(t, res)
	assert.True(t, res.Resolved())
	assert.Equal(t, TypeDocumentClass, res.Type)
	assert.Equal(t, "document_type", res.Field)
	assert.Equal(t, "ARZTBRIEF", res.RawValue)
	assert.Equal(t, "ARZTBRIEF", res.TargetKey)
	require.NotNil(t, res.TargetID)
	assert.Equal(t, int64(7), *res.TargetID)
	assert.Equal(t, "Arztbrief", res.TargetDisplayName)
	assert.Equal(t, []string{"ARZTBRIEF"}, registry.Calls)
}

func TestResolve_UnknownDocumentClassDegrades(t *testing.T) {
	r := NewResolver(arztbriefRegistry(), nil)

	res := r.Resolve(context.Background(), "ZZZ_UNKNOWN", types.BranchFieldDocumentType)

	require.NotNil(t, res)
	assert.False(t, res.Resolved())
	assert.Equal(t, TypeDocumentClass, res.Type)
	assert.Nil(t, res.TargetID)
	assert.Equal(t, UnknownDisplayName, res.TargetDisplayName)
	assert.Equal(t, "ZZZ_UNKNOWN", res.RawValue)
}

func TestResolve_RegistryErrorDegrades(t *testing.T) {
	registry := &MockRegistry{
		GetClassByKeyFunc: func(_ context.Context, _ string) (*types.DocumentClass, error) {
			return nil, errors.New("connection refused")
		},
	}
	r := NewResolver(registry, nil)

	res := r.Resolve(context.Background(), "ARZTBRIEF", types.BranchFieldDocumentType)

	require.NotNil(t, res)
	assert.False(t, res.Resolved())
	assert.Equal(t, UnknownDisplayName, res.TargetDisplayName)
}

func TestResolve_NilRegistry(t *testing.T) {
	res := NewResolver(nil, nil).Resolve(context.Background(), "ARZTBRIEF", types.BranchFieldDocumentType)
	require.NotNil(t, res)
	assert.False(t, res.Resolved())
}

func TestResolve_EmptyOutput(t *testing.T) {
	r := NewResolver(arztbriefRegistry(), nil)
	assert.Nil(t, r.Resolve(context.Background(), "   ", types.BranchFieldDocumentType))
	assert.Nil(t, r.Resolve(context.Background(), "", "urgent"))
}

func TestResolve_NonDocumentFields(t *testing.T) {
	registry := arztbriefRegistry()
	r := NewResolver(registry, nil)
	ctx := context.Background()

	res := r.Resolve(ctx, "Ja, dringend", "urgent")
	require.NotNil(t, res)
	assert.Equal(t, TypeBoolean, res.Type)
	assert.Equal(t, "JA", res.RawValue)
	assert.Equal(t, "JA", res.TargetKey)
	assert.Nil(t, res.TargetID)
	assert.False(t, res.Resolved())

	res = r.Resolve(ctx, "hoch", "priority")
	require.NotNil(t, res)
	assert.Equal(t, TypeEnum, res.Type)
	assert.Equal(t, "HOCH", res.RawValue)

	assert.Empty(t, registry.Calls, "non document fields never consult the registry")
}
