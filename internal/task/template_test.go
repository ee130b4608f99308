package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplate_Validate(t *testing.T) {
	tmpl := Template{
		ID:   "customer-onboarding",
		Name: "Customer onboarding",
		Goal: "Onboard a new customer",
		RequiredFields: []FieldSpec{
			{Name: "company", Required: true, Priority: PriorityHigh},
			{Name: "email", Required: true},
		},
	}
	require.NoError(t, tmpl.Validate())

	bad := tmpl
	bad.ID = "bad id!"
	bad.Goal = ""
	bad.RequiredFields = append([]FieldSpec{}, tmpl.RequiredFields...)
	bad.RequiredFields = append(bad.RequiredFields, FieldSpec{Name: "email"}, FieldSpec{Name: "x", Priority: "urgent"})
	var verr *ValidationError
	require.ErrorAs(t, bad.Validate(), &verr)
	assert.Len(t, verr.Problems, 4)
}

func TestTemplate_MissingFields(t *testing.T) {
	tmpl := Template{RequiredFields: []FieldSpec{
		{Name: "company", Required: true},
		{Name: "email", Required: true},
		{Name: "notes"},
	}}

	missing := tmpl.MissingFields(map[string]any{"company": "Acme", "email": ""})
	require.Len(t, missing, 1)
	assert.Equal(t, "email", missing[0].Name)
}

func TestPriority_Rank(t *testing.T) {
	assert.Greater(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Greater(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Greater(t, PriorityMedium.Rank(), PriorityLow.Rank())
	assert.Equal(t, PriorityMedium.Rank(), Priority("unknown").Rank())
}

func TestFromHistory(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := Encode(&TaskCreated{TemplateID: "t1", TenantID: "acme", Template: Template{ID: "t1"}})
	require.NoError(t, err)

	tc, err := FromHistory([]Entry{{ContextID: "c1", Sequence: 1, Timestamp: now, Operation: OpTaskCreated, Data: data}})
	require.NoError(t, err)
	assert.Equal(t, "c1", tc.ContextID)
	assert.Equal(t, "acme", tc.TenantID)
	assert.Equal(t, now, tc.CreatedAt)

	clone := tc.Clone()
	clone.History[0].Reasoning = "changed"
	assert.Empty(t, tc.History[0].Reasoning)

	_, err = FromHistory(nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = FromHistory([]Entry{{ContextID: "c1", Sequence: 1, Operation: OpUserResponse}})
	assert.ErrorIs(t, err, ErrStateCorruption)
}
