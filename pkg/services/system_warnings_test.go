package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddWarningDeduplicatesByCategoryAndComponent(t *testing.T) {
	svc := NewSystemWarningsService()

	first := svc.AddWarning(WarningCategoryMCPHealth, "server down", "", "kubernetes-server")
	second := svc.AddWarning(WarningCategoryMCPHealth, "server still down", "", "kubernetes-server")

	warnings := svc.GetWarnings()
	require.Len(t, warnings, 1)
	assert.NotEqual(t, first, second)
	assert.Equal(t, second, warnings[0].ID)
	assert.Equal(t, "server still down", warnings[0].Message)
}

func TestAddWarningKeepsDistinctComponents(t *testing.T) {
	svc := NewSystemWarningsService()

	svc.AddWarning(WarningCategoryMCPHealth, "a down", "", "server-a")
	svc.AddWarning(WarningCategoryMCPHealth, "b down", "", "server-b")
	svc.AddWarning(WarningCategoryEventBus, "listener reconnecting", "", "")

	assert.Len(t, svc.GetWarnings(), 3)
}

func TestClearByComponent(t *testing.T) {
	svc := NewSystemWarningsService()

	svc.AddWarning(WarningCategoryMCPHealth, "down", "", "server-a")

	assert.True(t, svc.ClearByComponent(WarningCategoryMCPHealth, "server-a"))
	assert.False(t, svc.ClearByComponent(WarningCategoryMCPHealth, "server-a"))
	assert.Empty(t, svc.GetWarnings())
}
