package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_ByNameFindsRegisteredSchema(t *testing.T) {
	r := NewRegistry(
		Schema{Name: "reminder", ToolName: "create_reminder", TargetButler: "reminders"},
		Schema{Name: "calendar_hold", ToolName: "create_hold", TargetButler: "calendar"},
	)

	s, ok := r.ByName("calendar_hold")
	assert.True(t, ok)
	assert.Equal(t, "create_hold", s.ToolName)

	_, ok = r.ByName("missing")
	assert.False(t, ok)
}

func TestRegistry_SchemasReturnsRegistrationOrder(t *testing.T) {
	r := NewRegistry(Schema{Name: "a"}, Schema{Name: "b"}, Schema{Name: "c"})
	names := make([]string, 0, 3)
	for _, s := range r.Schemas() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}
