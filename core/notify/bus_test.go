package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"sbom-orchestrator/core/models"
)

func TestPublishDeliversToMatchingHandlers(t *testing.T) {
	bus := NewBus()

	var scheduled []string
	var changed int
	bus.Subscribe(TypeGenerationScheduled, func(n Notification) {
		scheduled = append(scheduled, n.(GenerationScheduled).GenerationID)
	})
	bus.Subscribe(TypeGenerationStateChanged, func(Notification) { changed++ })

	bus.Publish(GenerationScheduled{GenerationID: "g1", Generator: "syft"})
	bus.Publish(GenerationScheduled{GenerationID: "g2", Generator: "syft"})
	bus.Publish(EventStatusChanged{EventID: "e1", Status: models.EventStatusInitializing})

	assert.Equal(t, []string{"g1", "g2"}, scheduled)
	assert.Zero(t, changed)
}

func TestPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	bus := NewBus()
	delivered := false
	bus.Subscribe(TypeEventStatusChanged, func(Notification) { panic("boom") })
	bus.Subscribe(TypeEventStatusChanged, func(Notification) { delivered = true })

	assert.NotPanics(t, func() { bus.Publish(EventStatusChanged{EventID: "e1"}) })
	assert.True(t, delivered)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	calls := 0
	id := bus.Subscribe(TypeGenerationStateChanged, func(Notification) { calls++ })

	assert.True(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe(id))
	bus.Publish(GenerationStateChanged{GenerationID: "g1"})
	assert.Zero(t, calls)
}
