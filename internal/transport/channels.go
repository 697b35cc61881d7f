package transport

import "fmt"

// Channel naming for agent addressing. An agent's inbox channel is a pure
// function of its identifier so that addressing never needs broker-side
// fan-out logic.

const (
	// BroadcastChannel carries envelopes addressed to every registered agent.
	BroadcastChannel = "broadcast"

	// EventsChannel carries daemon lifecycle events for observers.
	EventsChannel = "events"
)

func InboxChannel(agentID string) string {
	return fmt.Sprintf("inbox:%s", agentID)
}
