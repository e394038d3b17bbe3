// Package bus implements the durable event bus on Redis streams: channel
// naming, the reconnecting client, the capped publisher, and consumer-group
// subscribers with pending-entry claim and dead-letter routing.
package bus

import "fmt"

// Channel name layout: wave:{kind}:{project}[:{extra}]. The global system
// channel and the emergency channel are the only names outside a project
// namespace.
const (
	namePrefix = "wave"

	kindSignals = "signals"
	kindAgent   = "agent"
	kindGate    = "gate"
	kindSystem  = "system"
	kindDLQ     = "dlq"

	globalSystemChannel = "wave:system:global"
	emergencyChannel    = "wave:emergency"
)

// Namespace derives the project-scoped channel names.
type Namespace struct {
	project string
}

// NewNamespace returns the channel namespace for a project tag.
func NewNamespace(project string) Namespace {
	return Namespace{project: project}
}

// Project returns the project tag the namespace was built for.
func (n Namespace) Project() string { return n.project }

// Signals is the default progress channel for the project.
func (n Namespace) Signals() string {
	return fmt.Sprintf("%s:%s:%s", namePrefix, kindSignals, n.project)
}

// Agent is the direct channel for one agent.
func (n Namespace) Agent(agentID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", namePrefix, kindAgent, n.project, agentID)
}

// Gate is the channel carrying one gate's events.
func (n Namespace) Gate(gate string) string {
	return fmt.Sprintf("%s:%s:%s:%s", namePrefix, kindGate, n.project, gate)
}

// System is the project-scoped system channel.
func (n Namespace) System() string {
	return fmt.Sprintf("%s:%s:%s", namePrefix, kindSystem, n.project)
}

// DLQ is the project's dead-letter channel.
func (n Namespace) DLQ() string {
	return fmt.Sprintf("%s:%s:%s", namePrefix, kindDLQ, n.project)
}

// GlobalSystemChannel is the only cross-project channel; emergency stops and
// health broadcasts land here in addition to project channels.
func GlobalSystemChannel() string { return globalSystemChannel }

// EmergencyChannel carries emergency-stop triggers for every process.
func EmergencyChannel() string { return emergencyChannel }
