// Package subject defines the canonical backbone namespace.
//
// Every externally visible subject is scoped under a tenant segment that
// sits immediately after the root token. Publish and subscribe operations
// must pass Validate (or ValidatePattern for wildcard subscriptions) before
// they reach the backbone; anything outside the caller's tenant namespace
// is rejected.
package subject

import (
	"fmt"
	"strings"
)

// Root tokens of the three tenant-scoped namespaces.
const (
	RootTenant   = "tenant"
	RootAgents   = "agents"
	RootPresence = "_presence"
)

// Broadcast is the command-subject segment addressing every agent in a tenant.
const Broadcast = "broadcast"

// SubjectError reports a rejected subject. Code is stable and suitable for
// wire-level error frames.
type SubjectError struct {
	Subject string
	Code    string
	Reason  string
}

func (e *SubjectError) Error() string {
	return fmt.Sprintf("subject %q rejected: %s", e.Subject, e.Reason)
}

func forbidden(subject, reason string) *SubjectError {
	return &SubjectError{Subject: subject, Code: "forbidden_subject", Reason: reason}
}

// ============================================================================
// BUILDERS
// ============================================================================

// Channel returns the named publish/subscribe channel subject.
func Channel(tenantID, channelID string) string {
	return fmt.Sprintf("tenant.%s.channel.%s", tenantID, channelID)
}

// Direct returns the direct-addressing subject for an agent.
func Direct(tenantID, agentID string) string {
	return fmt.Sprintf("tenant.%s.agent.%s", tenantID, agentID)
}

// Task returns the capability-routed work subject.
func Task(tenantID, capability, specificity string) string {
	return fmt.Sprintf("agents.%s.task.%s.%s", tenantID, capability, specificity)
}

// TaskWildcard returns the subscribe-side pattern covering every task for a
// capability. Agents subscribe to this for each capability they advertise.
func TaskWildcard(tenantID, capability string) string {
	return fmt.Sprintf("agents.%s.task.%s.>", tenantID, capability)
}

// Result returns the task-result subject for an agent.
func Result(tenantID, agentID, taskType string) string {
	return fmt.Sprintf("agents.%s.result.%s.%s", tenantID, agentID, taskType)
}

// Event returns the event subject, optionally narrowed by specificity.
func Event(tenantID, eventType string, specificity ...string) string {
	s := fmt.Sprintf("agents.%s.event.%s", tenantID, eventType)
	if len(specificity) > 0 && specificity[0] != "" {
		s += "." + specificity[0]
	}
	return s
}

// AgentsWildcard matches everything in a tenant's agents namespace. The
// default dashboard interest.
func AgentsWildcard(tenantID string) string {
	return fmt.Sprintf("agents.%s.>", tenantID)
}

// ChannelWildcard matches every named channel in a tenant.
func ChannelWildcard(tenantID string) string {
	return fmt.Sprintf("tenant.%s.channel.>", tenantID)
}

// StatusChanged is the subject carrying online/offline transitions.
func StatusChanged(tenantID string) string {
	return Event(tenantID, "status_changed")
}

// Command returns the command subject for one agent, or for every agent in
// the tenant when agentID is Broadcast.
func Command(tenantID, agentID string) string {
	return fmt.Sprintf("agents.%s.command.%s", tenantID, agentID)
}

// Heartbeat returns the tenant heartbeat subject.
func Heartbeat(tenantID string) string {
	return fmt.Sprintf("agents.%s.heartbeat", tenantID)
}

// DiscoveryRequests returns the discovery request subject for a tenant.
func DiscoveryRequests(tenantID string) string {
	return fmt.Sprintf("agents.%s.discovery.requests", tenantID)
}

// DiscoveryResponses returns the discovery response subject for a request id.
func DiscoveryResponses(tenantID, id string) string {
	return fmt.Sprintf("agents.%s.discovery.responses.%s", tenantID, id)
}

// Presence returns the presence-only channel for a principal.
func Presence(tenantID, principalID string) string {
	return fmt.Sprintf("_presence.%s.%s", tenantID, principalID)
}

// PresenceHeartbeat is the out-of-band heartbeat subject agents may publish
// directly on the backbone: _heartbeat.<tenant>.<agent>.
func PresenceHeartbeat(tenantID, agentID string) string {
	return fmt.Sprintf("_heartbeat.%s.%s", tenantID, agentID)
}

// PresenceHeartbeatWildcard matches every out-of-band heartbeat.
const PresenceHeartbeatWildcard = "_heartbeat.>"

// ============================================================================
// VALIDATION
// ============================================================================

// Validate checks that a concrete (non-wildcard) subject lies inside the
// tenant's namespace. Used for publishes.
func Validate(s, tenantID string) error {
	if err := checkTokens(s, false); err != nil {
		return err
	}
	if !inTenantNamespace(s, tenantID) {
		return forbidden(s, "outside tenant namespace")
	}
	return nil
}

// ValidatePattern checks a subscribe-side subject, which may carry the `*`
// (one token) and `>` (tail) wildcards. The tenant segment itself must be
// literal: a wildcard there would cross the isolation boundary.
func ValidatePattern(s, tenantID string) error {
	if err := checkTokens(s, true); err != nil {
		return err
	}
	if !inTenantNamespace(s, tenantID) {
		return forbidden(s, "outside tenant namespace")
	}
	return nil
}

// TenantOf extracts the tenant segment of a well-formed subject, or "" when
// the subject has no tenant segment.
func TenantOf(s string) string {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) < 2 {
		return ""
	}
	switch parts[0] {
	case RootTenant, RootAgents, RootPresence, "_heartbeat":
		return parts[1]
	}
	return ""
}

func inTenantNamespace(s, tenantID string) bool {
	if tenantID == "" {
		return false
	}
	return strings.HasPrefix(s, RootTenant+"."+tenantID+".") ||
		strings.HasPrefix(s, RootAgents+"."+tenantID+".") ||
		strings.HasPrefix(s, RootPresence+"."+tenantID+".")
}

func checkTokens(s string, allowWildcards bool) error {
	if s == "" {
		return forbidden(s, "empty subject")
	}
	if len(s) > 255 {
		return forbidden(s, "subject too long")
	}
	tokens := strings.Split(s, ".")
	for i, tok := range tokens {
		switch tok {
		case "":
			return forbidden(s, "empty token")
		case ">":
			if !allowWildcards {
				return forbidden(s, "wildcard in publish subject")
			}
			if i != len(tokens)-1 {
				return forbidden(s, "'>' must be the last token")
			}
			continue
		case "*":
			if !allowWildcards {
				return forbidden(s, "wildcard in publish subject")
			}
			continue
		}
		if strings.ContainsAny(tok, " \t\r\n*>") {
			return forbidden(s, "invalid characters in token")
		}
	}
	return nil
}
