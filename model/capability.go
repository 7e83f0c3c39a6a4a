// Package model provides capability-based model selection for the
// dispatcher's LLM-backed roles. Instead of hardcoding model names, callers
// specify capabilities (intent_classification, response_synthesis) and the
// registry resolves them to available models with fallback chains.
package model

// Capability represents a semantic capability for model selection.
// Instead of specifying "claude-sonnet", callers specify
// "intent_classification" or "response_synthesis".
type Capability string

const (
	// CapabilityIntentClassification is for turning a raw user message plus
	// enrichment into an Intent (tag, confidence, suggested specialists).
	CapabilityIntentClassification Capability = "intent_classification"

	// CapabilityResponseSynthesis is for turning collected specialist
	// outputs into the final natural-language response.
	CapabilityResponseSynthesis Capability = "response_synthesis"

	// CapabilityFast is for quick, low-stakes calls (e.g. classification on
	// a tight deadline) that don't need the synthesis-tier model.
	CapabilityFast Capability = "fast"
)

// RoleCapabilities maps dispatcher roles to their default capability.
// Used when no explicit capability or model is specified.
var RoleCapabilities = map[string]Capability{
	"classifier":  CapabilityIntentClassification,
	"synthesizer": CapabilityResponseSynthesis,
}

// CapabilityForRole returns the default capability for a given role.
// Returns CapabilityFast as fallback for unknown roles.
func CapabilityForRole(role string) Capability {
	if capVal, ok := RoleCapabilities[role]; ok {
		return capVal
	}
	return CapabilityFast
}

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityIntentClassification, CapabilityResponseSynthesis, CapabilityFast:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability, returning empty for invalid values.
func ParseCapability(s string) Capability {
	capVal := Capability(s)
	if capVal.IsValid() {
		return capVal
	}
	return ""
}
