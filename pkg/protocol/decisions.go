package protocol

// Permission decision values accepted on the wire. Anything else is treated
// as no-decision and leaves the request pending.
const (
	DecisionAllow       = "allow"
	DecisionAllowAlways = "allow_always"
	DecisionDeny        = "deny"

	// DecisionAsk is never accepted from clients; it is the fall-through
	// answer given to the HTTP hook path on timeout or shutdown so the
	// caller reverts to its local prompt.
	DecisionAsk = "ask"
)

// ValidDecision reports whether d is a client-suppliable decision.
func ValidDecision(d string) bool {
	switch d {
	case DecisionAllow, DecisionAllowAlways, DecisionDeny:
		return true
	}
	return false
}

// Permission modes a session can operate in.
const (
	ModeApprove = "approve" // every tool use asks the client
	ModeAuto    = "auto"    // permission prompts are skipped entirely
	ModePlan    = "plan"    // plan-only, no tool execution
)

// PermissionModes lists all valid permission modes.
func PermissionModes() []string {
	return []string{ModeApprove, ModeAuto, ModePlan}
}

// ValidPermissionMode reports whether m is a known mode.
func ValidPermissionMode(m string) bool {
	switch m {
	case ModeApprove, ModeAuto, ModePlan:
		return true
	}
	return false
}
