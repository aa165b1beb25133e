package supervisor

// Phase enumerates the supervisor's coarse lifecycle state, surfaced via
// GET /status and used by tests to assert the reached terminal state.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhasePaymentBlocked     Phase = "payment_blocked"
	PhaseControlPlane       Phase = "control_plane"
	PhaseProviderStandby    Phase = "provider_standby"
	PhaseRotating           Phase = "rotating"
	PhaseTunnelUp           Phase = "tunnel_up"
	PhaseHandshakeConfirmed Phase = "handshake_confirmed"
	PhaseTrafficVerified    Phase = "traffic_verified"
	PhaseControlPlaneOnly   Phase = "control_plane_only"
	PhaseStopped            Phase = "stopped"
	PhaseError              Phase = "error"
	PhaseRestarting         Phase = "restarting"
)
