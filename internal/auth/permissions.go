package auth

import "schoolgate.org/internal/ledger"

const (
	PermAdmissionEnroll   = "admission.enroll"
	PermAdmissionRead     = "admission.read"
	PermFinanceApprove    = "admission.finance.approve"
	PermFeeTermWrite      = "finance.fee_term.write"
	PermAccountActivate   = "admission.activate"
	PermAccountDeactivate = "admission.deactivate"
	PermGateVerify        = "gate.verify"
	PermGateStream        = "gate.stream"

	// PermReceiptRead covers receipt status for any student; the code itself is owner-only.
	PermReceiptRead    = "receipt.read"
	PermReceiptReadOwn = "receipt.read.own"
)

// rolePermissions is the static capability catalogue of the portal roles.
// Lifecycle transitions are additionally checked against the admission transition table.
var rolePermissions = map[ledger.Role][]string{
	ledger.RoleEnrollment: {PermAdmissionEnroll, PermAdmissionRead},
	ledger.RoleFinance:    {PermAdmissionRead, PermFinanceApprove, PermFeeTermWrite},
	ledger.RoleTeacher:    {PermAdmissionRead, PermAccountActivate},
	ledger.RoleGate:       {PermGateVerify, PermGateStream, PermReceiptRead},
	ledger.RoleStudent:    {PermReceiptReadOwn},
	ledger.RoleAdmin: {
		PermAdmissionEnroll, PermAdmissionRead, PermAccountDeactivate,
		PermGateVerify, PermGateStream, PermReceiptRead,
	},
}

// PermissionsFor returns the union of permissions granted to roles.
func PermissionsFor(roles []ledger.Role) map[string]struct{} {
	set := make(map[string]struct{})
	for _, r := range roles {
		for _, p := range rolePermissions[r] {
			set[p] = struct{}{}
		}
	}
	return set
}
