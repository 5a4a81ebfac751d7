package escrow

// actionRule binds an action to the roles that may initiate it and the
// co-signer set the spend needs. The server key is deliberately absent: the
// operator co-signs at submission and never takes part in the approval
// round.
type actionRule struct {
	initiators []Role
	cosigners  []Role
}

var actionRules = map[Action]actionRule{
	ActionFund:    {initiators: []Role{RoleBuyer}},
	ActionRelease: {initiators: []Role{RoleSeller, RoleArbitrator}, cosigners: []Role{RoleSeller, RoleArbitrator}},
	ActionRefund:  {initiators: []Role{RoleBuyer, RoleArbitrator}, cosigners: []Role{RoleBuyer, RoleArbitrator}},
	ActionDirect:  {initiators: []Role{RoleBuyer, RoleSeller}, cosigners: []Role{RoleBuyer, RoleSeller}},
}

// RequiredCosigners returns the co-signer roles for action when started by
// initiator, with the initiator itself removed. Unknown actions and
// ineligible initiators return an empty set, which callers treat as
// not-authorized.
func RequiredCosigners(action Action, initiator Role) []Role {
	rule, ok := actionRules[action]
	if !ok || !containsRole(rule.initiators, initiator) {
		return nil
	}
	out := make([]Role, 0, len(rule.cosigners))
	for _, r := range rule.cosigners {
		if r != initiator {
			out = append(out, r)
		}
	}
	return out
}

// EligibleInitiator reports whether role may start action at all.
func EligibleInitiator(action Action, role Role) bool {
	rule, ok := actionRules[action]
	return ok && containsRole(rule.initiators, role)
}

func containsRole(roles []Role, role Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
