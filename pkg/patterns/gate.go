// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package patterns

import (
	"fmt"

	"github.com/teradata-labs/tapestry/pkg/types"
)

// GateOutcome is the phase-boundary verdict over a run's node statuses.
type GateOutcome string

const (
	GatePass    GateOutcome = "pass"
	GateFail    GateOutcome = "fail"
	GatePending GateOutcome = "pending"
)

// EvaluateGate applies a gate predicate to a finished pattern run.
// Annotations name the nodes that kept the gate from a clean pass; the
// always gate passes but still reports them.
func EvaluateGate(gate types.GateType, result *RunResult) (GateOutcome, []string) {
	if result.Paused() {
		return GatePending, []string{"run paused at checkpoint " + result.Checkpoint.ID}
	}

	var notes []string
	for _, out := range result.Outputs {
		switch out.Status {
		case types.NodeFailed:
			notes = append(notes, fmt.Sprintf("%s failed", out.AgentID))
		case types.NodeVetoed:
			notes = append(notes, fmt.Sprintf("%s vetoed", out.AgentID))
		}
	}

	switch gate {
	case types.GateAlways:
		return GatePass, notes

	case types.GateCheckpoint:
		// Held open until an external approval event resolves it.
		return GatePending, notes

	case types.GateNoVeto:
		for _, status := range result.Statuses {
			if status == types.NodeVetoed {
				return GateFail, notes
			}
		}
		return GatePass, notes

	case types.GateAllApproved:
		adversarialSeen := false
		adversarialApproved := false
		for _, out := range result.Outputs {
			if out.Role == types.RoleAdversarial {
				adversarialSeen = true
				if out.Status == types.NodeCompleted {
					adversarialApproved = true
				}
				continue
			}
			if out.Status != types.NodeCompleted {
				return GateFail, notes
			}
		}
		// Participants never instantiated (absolute-veto short-circuit)
		// count against approval.
		for _, status := range result.Statuses {
			if status == types.NodePending {
				return GateFail, notes
			}
		}
		if adversarialSeen && !adversarialApproved {
			return GateFail, notes
		}
		return GatePass, notes

	default:
		return GateFail, append(notes, fmt.Sprintf("unknown gate %q", gate))
	}
}
