package audit

import "github.com/pipeops/hypervisor-control-plane/pkg/domain"

// translateEvent maps a name/args pair delivered over a component's
// EventBus (see the sandbox, isolation, and resource packages) into
// an AuditEvent. Returns ok=false for events the bridge does not
// record (e.g. "ready", which carries nothing worth auditing).
func translateEvent(name string, args []interface{}) (domain.AuditEvent, bool) {
	switch name {
	case "vm-spawned":
		if len(args) != 1 {
			return domain.AuditEvent{}, false
		}
		instance, ok := args[0].(*domain.VMInstance)
		if !ok {
			return domain.AuditEvent{}, false
		}
		return domain.AuditEvent{
			EventType: domain.EventVMSpawned,
			VMID:      instance.VMID,
			Severity:  domain.SeverityInfo,
			Details: map[string]interface{}{
				"provider": instance.Spec.Provider,
				"image":    instance.Spec.Image,
			},
		}, true

	case "vm-terminated":
		if len(args) != 2 {
			return domain.AuditEvent{}, false
		}
		vmID, _ := args[0].(string)
		finalState, _ := args[1].(domain.VMState)
		return domain.AuditEvent{
			EventType: domain.EventVMTerminated,
			VMID:      vmID,
			Severity:  domain.SeverityInfo,
			Details:   map[string]interface{}{"final_state": finalState},
		}, true

	case "vm-state-change":
		if len(args) != 3 {
			return domain.AuditEvent{}, false
		}
		vmID, _ := args[0].(string)
		prev, _ := args[1].(domain.VMState)
		next, _ := args[2].(domain.VMState)
		return domain.AuditEvent{
			EventType: domain.EventVMStateChange,
			VMID:      vmID,
			Severity:  domain.SeverityInfo,
			Details:   map[string]interface{}{"prev": prev, "next": next},
		}, true

	case "task-executed":
		if len(args) != 2 {
			return domain.AuditEvent{}, false
		}
		vmID, _ := args[0].(string)
		result, _ := args[1].(domain.TaskResult)
		severity := domain.SeverityInfo
		if !result.Success {
			severity = domain.SeverityWarn
		}
		return domain.AuditEvent{
			EventType: domain.EventTaskExecuted,
			VMID:      vmID,
			Severity:  severity,
			Details:   map[string]interface{}{"task_id": result.TaskID, "success": result.Success},
		}, true

	case "policy-evaluated":
		if len(args) != 3 {
			return domain.AuditEvent{}, false
		}
		agentID, _ := args[0].(string)
		operation, _ := args[1].(string)
		decision, _ := args[2].(domain.PolicyDecision)
		severity := domain.SeverityInfo
		if !decision.Allowed {
			severity = domain.SeverityWarn
		}
		return domain.AuditEvent{
			EventType: domain.EventPolicyEvaluated,
			AgentID:   agentID,
			Severity:  severity,
			Details: map[string]interface{}{
				"operation": operation,
				"allowed":   decision.Allowed,
				"reason":    decision.Reason,
			},
		}, true

	case "security-violation":
		if len(args) != 2 {
			return domain.AuditEvent{}, false
		}
		vmID, _ := args[0].(string)
		reason, _ := args[1].(string)
		return domain.AuditEvent{
			EventType: domain.EventSecurityViolation,
			VMID:      vmID,
			Severity:  domain.SeverityError,
			Details:   map[string]interface{}{"reason": reason},
		}, true

	case "isolation-violation":
		if len(args) != 1 {
			return domain.AuditEvent{}, false
		}
		violation, ok := args[0].(domain.CapabilityViolation)
		if !ok {
			return domain.AuditEvent{}, false
		}
		severity := domain.SeverityWarn
		if violation.Severity == domain.SeverityHigh || violation.Severity == domain.SeverityCritical {
			severity = domain.SeverityError
		}
		return domain.AuditEvent{
			EventType: domain.EventSecurityViolation,
			VMID:      violation.VMID,
			Severity:  severity,
			Details: map[string]interface{}{
				"capability": violation.Capability,
				"reason":     violation.Reason,
			},
		}, true

	case "health-warning":
		if len(args) != 1 {
			return domain.AuditEvent{}, false
		}
		vmID := ""
		if alert, ok := args[0].(domain.ResourceAlert); ok {
			vmID = alert.VMID
		}
		return domain.AuditEvent{
			EventType: domain.EventHealthWarning,
			VMID:      vmID,
			Severity:  domain.SeverityWarn,
		}, true

	case "image-verified":
		if len(args) != 1 {
			return domain.AuditEvent{}, false
		}
		result, ok := args[0].(domain.VerificationResult)
		if !ok {
			return domain.AuditEvent{}, false
		}
		severity := domain.SeverityInfo
		if !result.Verified {
			severity = domain.SeverityWarn
		}
		return domain.AuditEvent{
			EventType: domain.EventImageVerified,
			Severity:  severity,
			Details:   map[string]interface{}{"path": result.Path, "verified": result.Verified},
		}, true

	case "error":
		if len(args) == 0 {
			return domain.AuditEvent{}, false
		}
		err, _ := args[0].(error)
		vmID := ""
		if len(args) > 1 {
			vmID, _ = args[1].(string)
		}
		message := ""
		if err != nil {
			message = err.Error()
		}
		return domain.AuditEvent{
			EventType: domain.EventError,
			VMID:      vmID,
			Severity:  domain.SeverityError,
			Details:   map[string]interface{}{"error": message},
		}, true

	default:
		return domain.AuditEvent{}, false
	}
}
