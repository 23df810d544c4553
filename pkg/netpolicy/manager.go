// Package netpolicy evaluates per-VM network traffic against ordered
// allow/deny rule lists.
package netpolicy

import (
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
	"github.com/sirupsen/logrus"
)

// Manager owns a per-VM rule list plus a separate global list keyed
// by domain.GlobalVMID, and a bounded evaluation log. Grounded on the
// teacher's CNIService (pkg/network/cni.go) for the "one map keyed by
// id, RWMutex-guarded, *logrus.Entry component logger" shape; the
// evaluation algorithm itself is new since the teacher has no traffic
// policy engine.
type Manager struct {
	mu            sync.RWMutex
	rules         map[string][]domain.NetworkRule
	defaultAction domain.RuleAction

	evalLog    []domain.NetworkDecision
	evalLogCap int

	log *logrus.Entry
}

// New constructs a Manager. defaultAction is returned by Evaluate
// when no rule matches.
func New(defaultAction domain.RuleAction, evalLogCap int, log *logrus.Entry) *Manager {
	return &Manager{
		rules:         make(map[string][]domain.NetworkRule),
		defaultAction: defaultAction,
		evalLogCap:    evalLogCap,
		log:           log.WithField("component", "network-policy"),
	}
}

// AddRule inserts rule into the list owned by rule.VMID (or the
// global list for domain.GlobalVMID), re-sorting that list by
// ascending priority. A RuleID is generated if not already set.
func (m *Manager) AddRule(rule domain.NetworkRule) domain.NetworkRule {
	if rule.RuleID == "" {
		rule.RuleID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	list := append(m.rules[rule.VMID], rule)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority < list[j].Priority })
	m.rules[rule.VMID] = list

	m.log.WithFields(logrus.Fields{"vm_id": rule.VMID, "rule_id": rule.RuleID}).Info("Added network rule")
	return rule
}

// RemoveRule deletes ruleID from vmID's list (or the global list).
func (m *Manager) RemoveRule(vmID, ruleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.rules[vmID]
	for i, r := range list {
		if r.RuleID == ruleID {
			m.rules[vmID] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// BlockAll installs a single low-priority catch-all deny rule for
// vmID.
func (m *Manager) BlockAll(vmID string) domain.NetworkRule {
	return m.AddRule(domain.NetworkRule{
		VMID: vmID, Direction: domain.DirectionBoth, Action: domain.ActionDeny,
		Protocol: domain.ProtocolAny, Priority: catchAllPriority,
	})
}

// AllowAll installs a single low-priority catch-all allow rule for
// vmID.
func (m *Manager) AllowAll(vmID string) domain.NetworkRule {
	return m.AddRule(domain.NetworkRule{
		VMID: vmID, Direction: domain.DirectionBoth, Action: domain.ActionAllow,
		Protocol: domain.ProtocolAny, Priority: catchAllPriority,
	})
}

// catchAllPriority is deliberately large so any explicitly prioritized
// rule is considered first.
const catchAllPriority = 1 << 30

// Evaluate applies the algorithm from SPEC_FULL.md §4.5: the VM's
// rules followed by the global rules, both already sorted ascending
// by priority, first match wins.
func (m *Manager) Evaluate(req domain.NetworkRequest) domain.NetworkDecision {
	now := time.Now()

	m.mu.RLock()
	candidates := make([]domain.NetworkRule, 0, len(m.rules[req.VMID])+len(m.rules[domain.GlobalVMID]))
	candidates = append(candidates, m.rules[req.VMID]...)
	candidates = append(candidates, m.rules[domain.GlobalVMID]...)
	m.mu.RUnlock()

	for _, rule := range candidates {
		if !matches(rule, req) {
			continue
		}
		decision := domain.NetworkDecision{
			Allowed:     rule.Action == domain.ActionAllow,
			MatchedRule: rule.RuleID,
			Reason:      string(rule.Action) + " by rule " + rule.RuleID,
			EvaluatedAt: now,
		}
		m.record(decision)
		return decision
	}

	decision := domain.NetworkDecision{
		Allowed:     m.defaultAction == domain.ActionAllow,
		Reason:      "no matching rule, default action " + string(m.defaultAction),
		EvaluatedAt: now,
	}
	m.record(decision)
	return decision
}

func (m *Manager) record(d domain.NetworkDecision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evalLog = append(m.evalLog, d)
	if m.evalLogCap > 0 && len(m.evalLog) > m.evalLogCap {
		m.evalLog = m.evalLog[len(m.evalLog)-m.evalLogCap:]
	}
}

// EvaluationLog returns a copy of the bounded evaluation history.
func (m *Manager) EvaluationLog() []domain.NetworkDecision {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.NetworkDecision, len(m.evalLog))
	copy(out, m.evalLog)
	return out
}

// Rules returns a copy of vmID's rule list (or the global list for
// domain.GlobalVMID).
func (m *Manager) Rules(vmID string) []domain.NetworkRule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.NetworkRule, len(m.rules[vmID]))
	copy(out, m.rules[vmID])
	return out
}

func matches(rule domain.NetworkRule, req domain.NetworkRequest) bool {
	if rule.Direction != domain.DirectionBoth && rule.Direction != req.Direction {
		return false
	}
	if rule.Protocol != domain.ProtocolAny && rule.Protocol != req.Protocol {
		return false
	}
	if rule.RemoteHost != "" && !hostMatches(rule.RemoteHost, req.RemoteHost) {
		return false
	}
	if rule.PortRange != nil && !rule.PortRange.Contains(req.Port) {
		return false
	}
	return true
}

// hostMatches implements SPEC_FULL.md's Open Question 2 resolution:
// exact equality, a "*.suffix" wildcard, or real CIDR containment via
// net.ParseCIDR/net.IPNet.Contains when pattern parses as a CIDR.
func hostMatches(pattern, host string) bool {
	if pattern == host {
		return true
	}

	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(host, pattern[1:])
	}

	if _, ipnet, err := net.ParseCIDR(pattern); err == nil {
		ip := net.ParseIP(host)
		return ip != nil && ipnet.Contains(ip)
	}

	return false
}
