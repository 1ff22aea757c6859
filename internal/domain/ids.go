// Package domain holds the shared data model (spec §3): Session, Task,
// Agent, Role, Workflow, AgentRun. Types live in one package so the
// scheduling components (tasks, agentpool, workflow, coordinator) can all
// reference them without import cycles; ownership of each type's mutation
// still follows the component design, not this package.
package domain

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	sessionIDPattern = regexp.MustCompile(`^PS_[0-9]{6}$`)
	taskLocalPattern = regexp.MustCompile(`^(T[0-9]+[A-Z]?(?:_[A-Z]+)?|CTX[0-9]+)$`)
)

// NormalizeSessionID upper-cases and validates a session id against the
// grammar PS_[0-9]{6} (spec §6.3). It is idempotent: normalizing an
// already-normalized id returns it unchanged (P7).
func NormalizeSessionID(id string) (string, error) {
	up := strings.ToUpper(strings.TrimSpace(id))
	if !sessionIDPattern.MatchString(up) {
		return "", fmt.Errorf("invalid session id %q: must match PS_[0-9]{6}", id)
	}
	return up, nil
}

// SessionIDForSeq renders the monotonic textual session id for sequence n,
// e.g. SessionIDForSeq(1) == "PS_000001".
func SessionIDForSeq(n int) string {
	return fmt.Sprintf("PS_%06d", n)
}

// TaskGlobalID builds the global task id `{sessionId}_{localPart}` and
// rejects the double-prefix form explicitly called out in §6.3.
func TaskGlobalID(sessionID, localPart string) (string, error) {
	sessionID, err := NormalizeSessionID(sessionID)
	if err != nil {
		return "", err
	}
	if !taskLocalPattern.MatchString(localPart) {
		return "", fmt.Errorf("invalid task local id %q: must match T[0-9]+[A-Z]?(_[A-Z]+)? or CTX[0-9]+", localPart)
	}
	global := sessionID + "_" + localPart
	if strings.HasPrefix(localPart, sessionID+"_") {
		return "", fmt.Errorf("double-prefixed task id %q", global)
	}
	return global, nil
}

// SplitTaskGlobalID splits a global task id back into its session id and
// local part, validating both. NormalizeSessionID+TaskGlobalID round-trip
// through this (P7: normalize(normalize(x)) == normalize(x)).
func SplitTaskGlobalID(global string) (sessionID, localPart string, err error) {
	idx := strings.Index(global, "_")
	if idx < 0 {
		return "", "", fmt.Errorf("invalid task global id %q: missing session prefix", global)
	}
	// Session ids are themselves "PS_" + 6 digits, i.e. contain their own
	// underscore, so the split point is after the second underscore-bounded
	// segment when present.
	parts := strings.SplitN(global, "_", 3)
	if len(parts) < 3 || !strings.EqualFold(parts[0], "PS") {
		return "", "", fmt.Errorf("invalid task global id %q", global)
	}
	sid := parts[0] + "_" + parts[1]
	local := parts[2]
	sid, err = NormalizeSessionID(sid)
	if err != nil {
		return "", "", err
	}
	if !taskLocalPattern.MatchString(local) {
		return "", "", fmt.Errorf("invalid task local id %q in %q", local, global)
	}
	if strings.HasPrefix(local, sid+"_") {
		return "", "", fmt.Errorf("double-prefixed task id %q", global)
	}
	return sid, local, nil
}
