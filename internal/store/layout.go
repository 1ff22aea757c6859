package store

import (
	"path/filepath"
	"strconv"
)

// Layout resolves the on-disk paths of spec §6.1, rooted at
// <workspace>/_AiDevLog.
type Layout struct {
	Root string // <workspace>/_AiDevLog
}

func NewLayout(workspaceRoot, workingDirectory string) Layout {
	if workingDirectory == "" {
		workingDirectory = "_AiDevLog"
	}
	return Layout{Root: filepath.Join(workspaceRoot, workingDirectory)}
}

func (l Layout) ConfigDir() string         { return filepath.Join(l.Root, ".config") }
func (l Layout) ConfigFile() string        { return filepath.Join(l.ConfigDir(), "daemon.json") }
func (l Layout) RolesDir() string          { return filepath.Join(l.ConfigDir(), "roles") }
func (l Layout) SystemPromptsDir() string  { return filepath.Join(l.ConfigDir(), "system_prompts") }
func (l Layout) PlansDir() string          { return filepath.Join(l.Root, "Plans") }
func (l Layout) SessionDir(id string) string {
	return filepath.Join(l.PlansDir(), id)
}
func (l Layout) SessionFile(id string) string {
	return filepath.Join(l.SessionDir(id), "session.json")
}
func (l Layout) PlanFile(id string) string {
	return filepath.Join(l.SessionDir(id), "plan.md")
}
func (l Layout) PlanBackup(id string, version int) string {
	return filepath.Join(l.SessionDir(id), planBackupName(version))
}
func planBackupName(version int) string {
	return "plan.v" + strconv.Itoa(version) + ".md"
}
func (l Layout) TasksFile(id string) string {
	return filepath.Join(l.SessionDir(id), "tasks.json")
}
func (l Layout) LogsDir(id string) string {
	return filepath.Join(l.SessionDir(id), "logs")
}
func (l Layout) AgentLogsDir(id string) string {
	return filepath.Join(l.LogsDir(id), "agents")
}
func (l Layout) PlanContextFile(id string) string {
	return filepath.Join(l.LogsDir(id), "plan_context.md")
}
func (l Layout) AgentLogFile(id, workflowID string, seq int, agentName string) string {
	name := workflowID + "_" + strconv.Itoa(seq) + "_" + agentName + ".log"
	return filepath.Join(l.AgentLogsDir(id), name)
}
func (l Layout) HistoryDir() string { return filepath.Join(l.Root, "History") }
func (l Layout) HistoryFile(sessionID string) string {
	return filepath.Join(l.HistoryDir(), sessionID+".json")
}
func (l Layout) RunIndexFile() string { return filepath.Join(l.Root, "History", "runs.db") }
