package llm

import (
	"context"
	"fmt"
)

// PlanInputs are the repository documents the planner reasons over.
type PlanInputs struct {
	Goals      string
	Tasks      string
	ContextMap string
	Agents     string
}

const planPrompt = `You are the Planner for an autonomous development system.

Analyze the following files:

### GOALS.md
` + "```" + `
%s
` + "```" + `

### TASKS.md
` + "```" + `
%s
` + "```" + `

### CONTEXT_MAP.md
` + "```" + `
%s
` + "```" + `

### AGENTS.md
` + "```" + `
%s
` + "```" + `

Generate a detailed technical plan for the next task to work on.
The plan should:
1. Select the highest priority task from TASKS.md
2. Break it down into concrete implementation steps
3. Reference relevant parts of CONTEXT_MAP.md
4. Consider lessons learned from AGENTS.md
5. Be specific enough for the coding agent to execute

Output the plan in markdown format.`

// GeneratePlan produces the next work plan from the repository documents.
func (inv *Invoker) GeneratePlan(ctx context.Context, in PlanInputs, opts GenerateOptions) (string, error) {
	prompt := fmt.Sprintf(planPrompt, in.Goals, in.Tasks, in.ContextMap, in.Agents)
	return inv.Generate(ctx, prompt, opts)
}

const auditPrompt = `You are the Enforcer for an autonomous development system.

Your task is to review the code changes in this pull request against the repository's CONSTITUTION.md and ensure the intended task has been completed correctly as per TASKS.md.

### CONSTITUTION.md
` + "```" + `
%s
` + "```" + `

### TASKS.md
` + "```" + `
%s
` + "```" + `

### PR Diff
` + "```" + `
%s
` + "```" + `

Please:
1. Verify that the changes comply with ALL rules in CONSTITUTION.md.
2. Identify the task(s) from TASKS.md this PR is intended to complete.
3. Verify that the task(s) have been implemented correctly and completely.
4. If there are code violations or the task implementation is incorrect/incomplete, list them as violations.
5. If everything is compliant and the task is fully satisfied, respond with compliant: true.

Respond in JSON format:
{
  "compliant": true/false,
  "violations": ["reason/violation 1", "reason/violation 2", ...]
}`

// AuditPR reviews a PR diff against the constitution and task list.
func (inv *Invoker) AuditPR(ctx context.Context, constitution, tasks, diff string, opts GenerateOptions) (AuditResult, error) {
	prompt := fmt.Sprintf(auditPrompt, constitution, tasks, diff)
	text, err := inv.Generate(ctx, prompt, opts)
	if err != nil {
		return AuditResult{}, err
	}
	return ParseAudit(text)
}

const lessonsPrompt = `You are the Strategist for an autonomous development system.

A PR has just been merged to main. Analyze the changes and extract lessons learned.

### Current AGENTS.md
` + "```" + `
%s
` + "```" + `

### Merged Changes
` + "```" + `
%s
` + "```" + `

Review the merged changes for patterns, challenges, or insights.
Update AGENTS.md with new lessons learned.
Format as a new entry with today's date.

IMPORTANT:
- If no new lessons are found, output the original content of AGENTS.md exactly as is.
- Output ONLY the raw content of the updated file.
- Do NOT use markdown code blocks (` + "```" + `).
- Do NOT include any conversational text.
- The output must start directly with the file content.`

// ExtractLessons rewrites the agent-memory document after a merge.
func (inv *Invoker) ExtractLessons(ctx context.Context, currentAgents, mergeDiff string, opts GenerateOptions) (string, error) {
	prompt := fmt.Sprintf(lessonsPrompt, currentAgents, mergeDiff)
	return inv.Generate(ctx, prompt, opts)
}

const updateTasksPrompt = `You are the Strategist for an autonomous development system.

A task has been completed and merged. Update TASKS.md by:
1. Reading the current TASKS.md.
2. Reading the merge diff to identify the completed task.
3. Marking the completed task as complete (move to COMPLETED WORK section).
4. Working out if any new tasks need to be added based on the completed work.
5. Re-ordering the tasks list based on priority.

### Current TASKS.md
` + "```" + `
%s
` + "```" + `

### Merged Changes
` + "```" + `
%s
` + "```" + `

IMPORTANT:
- Output ONLY the raw content of the updated file.
- Do NOT use markdown code blocks (` + "```" + `).
- Do NOT include any conversational text.
- The output must start directly with the file content.`

// UpdateTasks rewrites the task list after a merge.
func (inv *Invoker) UpdateTasks(ctx context.Context, currentTasks, mergeDiff string, opts GenerateOptions) (string, error) {
	prompt := fmt.Sprintf(updateTasksPrompt, currentTasks, mergeDiff)
	return inv.Generate(ctx, prompt, opts)
}
