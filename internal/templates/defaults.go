package templates

// Built-in prompts. Any of these can be overridden by dropping a file with
// the same base name into the prompts directory.
var builtinPrompts = map[string]string{
	"coordinator_classify_query":  coordinatorClassifyQuery,
	"coordinator_simple_response": coordinatorSimpleResponse,
	"planner_create_plan":         plannerCreatePlan,
	"planner_create_plan_strict":  plannerCreatePlanStrict,
	"planner_evaluate_context":    plannerEvaluateContext,
	"rapporteur_summarize":        rapporteurSummarize,
	"rapporteur_organize_info":    rapporteurOrganizeInfo,
	"rapporteur_analysis":         rapporteurAnalysis,
	"rapporteur_conclusion":       rapporteurConclusion,
	"rapporteur_generate_html":    rapporteurGenerateHTML,
}

const coordinatorClassifyQuery = `You are the entry coordinator of a research assistant.
Classify the user query into exactly one category:

- GREETING: greetings, small talk, or questions about the assistant itself
- INAPPROPRIATE: requests for harmful, illegal, or abusive content
- RESEARCH: everything else, any topic that can be investigated

User query: {{.Query}}

Respond with exactly one word: GREETING, INAPPROPRIATE, or RESEARCH.`

const coordinatorSimpleResponse = `You are a research assistant. The user query was classified as {{.QueryType}} and will not start a research task.

User query: {{.Query}}

{{if eq .QueryType "GREETING"}}Reply with a short, friendly greeting and mention that you can research any topic on request.{{else}}Politely decline to help with this request in one or two sentences.{{end}}`

const plannerCreatePlan = `You are a research planner. Current time: {{.CurrentTime}}.
Create a structured research plan for the query below.

Query: {{.Query}}
{{if .Feedback}}
The user rejected the previous plan with this feedback, take it into account:
{{.Feedback}}
{{end}}
Respond with a JSON object of this exact shape:

{
  "research_goal": "one sentence describing what the research should establish",
  "sub_tasks": [
    {
      "task_id": 1,
      "description": "what this subtask investigates",
      "search_queries": ["query 1", "query 2"],
      "sources": ["tavily"],
      "priority": 1
    }
  ],
  "completion_criteria": "how to tell the research is done",
  "estimated_iterations": 2
}

Rules:
- 3 to 5 sub_tasks, each with 1 to 3 search_queries
- sources must be chosen from: {{.Sources}}
- priority runs from 1 (highest) to 5 (lowest)
- estimated_iterations between 1 and {{.MaxIterations}}`

const plannerCreatePlanStrict = `Your previous response could not be parsed as JSON.

Create a research plan for the query below. Output ONLY a JSON object, no prose, no markdown fences, starting with { and ending with }.

Query: {{.Query}}
{{if .Feedback}}
User feedback on the rejected plan:
{{.Feedback}}
{{end}}
Required shape:
{"research_goal": "...", "sub_tasks": [{"task_id": 1, "description": "...", "search_queries": ["..."], "sources": ["tavily"], "priority": 1}], "completion_criteria": "...", "estimated_iterations": 2}

sources must be chosen from: {{.Sources}}. priority runs 1 to 5.`

const plannerEvaluateContext = `You are evaluating whether gathered research evidence is sufficient.

Query: {{.Query}}
Research goal: {{.ResearchGoal}}
Completion criteria: {{.CompletionCriteria}}
Evidence batches collected: {{.ResultsCount}}
Iteration {{.CurrentIteration}} of {{.MaxIterations}}

Is the evidence sufficient to write a well-supported report that satisfies the completion criteria?

Respond with exactly one word: YES or NO.`

const rapporteurSummarize = `Summarize the research findings below into a concise executive summary for a report answering this query: {{.Query}}

Findings:
{{.ResearchFindings}}

Write 2 to 4 paragraphs. Stick to what the findings support; do not invent facts.`

const rapporteurOrganizeInfo = `Organize the research summary below into key themes.

Summary:
{{.Summary}}

Respond with a JSON object of this shape:
{"themes": [{"name": "theme name", "key_points": ["point 1", "point 2"]}]}

Use between 2 and 5 themes.`

const rapporteurAnalysis = `Write an integrated analysis for a research report answering: {{.Query}}

Executive summary:
{{.Summary}}

Key evidence:
{{.KeyContent}}

Connect the evidence into a coherent analysis. Discuss agreements, contradictions, and gaps. Refer to evidence items by their [n] citation markers where helpful. Do not add a sources section.`

const rapporteurConclusion = `Write a short conclusion for a research report answering: {{.Query}}

Summary of findings:
{{.Summary}}

One or two paragraphs. State what was established and what remains open.`

const rapporteurGenerateHTML = `Produce a complete, self-contained HTML5 document for the research report below. Use semantic tags and minimal inline CSS. Output only HTML, no markdown fences.

Title: Research Report: {{.Query}}
Research goal: {{.ResearchGoal}}

Executive summary:
{{.Summary}}

Key findings by theme:
{{.Themes}}

Analysis:
{{.Analysis}}

Research coverage:
{{.Coverage}}

Conclusion:
{{.Conclusion}}

References:
{{.Citations}}`
