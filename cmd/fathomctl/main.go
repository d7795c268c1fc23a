// Command fathomctl is a terminal client for a running fathom service. It
// submits research tasks, tails their event streams, and delivers plan
// decisions over the same HTTP/WebSocket API the web clients use.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fathomlab/fathom/internal/models"
)

const defaultAddr = "http://localhost:8080"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: fathomctl [flags] <command> [args]

Commands:
  start     submit a research query
  status    show a task's current state and report
  watch     tail a task's event stream, answering approval prompts
  approve   approve a pending plan
  reject    reject a pending plan and request a revision
  modify    replace a pending plan with one loaded from a file
  cancel    cancel a running task
  history   list recent tasks

Flags:
  -addr string   service address (default $FATHOM_ADDR or %s)
  -key string    API key, sent as X-API-Key (default $FATHOM_API_KEY)

Run "fathomctl <command> -h" for command flags.
`, defaultAddr)
}

func main() {
	addr := flag.String("addr", envOr("FATHOM_ADDR", defaultAddr), "service address")
	key := flag.String("key", os.Getenv("FATHOM_API_KEY"), "API key")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	c := &client{
		base: strings.TrimRight(*addr, "/"),
		key:  *key,
		http: &http.Client{Timeout: 30 * time.Second},
	}

	var err error
	switch cmd := args[0]; cmd {
	case "start":
		err = cmdStart(c, args[1:])
	case "status":
		err = cmdStatus(c, args[1:])
	case "watch":
		err = cmdWatch(c, args[1:])
	case "approve":
		err = cmdDecision(c, args[1:], true)
	case "reject":
		err = cmdDecision(c, args[1:], false)
	case "modify":
		err = cmdModify(c, args[1:])
	case "cancel":
		err = cmdCancel(c, args[1:])
	case "history":
		err = cmdHistory(c, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "fathomctl: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "fathomctl: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// client is a thin JSON wrapper over the service API.
type client struct {
	base string
	key  string
	http *http.Client
}

func (c *client) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *client) post(path string, in, out any) error {
	return c.do(http.MethodPost, path, in, out)
}

func (c *client) delete(path string, out any) error {
	return c.do(http.MethodDelete, path, nil, out)
}

func (c *client) do(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("X-API-Key", c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s)", apiErr.Error, resp.Status)
		}
		return fmt.Errorf("unexpected response %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// decisionBody mirrors the service's decision wire format. The server rejects
// unknown fields, so this stays in lockstep with the API.
type decisionBody struct {
	Type     string       `json:"type"`
	Approved *bool        `json:"approved,omitempty"`
	Feedback string       `json:"feedback,omitempty"`
	Plan     *models.Plan `json:"plan,omitempty"`
}

type decisionResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Status   string `json:"status"`
}

func cmdStart(c *client, args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	query := fs.String("query", "", "research question (or pass it as positional args)")
	iterations := fs.Int("iterations", 0, "max research iterations (0 uses the server default)")
	autoApprove := fs.Bool("auto-approve", false, "skip the plan approval gate")
	format := fs.String("format", "", "report format: markdown, html or json")
	provider := fs.String("provider", "", "llm provider override")
	model := fs.String("model", "", "llm model override")
	watch := fs.Bool("watch", false, "tail the event stream after submitting")
	fs.Parse(args)

	q := strings.TrimSpace(*query)
	if q == "" {
		q = strings.TrimSpace(strings.Join(fs.Args(), " "))
	}
	if q == "" {
		return fmt.Errorf("start: a query is required")
	}

	req := struct {
		Query  string            `json:"query"`
		Config models.TaskConfig `json:"config"`
	}{
		Query: q,
		Config: models.TaskConfig{
			MaxIterations: *iterations,
			AutoApprove:   *autoApprove,
			OutputFormat:  models.OutputFormat(*format),
			Provider:      *provider,
			Model:         *model,
		},
	}

	var task models.Task
	if err := c.post("/api/v1/research", req, &task); err != nil {
		return err
	}
	fmt.Printf("task %s submitted (%s)\n", task.ID, task.Status)
	if *watch {
		return watchTask(c, task.ID)
	}
	fmt.Printf("follow it with: fathomctl watch %s\n", task.ID)
	return nil
}

func cmdStatus(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("status: task id required")
	}
	var task models.Task
	if err := c.get("/api/v1/research/"+args[0], &task); err != nil {
		return err
	}

	fmt.Printf("task:      %s\n", task.ID)
	fmt.Printf("status:    %s\n", task.Status)
	fmt.Printf("query:     %s\n", task.Query)
	fmt.Printf("created:   %s\n", task.CreatedAt.Local().Format(time.RFC3339))
	if task.CompletedAt != nil {
		fmt.Printf("completed: %s\n", task.CompletedAt.Local().Format(time.RFC3339))
	}
	fmt.Printf("iteration: %d\n", task.Iteration)
	if task.Usage.TotalTokens > 0 {
		fmt.Printf("usage:     %d tokens ($%.4f)\n", task.Usage.TotalTokens, task.Usage.CostUSD)
	}
	if task.Error != "" {
		fmt.Printf("error:     %s\n", task.Error)
	}
	if task.Plan != nil {
		fmt.Println()
		printPlan(os.Stdout, task.Plan)
	}
	if task.Report != nil {
		fmt.Printf("\n--- report (%s) ---\n\n%s\n", task.Report.Format, task.Report.Content)
	}
	return nil
}

func cmdDecision(c *client, args []string, approve bool) error {
	name := "approve"
	if !approve {
		name = "reject"
	}
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("%s: task id required", name)
	}
	id := args[0]

	fs := flag.NewFlagSet(name, flag.ExitOnError)
	feedback := fs.String("feedback", "", "feedback to carry into the decision")
	fs.Parse(args[1:])

	body := decisionBody{
		Type:     models.DecisionApprove,
		Approved: &approve,
		Feedback: *feedback,
	}
	var result decisionResult
	if err := c.post("/api/v1/research/"+id+"/decision", body, &result); err != nil {
		return err
	}
	printResult(name, result)
	return nil
}

func cmdModify(c *client, args []string) error {
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("modify: task id required")
	}
	id := args[0]

	fs := flag.NewFlagSet("modify", flag.ExitOnError)
	planPath := fs.String("plan", "", "path to a JSON file with the replacement plan")
	fs.Parse(args[1:])
	if *planPath == "" {
		return fmt.Errorf("modify: -plan file required")
	}

	data, err := os.ReadFile(*planPath)
	if err != nil {
		return err
	}
	var plan models.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return fmt.Errorf("parse plan %s: %w", *planPath, err)
	}

	body := decisionBody{Type: models.DecisionModify, Plan: &plan}
	var result decisionResult
	if err := c.post("/api/v1/research/"+id+"/decision", body, &result); err != nil {
		return err
	}
	printResult("modify", result)
	return nil
}

func cmdCancel(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("cancel: task id required")
	}
	var result decisionResult
	if err := c.delete("/api/v1/research/"+args[0], &result); err != nil {
		return err
	}
	printResult("cancel", result)
	return nil
}

func cmdHistory(c *client, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", 20, "maximum tasks to list")
	offset := fs.Int("offset", 0, "tasks to skip")
	fs.Parse(args)

	var resp struct {
		Tasks []models.TaskSummary `json:"tasks"`
		Count int                  `json:"count"`
	}
	path := fmt.Sprintf("/api/v1/research/history?limit=%d&offset=%d", *limit, *offset)
	if err := c.get(path, &resp); err != nil {
		return err
	}
	if len(resp.Tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATUS\tITER\tCREATED\tQUERY")
	for _, t := range resp.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			t.TaskID, t.Status, t.Iteration,
			t.CreatedAt.Local().Format("2006-01-02 15:04"),
			truncate(t.Query, 60))
	}
	return tw.Flush()
}

func printResult(name string, r decisionResult) {
	if r.Accepted {
		fmt.Printf("%s accepted, task is %s\n", name, r.Status)
		return
	}
	fmt.Printf("%s not accepted: %s (task is %s)\n", name, r.Reason, r.Status)
}

func printPlan(w io.Writer, plan *models.Plan) {
	fmt.Fprintf(w, "plan: %s\n", plan.Goal)
	for _, st := range plan.SubTasks {
		fmt.Fprintf(w, "  %d. %s\n", st.ID, st.Description)
		for _, q := range st.SearchQueries {
			fmt.Fprintf(w, "     - %s\n", q)
		}
	}
	if plan.CompletionCriteria != "" {
		fmt.Fprintf(w, "done when: %s\n", plan.CompletionCriteria)
	}
	if plan.EstimatedIterations > 0 {
		fmt.Fprintf(w, "estimated iterations: %d\n", plan.EstimatedIterations)
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
