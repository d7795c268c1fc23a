package main

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/streaming"
)

func cmdWatch(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("watch: task id required")
	}
	return watchTask(c, args[0])
}

// watchTask tails a task's WebSocket stream until the task reaches a terminal
// status. When the stream announces a plan it prompts on stdin for a decision
// and sends it back over the same connection; with no usable stdin the stream
// is tailed read-only and decisions are left to other clients.
func watchTask(c *client, id string) error {
	conn, err := dialStream(c, id)
	if err != nil {
		return err
	}
	defer conn.Close()

	stdin := bufio.NewReader(os.Stdin)
	interactive := true

	for {
		var ev streaming.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("stream closed: %w", err)
		}

		printEvent(ev)

		switch ev.Type {
		case streaming.TypePlanReady, streaming.TypePlanUpdated:
			if !interactive || ev.Payload == nil || ev.Payload.Plan == nil {
				continue
			}
			if err := promptDecision(conn, stdin, ev.Payload.Plan); err != nil {
				// Piped or closed stdin: keep tailing, stop prompting.
				fmt.Fprintf(os.Stderr, "stdin unavailable, tailing read-only: %v\n", err)
				interactive = false
			}
		case streaming.TypeStatusUpdate:
			if ev.Payload != nil && terminalStatus(ev.Payload.Step) {
				return nil
			}
		}
	}
}

func dialStream(c *client, id string) (*websocket.Conn, error) {
	wsBase := strings.Replace(c.base, "http", "ws", 1)
	wsURL := wsBase + "/api/v1/research/" + id + "/ws"
	if c.key != "" {
		// Browsers cannot set headers on WebSocket upgrades, so the server
		// accepts the key as a query parameter on stream paths.
		wsURL += "?api_key=" + url.QueryEscape(c.key)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connect %s: %s", wsURL, resp.Status)
		}
		return nil, fmt.Errorf("connect %s: %w", wsURL, err)
	}
	return conn, nil
}

// promptDecision walks the operator through approving, rejecting, or
// cancelling a proposed plan and writes the decision to the stream.
func promptDecision(conn *websocket.Conn, stdin *bufio.Reader, plan *models.Plan) error {
	fmt.Println()
	printPlan(os.Stdout, plan)

	for {
		fmt.Print("\napprove this plan? [y]es / [n]o / [c]ancel task: ")
		line, err := stdin.ReadString('\n')
		if err != nil {
			return err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			approved := true
			return conn.WriteJSON(decisionBody{Type: models.DecisionApprove, Approved: &approved})
		case "n", "no":
			fmt.Print("feedback for the revised plan (optional): ")
			feedback, err := stdin.ReadString('\n')
			if err != nil {
				return err
			}
			approved := false
			return conn.WriteJSON(decisionBody{
				Type:     models.DecisionApprove,
				Approved: &approved,
				Feedback: strings.TrimSpace(feedback),
			})
		case "c", "cancel":
			return conn.WriteJSON(decisionBody{Type: models.DecisionCancel})
		default:
			fmt.Println("please answer y, n, or c")
		}
	}
}

func printEvent(ev streaming.Event) {
	ts := ev.Timestamp.Local().Format("15:04:05")

	switch ev.Type {
	case streaming.TypeStatusUpdate:
		step := ev.Message
		if ev.Payload != nil && ev.Payload.Step != "" {
			step = ev.Payload.Step
		}
		fmt.Printf("%s  status  %s\n", ts, step)
	case streaming.TypeProgress:
		if p := progressOf(ev); p != nil {
			fmt.Printf("%s  search  iteration %d/%d: %s\n", ts, p.Iteration, p.MaxIterations, p.CurrentTask)
		} else {
			fmt.Printf("%s  search  %s\n", ts, ev.Message)
		}
	case streaming.TypePlanReady:
		fmt.Printf("%s  plan    proposed, awaiting approval\n", ts)
	case streaming.TypePlanUpdated:
		fmt.Printf("%s  plan    updated, awaiting approval\n", ts)
	case streaming.TypeReportReady:
		fmt.Printf("%s  report  ready\n", ts)
		if ev.Payload != nil && ev.Payload.Report != nil {
			fmt.Printf("\n%s\n", ev.Payload.Report.Report)
		}
	case streaming.TypeError:
		msg := ev.Message
		if ev.Payload != nil && ev.Payload.Error != "" {
			msg = ev.Payload.Error
		}
		fmt.Printf("%s  error   %s\n", ts, msg)
	case streaming.TypeAck:
		if ev.Payload != nil && ev.Payload.Ack != nil {
			ack := ev.Payload.Ack
			verdict := "accepted"
			if !ack.Accepted {
				verdict = "refused: " + ack.Reason
			}
			fmt.Printf("%s  ack     %s %s\n", ts, ack.Decision, verdict)
		}
	default:
		fmt.Printf("%s  %s  %s\n", ts, ev.Type, ev.Message)
	}
}

func progressOf(ev streaming.Event) *models.Progress {
	if ev.Payload == nil {
		return nil
	}
	return ev.Payload.Progress
}

func terminalStatus(status string) bool {
	switch models.Status(status) {
	case models.StatusCompleted, models.StatusFailed, models.StatusCancelled:
		return true
	}
	return false
}
