// Command exchangectl is a small operator CLI over a running exchange's
// Ingress API: one -action flag dispatching to a handful of single-purpose
// functions, JSON or plain-text output selected by -json, hard failure
// with a usage message when required flags are missing.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	port := flag.Int("port", 8080, "port the target exchange instance listens on")
	action := flag.String("action", "", "action to perform: status, reconnect, reputation, cancel, submit, shutdown")
	taskID := flag.String("task", "", "task id (required for -action cancel)")
	text := flag.String("text", "", "utterance text (required for -action submit)")
	jsonOutput := flag.Bool("json", false, "print the raw JSON response instead of a formatted summary")
	flag.Parse()

	if *action == "" {
		fmt.Fprintln(os.Stderr, "Usage: exchangectl -port <port> -action <status|reconnect|reputation|cancel|submit|shutdown> [-task id] [-text utterance] [-json]")
		os.Exit(1)
	}

	base := fmt.Sprintf("http://localhost:%d/api", *port)
	client := &http.Client{Timeout: 10 * time.Second}

	var body []byte
	var err error

	switch *action {
	case "status":
		body, err = get(client, base+"/status")
	case "reconnect":
		body, err = post(client, base+"/agents/reconnect", nil)
	case "reputation":
		body, err = get(client, base+"/reputation")
	case "cancel":
		if *taskID == "" {
			fmt.Fprintln(os.Stderr, "-action cancel requires -task")
			os.Exit(1)
		}
		body, err = post(client, fmt.Sprintf("%s/tasks/%s/cancel", base, *taskID), nil)
	case "submit":
		if *text == "" {
			fmt.Fprintln(os.Stderr, "-action submit requires -text")
			os.Exit(1)
		}
		payload, _ := json.Marshal(map[string]string{"text": *text})
		body, err = post(client, base+"/submit", payload)
	case "shutdown":
		body, err = post(client, base+"/shutdown", nil)
	default:
		fmt.Fprintf(os.Stderr, "unknown action: %s\n", *action)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", *action, err)
		os.Exit(1)
	}

	if *jsonOutput || len(body) == 0 {
		os.Stdout.Write(body)
		fmt.Println()
		return
	}

	var pretty map[string]interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		os.Stdout.Write(body)
		fmt.Println()
		return
	}
	printSummary(*action, pretty)
}

func get(client *http.Client, url string) ([]byte, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readResponse(resp)
}

func post(client *http.Client, url string, payload []byte) ([]byte, error) {
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readResponse(resp)
}

func readResponse(resp *http.Response) ([]byte, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s: %s", resp.Status, string(data))
	}
	return data, nil
}

func printSummary(action string, result map[string]interface{}) {
	switch action {
	case "status":
		fmt.Printf("running:      %v\n", result["running"])
		fmt.Printf("port:         %v\n", result["port"])
		fmt.Printf("agent count:  %v\n", result["agentCount"])
		fmt.Printf("queue depth:  %v\n", result["queueDepth"])
	case "reconnect":
		fmt.Printf("reconnected:       %v\n", result["reconnected"])
		fmt.Printf("failed:            %v\n", result["failed"])
		fmt.Printf("already connected: %v\n", result["alreadyConnected"])
	case "reputation":
		for agentID, score := range result {
			fmt.Printf("%-20s %v\n", agentID, score)
		}
	case "submit":
		fmt.Printf("outcome:  %v\n", result["outcome"])
		fmt.Printf("task ids: %v\n", result["taskIds"])
	default:
		data, _ := json.MarshalIndent(result, "", "  ")
		os.Stdout.Write(data)
		fmt.Println()
	}
}
