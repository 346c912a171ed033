package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"LLM-Orchestra/sdk/go/orchestra"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "orchestrad address")
	session := flag.String("session", "sdk-demo", "session id")
	flag.Parse()

	client, err := orchestra.NewClient(*baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}
	client.SetSession(*session)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	preview, err := client.Run(ctx, orchestra.CommandRequest{Command: "find the Q4 report and share it with the team", DryRun: true})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("dry-run status=%s\n", preview.Status)
	for _, step := range preview.Steps {
		fmt.Printf("  %d. %s.%s: %s\n", step.Index, step.Service, step.Action, step.Summary)
	}

	task, err := client.Submit(ctx, orchestra.CommandRequest{Command: "what's my next meeting"})
	if err != nil {
		log.Fatal(err)
	}
	done, err := client.WaitTask(ctx, task.ID, 200*time.Millisecond)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("task %s finished with %s\n", done.ID, done.Status)
	if done.Outcome != nil {
		fmt.Printf("  outcome: %s %s\n", done.Outcome.Status, done.Outcome.Message)
	}
}
