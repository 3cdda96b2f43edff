// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/teradata-labs/tapestry/pkg/events"
	"github.com/teradata-labs/tapestry/pkg/mission"
	"github.com/teradata-labs/tapestry/pkg/types"
)

// defaultServer is where the client commands look for a running core.
const defaultServer = "http://localhost:8080"

// client is a thin JSON caller against the serve API.
type client struct {
	base string
	http *http.Client
}

func newClient(server string) *client {
	if server == "" {
		server = os.Getenv("TAPESTRY_SERVER")
	}
	if server == "" {
		server = defaultServer
	}
	return &client{base: server, http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *client) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func submitCmd() *cobra.Command {
	var (
		server  string
		project string
		wsjf    types.WSJF
		noStart bool
	)
	cmd := &cobra.Command{
		Use:   "submit <workflow-id>",
		Short: "Create and start a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := !noStart
			var m types.MissionRun
			err := newClient(server).do(http.MethodPost, "/v1/missions", createMissionRequest{
				ProjectID:  project,
				WorkflowID: args[0],
				WSJF:       wsjf,
				Start:      &start,
			}, &m)
			if err != nil {
				return err
			}
			fmt.Printf("mission %s %s (workflow %s)\n", m.ID, m.Status, m.WorkflowID)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "core address (default $TAPESTRY_SERVER or "+defaultServer+")")
	cmd.Flags().StringVar(&project, "project", "", "project the mission belongs to")
	cmd.Flags().IntVar(&wsjf.BusinessValue, "business-value", 1, "WSJF business value")
	cmd.Flags().IntVar(&wsjf.TimeCriticality, "time-criticality", 1, "WSJF time criticality")
	cmd.Flags().IntVar(&wsjf.RiskReduction, "risk-reduction", 0, "WSJF risk reduction")
	cmd.Flags().IntVar(&wsjf.JobDuration, "duration", 1, "WSJF job duration")
	cmd.Flags().BoolVar(&noStart, "no-start", false, "create the mission without admitting it")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func statusCmd() *cobra.Command {
	var (
		server    string
		numEvents int
	)
	cmd := &cobra.Command{
		Use:   "status <mission-id>",
		Short: "Show a mission's phase, sprint, and recent events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view mission.View
			path := fmt.Sprintf("/v1/missions/%s?events=%d", url.PathEscape(args[0]), numEvents)
			if err := newClient(server).do(http.MethodGet, path, nil, &view); err != nil {
				return err
			}
			printView(&view)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "core address")
	cmd.Flags().IntVar(&numEvents, "events", 20, "how many recent events to show")
	return cmd
}

func printView(view *mission.View) {
	m := view.Run
	fmt.Printf("mission   %s\n", m.ID)
	fmt.Printf("status    %s\n", m.Status)
	if view.Phase != "" {
		fmt.Printf("phase     %s (index %d, sprint %d)\n", view.Phase, m.PhaseIndex, m.Sprint)
	}
	if view.Checkpoint != nil {
		fmt.Printf("awaiting  checkpoint %s (phase index %d)\n", view.Checkpoint.ID, view.Checkpoint.PhaseIndex)
	}
	for _, issue := range m.Issues {
		fmt.Printf("issue     %s\n", issue)
	}
	if len(view.Sprints) > 0 {
		fmt.Println("sprints:")
		for _, sp := range view.Sprints {
			fmt.Printf("  phase %d sprint %d: %s (velocity %d)\n",
				sp.PhaseIndex, sp.Number, sp.Status, sp.Velocity)
		}
	}
	if len(view.Events) > 0 {
		fmt.Println("events:")
		for _, ev := range view.Events {
			printEvent(ev)
		}
	}
}

func printEvent(ev events.Event) {
	line := fmt.Sprintf("  %s  %s", ev.CreatedAt.Format(time.RFC3339), ev.Type)
	if phase, ok := ev.Payload["phase"].(string); ok {
		line += "  " + phase
	}
	fmt.Println(line)
}

func listCmd() *cobra.Command {
	var (
		server string
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			q.Set("limit", fmt.Sprint(limit))
			var out struct {
				Missions []*types.MissionRun `json:"missions"`
			}
			if err := newClient(server).do(http.MethodGet, "/v1/missions?"+q.Encode(), nil, &out); err != nil {
				return err
			}
			if len(out.Missions) == 0 {
				fmt.Println("no missions")
				return nil
			}
			for _, m := range out.Missions {
				fmt.Printf("%s  %-16s  %s/%s  phase %d sprint %d\n",
					m.ID, m.Status, m.ProjectID, m.WorkflowID, m.PhaseIndex, m.Sprint)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "core address")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (comma-separated)")
	cmd.Flags().IntVar(&limit, "limit", defaultListLimit, "maximum missions to return")
	return cmd
}

func pauseCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "pause <mission-id>",
		Short: "Pause a running or queued mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/missions/" + url.PathEscape(args[0]) + "/pause"
			if err := newClient(server).do(http.MethodPost, path, nil, nil); err != nil {
				return err
			}
			fmt.Printf("mission %s pausing\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "core address")
	return cmd
}

func resumeCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "resume <mission-id>",
		Short: "Re-admit a paused mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/missions/" + url.PathEscape(args[0]) + "/resume"
			if err := newClient(server).do(http.MethodPost, path, nil, nil); err != nil {
				return err
			}
			fmt.Printf("mission %s resuming\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "core address")
	return cmd
}

func approveCmd() *cobra.Command {
	var (
		server string
		reject bool
		by     string
	)
	cmd := &cobra.Command{
		Use:   "approve <mission-id> <checkpoint-id>",
		Short: "Decide a pending checkpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision := mission.DecisionAccept
			if reject {
				decision = mission.DecisionReject
			}
			path := fmt.Sprintf("/v1/missions/%s/checkpoints/%s",
				url.PathEscape(args[0]), url.PathEscape(args[1]))
			err := newClient(server).do(http.MethodPost, path, approveRequest{
				Decision:  decision,
				DecidedBy: by,
			}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("checkpoint %s: %s\n", args[1], decision)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "core address")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of accept")
	cmd.Flags().StringVar(&by, "by", "", "who decided")
	return cmd
}
