// Command reaper lists and removes containers the engine created. It only
// touches containers carrying the engine's managed label.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"leviathan/config"
	"leviathan/executor"

	"github.com/fatih/color"
)

const usage = `Usage: reaper <command>

  list                  show managed containers
  prune [older-than]    remove managed containers, optionally only those older than a duration (e.g. 2h)
  kill <container-id>   remove one managed container`

var (
	bold = color.New(color.Bold).SprintFunc()
	ok   = color.New(color.FgGreen).SprintFunc()
	warn = color.New(color.FgYellow).SprintFunc()
	bad  = color.New(color.FgRed).SprintFunc()
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Println(bad("Error:"), err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cm := executor.Connect(ctx, executor.ManagerConfig{
		Hosts:       cfg.Docker.Hosts,
		PingTimeout: cfg.Docker.PingTimeout,
		StopTimeout: cfg.Docker.StopTimeout,
	})
	defer cm.Close()
	if !cm.Connected() {
		fmt.Println(bad("No container daemon reachable"))
		os.Exit(1)
	}

	switch os.Args[1] {
	case "list":
		err = list(ctx, cm)
	case "prune":
		var olderThan time.Duration
		if len(os.Args) > 2 {
			if olderThan, err = time.ParseDuration(os.Args[2]); err != nil {
				break
			}
		}
		err = prune(ctx, cm, olderThan)
	case "kill":
		if len(os.Args) < 3 {
			fmt.Println(usage)
			os.Exit(1)
		}
		err = kill(ctx, cm, os.Args[2])
	default:
		fmt.Println("Unknown command.")
		fmt.Println(usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Println(bad("Error:"), err)
		os.Exit(1)
	}
}

func list(ctx context.Context, cm *executor.ContainerManager) error {
	containers, err := cm.ListManaged(ctx, true)
	if err != nil {
		return err
	}
	if len(containers) == 0 {
		fmt.Println(ok("No managed containers"))
		return nil
	}
	fmt.Printf("%s\n", bold(fmt.Sprintf("%-12s %-12s %-10s %-12s %-10s %s", "ID", "KIND", "LANGUAGE", "ROOM", "STATE", "AGE")))
	now := time.Now()
	for _, c := range containers {
		state := c.State
		if state != "running" {
			state = warn(state)
		}
		fmt.Printf("%-12s %-12s %-10s %-12s %-10s %s\n",
			short(c.ID), c.Kind, dash(c.Language), dash(short(c.RoomID)), state, now.Sub(c.Created).Round(time.Second))
	}
	return nil
}

// stale picks containers created before cutoff. A zero cutoff picks all.
func stale(containers []executor.ManagedContainer, cutoff time.Time) []executor.ManagedContainer {
	var out []executor.ManagedContainer
	for _, c := range containers {
		if cutoff.IsZero() || c.Created.Before(cutoff) {
			out = append(out, c)
		}
	}
	return out
}

func prune(ctx context.Context, cm *executor.ContainerManager, olderThan time.Duration) error {
	containers, err := cm.ListManaged(ctx, true)
	if err != nil {
		return err
	}
	var cutoff time.Time
	if olderThan > 0 {
		cutoff = time.Now().Add(-olderThan)
	}
	targets := stale(containers, cutoff)

	removed := 0
	for _, c := range targets {
		if err := cm.Destroy(ctx, c.ID); err != nil {
			fmt.Println(bad("failed"), short(c.ID), err)
			continue
		}
		removed++
		fmt.Println(ok("removed"), short(c.ID), c.Kind, dash(c.Language))
	}
	fmt.Printf("%s %d of %d managed containers\n", bold("Pruned"), removed, len(containers))
	return nil
}

func kill(ctx context.Context, cm *executor.ContainerManager, id string) error {
	containers, err := cm.ListManaged(ctx, true)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if c.ID == id || short(c.ID) == id {
			if err := cm.Destroy(ctx, c.ID); err != nil {
				return err
			}
			fmt.Println(ok("removed"), short(c.ID))
			return nil
		}
	}
	return fmt.Errorf("%s is not a managed container", id)
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
