package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/gravity-controller/internal/statusrpc"
)

var (
	statusAddr    string
	statusJSON    bool
	statusTimeout time.Duration

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Query breaker status from a running gravity serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := statusrpc.NewClient(statusAddr)
			if err != nil {
				return err
			}
			defer c.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
			defer cancel()
			return runStatus(ctx, cmd.OutOrStdout(), c, statusJSON)
		},
	}
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusAddr, "addr", envOr("GRAVITY_ADDR", "localhost:50061"), "status server address")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON instead of table")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 5*time.Second, "rpc timeout")
}

func runStatus(ctx context.Context, w io.Writer, c *statusrpc.Client, jsonOut bool) error {
	r, err := c.Breakers(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(w, r)
	}

	fmt.Fprintf(w, "Version:    %s\n", r.VersionID)
	fmt.Fprintf(w, "Step:       %d\n\n", r.Step)
	if len(r.Breakers) == 0 {
		fmt.Fprintln(w, "no variables published")
		return nil
	}

	vars := make([]string, 0, len(r.Breakers))
	for v := range r.Breakers {
		vars = append(vars, v)
	}
	sort.Strings(vars)

	fmt.Fprintf(w, "%-14s  %-8s  %-20s  %5s  %8s  %s\n",
		"Variable", "State", "Reason", "Trips", "Cooldown", "Health")
	fmt.Fprintf(w, "%-14s+-%-8s+-%-20s+-%5s+-%8s+-%s\n",
		"--------------", "--------", "--------------------", "-----", "--------", "-----------")
	for _, v := range vars {
		b := r.Breakers[v]
		health := "SERVING"
		if ok, err := c.Serving(ctx, v); err != nil {
			health = "UNKNOWN"
		} else if !ok {
			health = "NOT_SERVING"
		}
		reason := string(b.TripReason)
		if reason == "" {
			reason = "—"
		}
		fmt.Fprintf(w, "%-14s  %-8s  %-20s  %5d  %8d  %s\n",
			v, b.StateName, reason, b.Trips, b.CooldownRemaining, health)
	}
	return nil
}
