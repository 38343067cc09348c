package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"wecombot/internal/wecom"

	"github.com/spf13/cobra"
)

func whoisCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whois [user]",
		Short: "Look up a WeCom user and their departments",
		Long:  "Resolves a user id through the directory cache, the same path the welcome reply uses.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			svc, err := buildServices(ctx, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			out, err := describeUser(ctx, svc.directory, args[0])
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

// describeUser formats a user and their department names. A department that
// cannot be resolved is shown by id.
func describeUser(ctx context.Context, dir *wecom.Directory, userID string) (string, error) {
	u, err := dir.User(ctx, userID)
	if err != nil {
		return "", err
	}

	depts := make([]string, 0, len(u.Department))
	for _, id := range u.Department {
		d, err := dir.Department(ctx, id)
		if err != nil || d.Name == "" {
			depts = append(depts, strconv.Itoa(id))
			continue
		}
		depts = append(depts, fmt.Sprintf("%s (%d)", d.Name, id))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%-12s %s\n", "user:", u.UserID)
	fmt.Fprintf(&sb, "%-12s %s\n", "name:", u.Name)
	if u.Position != "" {
		fmt.Fprintf(&sb, "%-12s %s\n", "position:", u.Position)
	}
	if len(depts) > 0 {
		fmt.Fprintf(&sb, "%-12s %s\n", "departments:", strings.Join(depts, ", "))
	}
	return sb.String(), nil
}
