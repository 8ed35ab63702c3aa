package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/approval-engine/registry"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/types"
	"github.com/songzhibin97/approval-engine/workflow"
)

// actorFlags binds --actor and --role on a command.
type actorFlags struct {
	id    string
	roles []string
}

func (f *actorFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.id, "actor", "", "Acting user ID")
	cmd.Flags().StringSliceVar(&f.roles, "role", nil, "Roles held by the actor (repeatable)")
}

func (f *actorFlags) actor() types.Actor {
	return types.Actor{ID: f.id, Roles: f.roles}
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid entity id %q", s)
	}
	return id, nil
}

// parseAttrs turns key=value pairs into entity attributes. Numbers and
// booleans are typed so guard conditions can compare them.
func parseAttrs(pairs []string) (map[string]interface{}, error) {
	attrs := make(map[string]interface{}, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("attribute %q is not key=value", p)
		}
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			attrs[k] = n
		} else if b, err := strconv.ParseBool(v); err == nil {
			attrs[k] = b
		} else {
			attrs[k] = v
		}
	}
	return attrs, nil
}

func validateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config and every workflow definition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			evaluator := rules.NewExprEvaluator()
			for _, def := range cfg.Workflows {
				reg, err := registry.New(def, evaluator)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d stages, initial %s)\n", reg.Name(), len(reg.Stages()), reg.Initial().Name)
			}
			if len(cfg.Workflows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no workflows configured")
			}
			return nil
		},
	}
}

func stagesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stages <workflow>",
		Short: "List the stages of a workflow and where each may go",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := a.setup(cmd.Context())
			if err != nil {
				return err
			}
			reg, err := engine.Registry(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tSTAGE\tRESPONSIBLE\tEDITABLE\tNEXT")
			for _, s := range reg.Stages() {
				next := make([]string, 0, len(s.Next))
				for _, e := range s.Next {
					if e.Condition != "" {
						next = append(next, fmt.Sprintf("%s [%s]", e.To, e.Condition))
					} else {
						next = append(next, string(e.To))
					}
				}
				if len(next) == 0 {
					next = append(next, "(terminal)")
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\n", s.Sequence, s.Name, responsible(s), s.Editable, strings.Join(next, ", "))
			}
			return tw.Flush()
		},
	}
}

func responsible(s types.Stage) string {
	switch {
	case len(s.ResponsibleActors) > 0:
		return strings.Join(s.ResponsibleActors, ",")
	case s.ResponsibleRole != "":
		return "role:" + s.ResponsibleRole
	default:
		return "-"
	}
}

func createCmd(a *app) *cobra.Command {
	var (
		attrs    []string
		assignee string
	)
	cmd := &cobra.Command{
		Use:   "create <workflow>",
		Short: "Create an entity at the workflow's initial stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := a.mutate(cmd.Context())
			if err != nil {
				return err
			}
			values, err := parseAttrs(attrs)
			if err != nil {
				return err
			}
			ent, err := engine.CreateEntity(cmd.Context(), args[0], values, assignee)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "entity %d created at %s\ntoken %s\n", ent.ID, ent.CurrentStage, ent.Token)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "Entity attribute as key=value (repeatable)")
	cmd.Flags().StringVar(&assignee, "assignee", "", "Actor assigned to the initial stage")
	return cmd
}

func transitionCmd(a *app) *cobra.Command {
	var (
		who    actorFlags
		note   string
		assign string
	)
	cmd := &cobra.Command{
		Use:   "transition <entity-id> <stage>",
		Short: "Move an entity to another stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			engine, err := a.mutate(cmd.Context())
			if err != nil {
				return err
			}
			var opts []workflow.TransitionOption
			if assign != "" {
				opts = append(opts, workflow.WithAssignee(assign))
			}
			_, rec, err := engine.ExecuteTransition(cmd.Context(), id, types.StageID(args[1]), who.actor(), note, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "entity %d: %s -> %s (record %d)\n", id, rec.FromStage, rec.ToStage, rec.ID)
			return nil
		},
	}
	who.register(cmd)
	cmd.Flags().StringVar(&note, "note", "", "Note stored with the audit record")
	cmd.Flags().StringVar(&assign, "assign", "", "Actor to assign at the new stage")
	return cmd
}

func historyCmd(a *app) *cobra.Command {
	var (
		filter types.HistoryFilter
		since  string
		until  string
	)
	cmd := &cobra.Command{
		Use:   "history <entity-id>",
		Short: "Show the audit trail of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if filter.Since, err = parseTime(since); err != nil {
				return err
			}
			if filter.Until, err = parseTime(until); err != nil {
				return err
			}
			engine, err := a.setup(cmd.Context())
			if err != nil {
				return err
			}
			records, err := engine.GetHistory(cmd.Context(), id, filter)
			if err != nil {
				return err
			}
			return printHistory(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().StringVar(&filter.Actor, "actor", "", "Only records made by this actor")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "Maximum number of records (0 = all)")
	cmd.Flags().BoolVar(&filter.OldestFirst, "oldest-first", false, "Chronological order instead of newest first")
	cmd.Flags().StringVar(&since, "since", "", "Only records at or after this RFC 3339 time")
	cmd.Flags().StringVar(&until, "until", "", "Only records at or before this RFC 3339 time")
	return cmd
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339", s)
	}
	return t, nil
}

func printHistory(w io.Writer, records []types.TransitionRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTOR\tFROM\tTO\tNOTE")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Timestamp.Format(time.RFC3339), r.Actor, r.FromStage, r.ToStage, r.Note)
	}
	return tw.Flush()
}

func stageCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stage <entity-id>",
		Short: "Show the current stage of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			engine, err := a.setup(cmd.Context())
			if err != nil {
				return err
			}
			ent, err := engine.GetEntity(cmd.Context(), id)
			if err != nil {
				return err
			}
			locked, err := engine.IsLocked(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (workflow %s, locked %t", ent.CurrentStage, ent.Workflow, locked)
			if ent.AssignedActor != "" {
				fmt.Fprintf(cmd.OutOrStdout(), ", assigned to %s", ent.AssignedActor)
			}
			fmt.Fprintln(cmd.OutOrStdout(), ")")
			return nil
		},
	}
}

func availableCmd(a *app) *cobra.Command {
	var who actorFlags
	cmd := &cobra.Command{
		Use:   "available <entity-id>",
		Short: "List the stages an actor may move an entity to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			engine, err := a.setup(cmd.Context())
			if err != nil {
				return err
			}
			stages, err := engine.AvailableTransitions(cmd.Context(), id, who.actor())
			if err != nil {
				return err
			}
			if len(stages) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "none")
				return nil
			}
			for _, s := range stages {
				fmt.Fprintln(cmd.OutOrStdout(), s.Name)
			}
			return nil
		},
	}
	who.register(cmd)
	return cmd
}

func verifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <entity-id> <token>",
		Short: "Check an entity's verification token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			engine, err := a.setup(cmd.Context())
			if err != nil {
				return err
			}
			ok, err := engine.Verify(cmd.Context(), id, args[1])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("entity %d: token rejected", id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "entity %d: token valid\n", id)
			return nil
		},
	}
}

func deleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <entity-id>",
		Short: "Delete an entity and its audit history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			engine, err := a.mutate(cmd.Context())
			if err != nil {
				return err
			}
			if err := engine.DeleteEntity(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "entity %d deleted\n", id)
			return nil
		},
	}
}
