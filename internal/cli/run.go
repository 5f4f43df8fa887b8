package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thruflo/loom/internal/agent"
	"github.com/thruflo/loom/internal/config"
	"github.com/thruflo/loom/internal/editor"
	"github.com/thruflo/loom/internal/gitx"
	"github.com/thruflo/loom/internal/linear"
	"github.com/thruflo/loom/internal/logging"
	"github.com/thruflo/loom/internal/loop"
	"github.com/thruflo/loom/internal/planner"
	"github.com/thruflo/loom/internal/state"
	"github.com/thruflo/loom/internal/verify"
)

// maxReplans bounds the interactive plan/review cycle.
const maxReplans = 3

var runFlags struct {
	maxIterations     int
	model             string
	effort            string
	push              bool
	dryRun            bool
	skipVerify        bool
	skipPlan          bool
	interactive       bool
	alwaysInteractive bool
	yolo              bool
	fallbackTools     bool
	worktree          bool
	preflight         bool
}

var runCmd = &cobra.Command{
	Use:   "run TICKET",
	Short: "Run the work loop for a ticket",
	Long: `Fetches the ticket, plans (or resumes) an implementation, and iterates:
work, verify, commit, save state. Exit code 0 when all steps complete,
2 on the iteration limit, 3 when the agent is blocked.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.IntVarP(&runFlags.maxIterations, "max-iterations", "n", 0, "override the configured iteration limit")
	f.StringVar(&runFlags.model, "model", "sonnet", "agent model")
	f.StringVar(&runFlags.effort, "effort", "", "agent effort level")
	f.BoolVar(&runFlags.push, "push", false, "push after each commit")
	f.BoolVar(&runFlags.dryRun, "dry-run", false, "print ticket, plan and state without executing")
	f.BoolVar(&runFlags.skipVerify, "skip-verify", false, "skip the verification pipeline")
	f.BoolVar(&runFlags.skipPlan, "skip-plan", false, "map subtasks directly to steps instead of planning")
	f.BoolVar(&runFlags.interactive, "interactive", false, "review planning assumptions interactively")
	f.BoolVar(&runFlags.alwaysInteractive, "always-interactive", false, "review every iteration's assumptions interactively")
	f.BoolVar(&runFlags.yolo, "yolo", false, "bypass agent permission prompts")
	f.BoolVar(&runFlags.fallbackTools, "fallback-tools", false, "restrict the agent to the configured tool list instead of --yolo")
	f.BoolVar(&runFlags.worktree, "worktree", false, "run in an isolated worktree under /tmp/loom")
	f.BoolVar(&runFlags.preflight, "preflight", false, "run applicable tests before the first iteration")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := logging.New()

	env, err := config.LoadEnv(ctx)
	if err != nil {
		return err
	}
	if env.Debug {
		log.SetLevel(logging.LevelDebug)
	}

	lin, err := linearClient(env, log)
	if err != nil {
		return err
	}

	resolver := config.NewResolver()
	stack, stackOverrides, err := resolver.Stack()
	if err != nil {
		return err
	}
	prompts, promptOverrides, err := resolver.Prompts()
	if err != nil {
		return err
	}
	schemas, err := resolver.Schemas()
	if err != nil {
		return err
	}
	for _, o := range append(stackOverrides, promptOverrides...) {
		log.Debug("config override", "path", o.Path, "layer", o.Layer)
	}
	if runFlags.maxIterations > 0 {
		stack.Limits.MaxIterations = runFlags.maxIterations
	}

	ticket, err := lin.FetchTicket(ctx, args[0])
	if err != nil {
		return err
	}
	log.Info("ticket", "id", ticket.ID, "title", ticket.Title, "subtasks", len(ticket.Subtasks))

	repo, err := gitx.Open(".")
	if err != nil {
		return err
	}
	baseBranch, err := repo.CurrentBranch()
	if err != nil {
		return err
	}

	tracker := &agent.TokenTracker{}
	client := agent.NewClient(env.ClaudeBin, tracker, log, env.Debug)
	agentOpts, err := buildAgentOpts(prompts)
	if err != nil {
		return err
	}

	branch, resumedBranch, err := ensureBranch(ctx, repo, client, schemas, prompts, ticket)
	if err != nil {
		return err
	}
	if gitx.TicketBranch(baseBranch, ticket.ID) {
		// Started from a ticket branch; the base is unknown, assume main.
		baseBranch = "main"
	}
	log.Info("branch", "name", branch, "resumed", resumedBranch, "base", baseBranch)

	store := state.NewStore(lin, log)
	st, err := loadState(ctx, store, ticket, branch, resumedBranch)
	if err != nil {
		return err
	}

	if runFlags.dryRun {
		printDryRun(os.Stdout, ticket, branch, st)
		return nil
	}

	if st == nil {
		st, err = buildPlan(ctx, client, prompts, schemas, agentOpts, ticket, log)
		if err != nil {
			return err
		}
		if err := store.Save(ctx, ticket.UUID, branch, st); err != nil {
			return err
		}
	}

	workDir := repo.Path()
	if runFlags.worktree {
		session := gitx.NewSessionName()
		workDir, err = gitx.CreateSessionWorktree(ctx, repo.Path(), session)
		if err != nil {
			return err
		}
		defer func() {
			if err := gitx.RemoveSessionWorktree(context.Background(), repo.Path(), workDir); err != nil {
				log.Warn("removing worktree failed", "cause", err)
			}
		}()
		if repo, err = gitx.Open(workDir); err != nil {
			return err
		}
		if err := repo.Checkout(branch); err != nil {
			return err
		}
	}

	pipeline := verify.NewPipeline(workDir, stack, prompts, schemas, client,
		verify.Options{
			Model:         runFlags.model,
			Effort:        runFlags.effort,
			Yolo:          agentOpts.Yolo,
			FallbackTools: agentOpts.AllowedTools,
		},
		repo.ChangedFiles,
		func(ctx context.Context) string { return gitx.DiffHead(ctx, workDir, 30_000) },
		log,
	)

	if !runFlags.skipVerify {
		if err := pipeline.Setup(ctx); err != nil {
			return err
		}
	}
	if runFlags.preflight {
		changed, err := repo.ChangedFiles()
		if err != nil {
			return err
		}
		if failures := pipeline.Preflight(ctx, changed); len(failures) > 0 {
			names := make([]string, len(failures))
			for i, f := range failures {
				names[i] = f.Name
			}
			return fmt.Errorf("preflight failed: %s", strings.Join(names, ", "))
		}
	}

	l := loop.New(loop.Config{
		Ticket:            ticket,
		Branch:            branch,
		BaseBranch:        baseBranch,
		Stack:             stack,
		Prompts:           prompts,
		Schemas:           schemas,
		AgentOpts:         agentOpts,
		SkipVerify:        runFlags.skipVerify,
		AlwaysInteractive: runFlags.alwaysInteractive,
		Push:              runFlags.push,
		SnapshotDir:       ".loom",
		AuthorName:        "loom",
		AuthorEmail:       "loom@localhost",
	}, client, pipeline, repo, store, lin, log)

	reason, err := l.Run(ctx, st)
	if err != nil {
		return err
	}

	usage := tracker.Total()
	log.Info("run finished", "reason", string(reason),
		"iterations", st.Iterations, "tokens", usage.Total(), "cost_usd", fmt.Sprintf("%.2f", usage.CostUSD))

	if code := reason.Code(); code != 0 {
		return &ExitError{Code: code, Reason: string(reason)}
	}
	return nil
}

func linearClient(env *config.Env, log *logging.Logger) (*linear.Client, error) {
	tokenPath, err := linear.TokenPath()
	if err != nil {
		return nil, err
	}
	stored, err := linear.LoadToken(tokenPath)
	if err != nil {
		return nil, err
	}
	auth, err := linear.AuthHeader(env.LinearAPIKey, stored)
	if err != nil {
		return nil, err
	}
	return linear.NewClient(env.LinearEndpoint, auth, log), nil
}

func buildAgentOpts(prompts config.Prompts) (agent.Options, error) {
	opts := agent.Options{
		Model:  runFlags.model,
		Effort: runFlags.effort,
		Yolo:   runFlags.yolo,
	}
	if runFlags.fallbackTools {
		tools, ok := prompts.String("config", "fallback_tools")
		if !ok {
			return opts, fmt.Errorf("prompts: config.fallback_tools not configured")
		}
		opts.Yolo = false
		opts.AllowedTools = tools
	}
	return opts, nil
}

// ensureBranch reuses the newest existing branch for the ticket or
// creates a fresh one named {ticket}-{slug}, suffixed on collision.
func ensureBranch(ctx context.Context, repo *gitx.Repo, client *agent.Client, schemas map[string]map[string]any, prompts config.Prompts, ticket *linear.Ticket) (branch string, resumed bool, err error) {
	current, err := repo.CurrentBranch()
	if err != nil {
		return "", false, err
	}
	if gitx.TicketBranch(current, ticket.ID) {
		return current, true, nil
	}

	prefix := strings.ToLower(ticket.ID)
	existing, err := repo.Branches(prefix)
	if err != nil {
		return "", false, err
	}
	if len(existing) > 0 {
		latest := existing[len(existing)-1]
		if err := repo.Checkout(latest); err != nil {
			return "", false, err
		}
		return latest, true, nil
	}

	name := gitx.NextSuffix(gitx.BranchName(ticket.ID, branchSlug(ctx, client, schemas, prompts, ticket)), existing)
	if err := repo.CreateBranch(name); err != nil {
		return "", false, err
	}
	return name, false, nil
}

// branchSlug asks the agent for a short slug, falling back to a
// deterministic one from the title.
func branchSlug(ctx context.Context, client *agent.Client, schemas map[string]map[string]any, prompts config.Prompts, ticket *linear.Ticket) string {
	fallback := gitx.Slugify(ticket.Title, gitx.MaxBranchLen-len(ticket.ID)-1)

	tmpl, err := prompts.Template("slug")
	if err != nil {
		return fallback
	}
	prompt := config.RenderTemplate(tmpl, map[string]string{
		"title":       ticket.Title,
		"description": ticket.Description,
		"max_len":     fmt.Sprint(gitx.MaxBranchLen - len(ticket.ID) - 1),
	})

	var result agent.SlugResult
	err = client.RunStructured(ctx, prompt, agent.Options{
		Op:     "slug",
		Model:  "haiku",
		Schema: schemas["slug"],
	}, &result)
	if err != nil {
		return fallback
	}
	return gitx.Slugify(result.Slug, gitx.MaxBranchLen-len(ticket.ID)-1)
}

// loadState finds resumable state: the local snapshot first, then the
// ticket comment. Returns nil when the branch is fresh.
func loadState(ctx context.Context, store *state.Store, ticket *linear.Ticket, branch string, resumed bool) (*state.WorkState, error) {
	if !resumed {
		return nil, nil
	}
	if snap, err := state.LoadSnapshot(".loom", branch); err == nil && snap != nil {
		return snap, nil
	}
	return store.Load(ctx, ticket.UUID, branch)
}

// buildPlan runs the planning phase, optionally cycling through
// interactive assumption review and replanning.
func buildPlan(ctx context.Context, client *agent.Client, prompts config.Prompts, schemas map[string]map[string]any, agentOpts agent.Options, ticket *linear.Ticket, log *logging.Logger) (*state.WorkState, error) {
	if runFlags.skipPlan {
		if len(ticket.Subtasks) == 0 {
			return nil, fmt.Errorf("--skip-plan requires subtasks on %s", ticket.ID)
		}
		plan := planner.StepsFromSubtasks(ticket.Subtasks)
		log.Info("plan from subtasks", "steps", len(plan.Steps))
		return &state.WorkState{Plan: plan}, nil
	}

	p := planner.New(client, prompts, schemas, agentOpts, log)

	var prior []state.Assumption
	for attempt := 0; ; attempt++ {
		out, err := p.Plan(ctx, ticket, prior)
		if err != nil {
			return nil, err
		}
		log.Info("plan", "steps", len(out.Plan.Steps), "assumptions", len(out.Assumptions))

		if !runFlags.interactive && !runFlags.alwaysInteractive {
			return &state.WorkState{Plan: out.Plan, Assumptions: out.Assumptions, Exploration: out.Exploration}, nil
		}

		res, err := editor.Review(out.Assumptions, fmt.Sprintf("%s: %s", ticket.ID, ticket.Title), os.Stderr)
		if err != nil {
			return nil, err
		}
		switch res.Action {
		case editor.ActionAbort:
			return nil, fmt.Errorf("assumption review aborted")
		case editor.ActionReplan:
			if attempt+1 >= maxReplans {
				return nil, fmt.Errorf("replan limit (%d) reached", maxReplans)
			}
			prior = res.Assumptions
			log.Info("replanning with reviewed assumptions", "attempt", attempt+1)
			continue
		}
		return &state.WorkState{Plan: out.Plan, Assumptions: res.Assumptions, Exploration: out.Exploration}, nil
	}
}

// printDryRun renders the ticket, plan and state without executing.
func printDryRun(w *os.File, ticket *linear.Ticket, branch string, st *state.WorkState) {
	fmt.Fprintf(w, "Ticket  %s: %s\n", ticket.ID, ticket.Title)
	fmt.Fprintf(w, "Branch  %s\n\n", branch)

	if st == nil {
		fmt.Fprintln(w, "No saved state. A fresh run would plan from scratch.")
		if len(ticket.Subtasks) > 0 {
			t := newTable(w, []string{"Subtask", "Title", "Blocked by"})
			for _, sub := range ticket.Subtasks {
				_ = t.Append([]string{sub.ID, sub.Title, strings.Join(sub.BlockedBy, ", ")})
			}
			_ = t.Render()
		}
		return
	}

	t := newTable(w, []string{"Step", "Ticket", "Done", "Description"})
	for _, s := range st.Plan.Steps {
		done := " "
		if s.Done {
			done = "x"
		}
		_ = t.Append([]string{fmt.Sprint(s.ID), s.Ticket, done, s.Description})
	}
	_ = t.Render()

	fmt.Fprintln(w)
	info := newTable(w, []string{"Field", "Value"})
	_ = info.Append([]string{"Iterations", fmt.Sprint(st.Iterations)})
	_ = info.Append([]string{"Current step", fmt.Sprint(st.CurrentStep)})
	_ = info.Append([]string{"Assumptions", fmt.Sprint(len(st.Assumptions))})
	_ = info.Render()

	if len(st.Log) > 0 {
		fmt.Fprintln(w, "\nRecent log:")
		for i, entry := range st.Log {
			if i == 5 {
				break
			}
			fmt.Fprintf(w, "  %s\n", entry)
		}
	}
}
