package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	shellwords "github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
)

var dataDir string

var rootCmd = &cobra.Command{
	Use:   "cmdq",
	Short: "Build and run DAGs of shell commands on serial, tmux, or slurm backends",
	Long: `cmdq compiles a directed acyclic graph of shell commands into
self-contained bash artifacts that enforce dependency ordering, record
per-job pass/fail state, and can be inspected before execution.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		dataDir, err = GetDataDir()
		if err != nil {
			log.Fatalf("Failed to get data directory: %v", err)
		}
		if err := initDB(dataDir); err != nil {
			log.Fatalf("Failed to initialize DB: %v", err)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		CloseDB()
	},
}

var newCmd = &cobra.Command{
	Use:   "new queue-name",
	Short: "Create a new named queue",
	Long:  `Create (or reset) a named queue definition. Use --header to run a setup command in every session, e.g. activating a virtualenv.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		header, err := cmd.Flags().GetString("header")
		if err != nil {
			log.Fatalf("failed to get header flag: %v", err)
		}
		if err := CreateQueueRecord(args[0], header); err != nil {
			log.Fatalf("Failed to create queue: %v", err)
		}
		fmt.Printf("Queue created: %s\n", args[0])
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit queue-name [flags] -- command...",
	Short: "Add a command to a queue",
	Long: `Append a shell command to a named queue. The command is everything
after --, or a single quoted string via --command. Dependencies refer to
other jobs in the same queue by name.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		queueName := args[0]
		command, err := cmd.Flags().GetString("command")
		if err != nil {
			log.Fatalf("failed to get command flag: %v", err)
		}

		rest := args[1:]
		if dash := cmd.ArgsLenAtDash(); dash >= 0 && dash <= len(args) {
			rest = args[dash:]
		}
		if command == "" && len(rest) > 0 {
			parts := make([]string, 0, len(rest))
			for _, arg := range rest {
				parts = append(parts, shQuote(arg))
			}
			command = strings.Join(parts, " ")
		}
		if command == "" {
			log.Fatalln("No command given; pass it after -- or via --command")
		}
		// Reject unparseable shell early instead of at run time.
		if _, err := shellwords.Parse(command); err != nil {
			log.Fatalf("Command does not parse as shell: %v", err)
		}

		name, _ := cmd.Flags().GetString("name")
		depends, _ := cmd.Flags().GetStringSlice("depends")
		tags, _ := cmd.Flags().GetStringSlice("tags")

		job := storedJob{Name: name, Command: command, Depends: depends, Tags: tags}
		if err := AppendQueueJob(queueName, job); err != nil {
			log.Fatalf("Failed to submit job: %v", err)
		}
		fmt.Printf("Job submitted to %s\n", queueName)
	},
}

var showCmd = &cobra.Command{
	Use:   "show [queue-name]",
	Short: "Show the scripts a queue would generate",
	Long:  `Render every artifact the chosen backend would write, plus the dependency graph, without running anything.`,
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		q := buildQueueFromFlags(cmd, args)
		if err := q.PrintCommands(os.Stdout); err != nil {
			log.Fatalf("Failed to render queue: %v", err)
		}
		if err := q.PrintGraph(os.Stdout); err != nil {
			log.Fatalf("Failed to render graph: %v", err)
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run [queue-name]",
	Short: "Run a queue on the chosen backend",
	Long: `Materialize the queue's scripts under a fresh session directory and
execute them. Exit code is 0 when every job passed, 1 when any failed.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		q := buildQueueFromFlags(cmd, args)

		detach, _ := cmd.Flags().GetBool("detach")
		keep, _ := cmd.Flags().GetBool("keep")
		if keep {
			q.Tmux.OnFail = "keep"
		}

		if !q.IsAvailable() {
			log.Fatalf("Backend %q is not available on this machine", q.Kind)
		}

		opts := RunOptions{Block: !detach, Verbose: true}
		if q.Kind == BackendTmux && !detach {
			// Spawn detached, then watch progress ourselves so the user
			// sees a live summary line.
			if _, err := q.Run(RunOptions{Block: false}); err != nil {
				log.Fatalf("Failed to run queue: %v", err)
			}
			MonitorQueue(q, q.Tmux.RefreshRate)
			res := q.aggregate()
			if res.ExitCode == 0 || q.Tmux.OnFail != "keep" {
				if err := q.Kill(); err != nil {
					log.Printf("Warning: failed to clean up sessions: %v", err)
				}
			}
			finishRun(q, res)
			return
		}

		res, err := q.Run(opts)
		if err != nil {
			log.Fatalf("Failed to run queue: %v", err)
		}
		if detach {
			fmt.Printf("Session started: %s\n", q.SessionDir())
			return
		}
		finishRun(q, res)
	},
}

func finishRun(q *Queue, res *RunResult) {
	renderStatusTable(q.ReadState())
	fmt.Printf("Session directory: %s\n", q.SessionDir())
	if res.ExitCode != 0 {
		fmt.Printf("Failed jobs: %s\n", strings.Join(res.Failed, ", "))
	}
	CloseDB()
	os.Exit(res.ExitCode)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List named queues",
	Run: func(cmd *cobra.Command, args []string) {
		names, err := ListQueueNames()
		if err != nil {
			log.Fatalf("Failed to list queues: %v", err)
		}
		if len(names) == 0 {
			fmt.Println("No queues found")
			return
		}
		for _, name := range names {
			fmt.Println(name)
		}
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Kill leftover cmdq tmux sessions",
	Long:  `Find tmux sessions whose name starts with ` + tmuxSessionPrefix + ` and kill them. Useful after failed or abandoned runs.`,
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")

		sessions, _ := listTmuxSessions()
		var stale []string
		for _, name := range sessions {
			if strings.HasPrefix(name, tmuxSessionPrefix) {
				stale = append(stale, name)
			}
		}
		if len(stale) == 0 {
			fmt.Println("No cmdq sessions found")
			return
		}
		for _, name := range stale {
			fmt.Println(name)
		}
		if !yes {
			fmt.Print("Kill these sessions? [y/N] ")
			var answer string
			fmt.Scanln(&answer)
			if !strings.HasPrefix(strings.ToLower(answer), "y") {
				return
			}
		}
		for _, name := range stale {
			if err := killTmuxSession(name); err != nil {
				log.Printf("Warning: failed to kill %s: %v", name, err)
			}
		}
		fmt.Printf("Killed %d sessions\n", len(stale))
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor job-info-dir",
	Short: "Watch a session's progress",
	Long:  `Poll a session's job_info directory until every job reaches a terminal state.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if _, err := MonitorDir(args[0], 400*time.Millisecond); err != nil {
			log.Fatalf("Failed to monitor %s: %v", args[0], err)
		}
	},
}

// buildQueueFromFlags assembles a Queue either from a pipeline file or from
// a persisted queue definition.
func buildQueueFromFlags(cmd *cobra.Command, args []string) *Queue {
	backend, _ := cmd.Flags().GetString("backend")
	workers, _ := cmd.Flags().GetInt("workers")
	file, _ := cmd.Flags().GetString("file")
	dpath, _ := cmd.Flags().GetString("dpath")
	environ, _ := cmd.Flags().GetStringSlice("environ")
	excludeTags, _ := cmd.Flags().GetStringSlice("exclude-tags")

	kind := BackendKind(backend)

	finish := func(q *Queue) *Queue {
		for _, pair := range environ {
			key, val, ok := strings.Cut(pair, "=")
			if !ok {
				log.Fatalf("Bad --environ entry %q, want KEY=VALUE", pair)
			}
			if q.Environ == nil {
				q.Environ = make(map[string]string)
			}
			q.Environ[key] = val
		}
		q.ExcludeTags = excludeTags
		return q
	}

	if file != "" {
		pipe, err := loadPipeline(file)
		if err != nil {
			log.Fatalf("Failed to load pipeline: %v", err)
		}
		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		q, err := pipe.buildQueue(kind, name, dpath, workers)
		if err != nil {
			log.Fatalf("Failed to build queue: %v", err)
		}
		return finish(q)
	}

	if len(args) == 0 {
		log.Fatalln("Need a queue name or --file")
	}
	queueName := args[0]
	header, jobs, err := LoadQueueRecord(queueName)
	if err != nil {
		log.Fatalf("Failed to load queue: %v", err)
	}

	q, err := NewQueue(kind, queueName, dpath)
	if err != nil {
		log.Fatalf("Failed to create queue: %v", err)
	}
	if workers > 0 {
		q.Tmux.Size = workers
	}
	if header != "" {
		q.AddHeaderCommand(header)
	}
	for _, job := range jobs {
		_, err := q.Submit(job.Command, &SubmitOptions{
			Name:        job.Name,
			DependNames: job.Depends,
			Tags:        job.Tags,
			Log:         true,
		})
		if err != nil {
			log.Fatalf("Failed to build queue: %v", err)
		}
	}
	return finish(q)
}

func init() {
	newCmd.Flags().String("header", "", "Command to run at the top of every session")
	rootCmd.AddCommand(newCmd)

	submitCmd.Flags().String("command", "", "The shell command to queue (alternative to trailing -- command)")
	submitCmd.Flags().String("name", "", "Job name (auto-generated if empty)")
	submitCmd.Flags().StringSlice("depends", nil, "Names of jobs this one depends on")
	submitCmd.Flags().StringSlice("tags", nil, "Tags for emit-time filtering")
	rootCmd.AddCommand(submitCmd)

	for _, cmd := range []*cobra.Command{showCmd, runCmd} {
		cmd.Flags().String("backend", "serial", "Execution backend (serial, tmux, slurm, airflow)")
		cmd.Flags().Int("workers", 1, "Number of tmux workers")
		cmd.Flags().String("file", "", "Build the queue from a YAML pipeline file instead of the queue DB")
		cmd.Flags().String("dpath", "", "Parent directory for session directories")
		cmd.Flags().StringSlice("environ", nil, "KEY=VALUE exports for every generated script")
		cmd.Flags().StringSlice("exclude-tags", nil, "Skip jobs carrying any of these tags at emit time")
	}
	runCmd.Flags().Bool("detach", false, "Start the run and return immediately")
	runCmd.Flags().Bool("keep", false, "Keep tmux sessions alive after a failed run")
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(runCmd)

	rootCmd.AddCommand(listCmd)

	cleanupCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(cleanupCmd)

	rootCmd.AddCommand(monitorCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
