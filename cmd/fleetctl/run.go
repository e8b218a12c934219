package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/core/services"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/inventory"
	"github.com/netly/fleet/internal/infrastructure/remote"
	"github.com/spf13/cobra"
)

var (
	runInventory string
	runGroup     string
	runPattern   string
	runHosts     []string
	runOSType    string
	runTargetOS  string
	runLanguage  string
	runName      string
	runWorkers   int
	runTimeout   time.Duration
	runOutput    string
	runDryRun    bool
)

var runCmd = &cobra.Command{
	Use:   "run --inventory hosts.yaml [selector] -- <command>",
	Short: "Execute a command on the selected hosts",
	Example: `  # every enabled host
  fleetctl run -i hosts.yaml -- uptime

  # a group, limited to linux hosts, 4 at a time
  fleetctl run -i hosts.yaml --group web --target-os linux -w 4 -- "df -h"

  # hosts by name pattern, JSON output
  fleetctl run -i hosts.yaml --pattern 'db-*' -o json -- hostname`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCommand,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runInventory, "inventory", "i", "", "YAML inventory file")
	runCmd.Flags().StringVarP(&runGroup, "group", "g", "", "run on the members of a group")
	runCmd.Flags().StringVarP(&runPattern, "pattern", "p", "", "run on hosts whose name or hostname matches a glob")
	runCmd.Flags().StringSliceVar(&runHosts, "hosts", nil, "run on these host names")
	runCmd.Flags().StringVar(&runOSType, "os", "", "run on hosts of this os type or family")
	runCmd.Flags().StringVar(&runTargetOS, "target-os", "all", "narrow any selection to linux or windows")
	runCmd.Flags().StringVar(&runLanguage, "lang", "", "run the command as a script (bash, sh, python, powershell)")
	runCmd.Flags().StringVar(&runName, "name", "", "execution name shown in history")
	runCmd.Flags().IntVarP(&runWorkers, "workers", "w", 0, "hosts run concurrently (default from config)")
	runCmd.Flags().DurationVarP(&runTimeout, "timeout", "t", 0, "per-host timeout (default from config)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "text", "output format (text, json)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "resolve targets and record the execution without contacting any host")
	_ = runCmd.MarkFlagRequired("inventory")
}

func runCommand(cmd *cobra.Command, args []string) error {
	inv, err := inventory.Load(runInventory)
	if err != nil {
		return err
	}
	filter, err := buildFilter(inv)
	if err != nil {
		return err
	}
	if runOutput != "text" && runOutput != "json" {
		return fmt.Errorf("unknown output format %q", runOutput)
	}

	ctx := context.Background()
	history, closeHistory, err := openHistory(ctx)
	if err != nil {
		return err
	}
	defer closeHistory()

	body := strings.Join(args, " ")
	registry, credentials, err := buildExecutors(inv, body)
	if err != nil {
		return err
	}

	svc := services.NewExecutionService(services.ExecutionServiceConfig{
		Resolver: services.NewHostResolver(inv),
		Runner: services.NewTaskRunner(services.TaskRunnerConfig{
			Executors:   registry,
			Credentials: credentials,
			CancelGrace: cfg.Execution.CancelGrace,
			Logger:      log,
		}),
		Repository:     history,
		Logger:         log,
		Workers:        cfg.Execution.Workers,
		MaxWorkers:     cfg.Execution.MaxWorkers,
		HostTimeout:    cfg.Execution.HostTimeout,
		MaxHostTimeout: cfg.Execution.MaxHostTimeout,
	})
	defer svc.Shutdown(context.Background())

	spec := domain.CommandSpec{
		Name:           runName,
		Body:           body,
		ScriptLanguage: strings.ToLower(runLanguage),
		TargetOS:       domain.TargetOS(strings.ToLower(runTargetOS)),
	}
	ticket, err := svc.ExecuteWithOptions(ctx, spec, filter, services.ExecuteOptions{
		Workers:     runWorkers,
		HostTimeout: runTimeout,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printer := newResultPrinter(out)
	if runOutput == "text" {
		fmt.Fprintf(cmd.ErrOrStderr(), "execution %s on %d host(s)\n", ticket.ExecutionID, ticket.TargetCount)
		stop, err := svc.Subscribe(ctx, ticket.ExecutionID, printer.result, printer.complete)
		if err != nil {
			return err
		}
		defer stop()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		if _, ok := <-signals; ok {
			fmt.Fprintln(cmd.ErrOrStderr(), "cancelling...")
			_, _ = svc.Cancel(ctx, ticket.ExecutionID)
		}
	}()

	final, err := svc.Wait(ctx, ticket.ExecutionID)
	if err != nil {
		return err
	}

	if runOutput == "json" {
		payload, err := sonic.ConfigStd.MarshalIndent(final, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(payload))
	} else {
		printer.wait(2 * time.Second)
		printSummary(out, final)
	}
	return exitFor(final)
}

// buildExecutors returns the real executors, or with --dry-run a scripted
// executor that answers for every host without connecting. Dry runs skip
// credential resolution.
func buildExecutors(inv *inventory.Inventory, body string) (*services.ExecutorRegistry, ports.CredentialResolver, error) {
	registry := services.NewExecutorRegistry()
	if runDryRun {
		mock := remote.NewMockExecutor()
		mock.SetDefault(remote.MockResult{Stdout: "dry run: " + body + "\n"})
		for _, t := range []domain.ConnectionType{domain.ConnectionSSH, domain.ConnectionLocal} {
			registry.Register(t, mock)
		}
		return registry, nil, nil
	}

	sshClient, err := remote.NewSSHClient(remote.SSHConfig{
		KnownHostsFile: cfg.SSH.KnownHostsFile,
		UseAgent:       cfg.SSH.UseAgent,
		ConnectTimeout: cfg.SSH.ConnectTimeout,
		ScriptDir:      cfg.SSH.ScriptDir,
	}, log.Named("ssh"))
	if err != nil {
		return nil, nil, err
	}
	registry.Register(domain.ConnectionSSH, remote.NewSSHExecutor(sshClient))
	registry.Register(domain.ConnectionLocal, remote.NewLocalExecutor())
	return registry, inv, nil
}

// buildFilter turns the selector flags into a host filter. At most one
// selector may be given; none means every host.
func buildFilter(inv *inventory.Inventory) (domain.HostFilter, error) {
	set := 0
	for _, s := range []bool{runGroup != "", runPattern != "", len(runHosts) > 0, runOSType != ""} {
		if s {
			set++
		}
	}
	if set > 1 {
		return domain.HostFilter{}, errors.New("use only one of --group, --pattern, --hosts, --os")
	}

	switch {
	case runGroup != "":
		id, ok := inv.GroupID(runGroup)
		if !ok {
			return domain.HostFilter{}, fmt.Errorf("%w: %s", services.ErrUnknownGroup, runGroup)
		}
		return domain.HostFilter{Type: domain.FilterGroup, GroupID: id}, nil
	case runPattern != "":
		return domain.HostFilter{Type: domain.FilterPattern, Pattern: runPattern}, nil
	case len(runHosts) > 0:
		ids := make([]uint, 0, len(runHosts))
		for _, name := range runHosts {
			id, ok := inv.HostID(name)
			if !ok {
				return domain.HostFilter{}, fmt.Errorf("%w: %s", services.ErrUnknownConnection, name)
			}
			ids = append(ids, id)
		}
		return domain.HostFilter{Type: domain.FilterSelection, ConnectionIDs: ids}, nil
	case runOSType != "":
		return domain.HostFilter{Type: domain.FilterOS, OSType: runOSType}, nil
	}
	return domain.HostFilter{Type: domain.FilterAll}, nil
}

// resultPrinter writes host results as they finish. Subscribe delivers from
// its own goroutine; done closes once the completion event has arrived, which
// is after every result.
type resultPrinter struct {
	mu   sync.Mutex
	out  io.Writer
	once sync.Once
	done chan struct{}
}

func newResultPrinter(out io.Writer) *resultPrinter {
	return &resultPrinter{out: out, done: make(chan struct{})}
}

func (p *resultPrinter) result(r domain.CommandResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	printResult(p.out, r)
}

func (p *resultPrinter) complete(*domain.CommandExecution) {
	p.once.Do(func() { close(p.done) })
}

func (p *resultPrinter) wait(timeout time.Duration) {
	select {
	case <-p.done:
	case <-time.After(timeout):
	}
}

func printResult(out io.Writer, r domain.CommandResult) {
	code := "-"
	if r.ExitCode != nil {
		code = fmt.Sprintf("%d", *r.ExitCode)
	}
	fmt.Fprintf(out, "[%s] %s exit=%s\n", r.ConnectionName, r.Status, code)
	if r.Error != "" {
		fmt.Fprintf(out, "  error: %s\n", r.Error)
	}
	for _, stream := range []string{r.Stdout, r.Stderr} {
		for _, line := range strings.Split(strings.TrimRight(stream, "\n"), "\n") {
			if line != "" {
				fmt.Fprintf(out, "  %s\n", line)
			}
		}
	}
}

func printSummary(out io.Writer, exec *domain.CommandExecution) {
	counts := exec.ResultCounts()
	elapsed := time.Duration(0)
	if exec.CompletedAt != nil {
		elapsed = exec.CompletedAt.Sub(exec.StartedAt).Round(time.Millisecond)
	}
	fmt.Fprintf(out, "\n%s: %d success, %d error, %d skipped, %d cancelled in %s\n",
		exec.Status,
		counts[domain.ResultSuccess],
		counts[domain.ResultError],
		counts[domain.ResultSkipped],
		counts[domain.ResultCancelled],
		elapsed,
	)
}

// exitFor is 0 when every host succeeded, 2 when some failed and 130 when
// the run was cancelled.
func exitFor(exec *domain.CommandExecution) error {
	if exec.Status == domain.ExecutionCancelled {
		return exitCode(130)
	}
	counts := exec.ResultCounts()
	if counts[domain.ResultSuccess] != len(exec.Results) {
		return exitCode(2)
	}
	return nil
}
