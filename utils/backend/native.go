package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/caracal-pipeline/stimela/utils/cab"
	"github.com/caracal-pipeline/stimela/utils/config"
	"github.com/caracal-pipeline/stimela/utils/ordered"
	"github.com/caracal-pipeline/stimela/utils/retry"
	"github.com/caracal-pipeline/stimela/utils/wrangler"
	"golang.org/x/sync/errgroup"
)

func init() {
	Register(&nativeBackend{})
}

// nativeBackend runs cabs as local subprocesses
type nativeBackend struct{}

func (b *nativeBackend) Name() string                 { return "native" }
func (b *nativeBackend) IsAvailable() bool            { return true }
func (b *nativeBackend) Status() string               { return "OK" }
func (b *nativeBackend) IsRemote() bool               { return false }
func (b *nativeBackend) RequiresContainerImage() bool { return false }

func (b *nativeBackend) Build(ctx context.Context, c *cab.Cab, rebuild bool, opts RunOptions) error {
	// nothing to build natively
	return nil
}

func (b *nativeBackend) Run(ctx context.Context, c *cab.Cab, params *ordered.Map,
	status *cab.RuntimeStatus, opts RunOptions) error {

	args, venv, err := buildInvocation(c, params, opts)
	if err != nil {
		return err
	}
	logArgs := args
	if opts.Wrapper != nil {
		args, logArgs = opts.Wrapper.WrapRunCommand(args, logArgs, opts.Fqname)
	}
	config.VerboseLog("%s: running %v", opts.Fqname, logArgs)

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = childEnvironment(c, venv, opts)
	// own process group, so cancellation can signal the whole tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Error{Msg: fmt.Sprintf("%s: can't open stdout pipe", opts.Fqname), Nested: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Error{Msg: fmt.Sprintf("%s: can't open stderr pipe", opts.Fqname), Nested: err}
	}

	if err := applyRlimits(opts.Rlimits); err != nil {
		return err
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Error{Msg: fmt.Sprintf("%s: failed to start", opts.Fqname), Nested: err}
	}

	// drain both output streams concurrently, line by line through the
	// wranglers
	var drainers errgroup.Group
	drainers.Go(func() error {
		return drainLines(stdout, status, opts.Fqname, wrangler.Info)
	})
	drainers.Go(func() error {
		return drainLines(stderr, status, opts.Fqname, wrangler.Warning)
	})

	// cancellation: escalate SIGINT, SIGTERM, SIGKILL
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			terminateProcessGroup(cmd, opts.Fqname)
		case <-done:
		}
	}()

	drainErr := drainers.Wait()
	waitErr := cmd.Wait()
	close(done)

	elapsed := time.Since(start).Round(time.Millisecond)

	if drainErr != nil {
		config.WarnLog("%s: error draining output: %v", opts.Fqname, drainErr)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Error{Msg: fmt.Sprintf("%s: cancelled", opts.Fqname), Nested: ctxErr}
	}

	// a wrangler may have overridden the exit status either way
	if success := status.Success(); success != nil {
		if !*success {
			errs := status.Errors()
			if len(errs) > 0 {
				return Error{Msg: fmt.Sprintf("%s: failed (%v)", opts.Fqname, elapsed), Nested: errs[0]}
			}
			return Error{Msg: fmt.Sprintf("%s: marked as failed by output", opts.Fqname)}
		}
		config.VerboseLog("%s: complete after %v", opts.Fqname, elapsed)
		return nil
	}
	if waitErr != nil {
		return Error{Msg: fmt.Sprintf("%s: exited with an error after %v", opts.Fqname, elapsed), Nested: waitErr}
	}
	config.VerboseLog("%s: complete after %v", opts.Fqname, elapsed)
	return nil
}

// buildInvocation renders the argv for a cab according to its flavour
func buildInvocation(c *cab.Cab, params *ordered.Map, opts RunOptions) ([]string, string, error) {
	switch c.Flavour {
	case cab.FlavourPython:
		args, err := c.PythonDriver(params)
		return args, c.VirtualEnv, err
	case cab.FlavourPythonCode:
		args, err := c.PythonCodeDriver(params)
		return args, c.VirtualEnv, err
	default:
		return c.BuildCommandLine(params, opts.Subst, true)
	}
}

func childEnvironment(c *cab.Cab, venv string, opts RunOptions) []string {
	env := os.Environ()
	if venv != "" {
		env = append(env, "VIRTUAL_ENV="+venv, "PATH="+venv+"/bin:"+os.Getenv("PATH"))
	}
	for key, value := range c.Management.Environment {
		env = append(env, key+"="+value)
	}
	for key, value := range opts.Env {
		env = append(env, key+"="+value)
	}
	return env
}

// minSeverity resolves the reporting threshold from configuration
func minSeverity() wrangler.Severity {
	if sev, err := wrangler.ParseSeverity(config.MinSeverity); err == nil {
		return sev
	}
	return wrangler.Info
}

// drainLines reads one stream line by line, passing each through the
// wranglers and logging the survivors at their final severity
func drainLines(r io.Reader, status *cab.RuntimeStatus, fqname string, severity wrangler.Severity) error {
	threshold := minSeverity()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line, sev, ok := status.ApplyWranglers(scanner.Text(), severity)
		if !ok {
			continue
		}
		if sev >= threshold {
			log.Printf("[%s] %s: %s", sev, fqname, line)
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// terminateProcessGroup escalates SIGINT, then SIGTERM, then SIGKILL until
// the process group is gone
func terminateProcessGroup(cmd *exec.Cmd, fqname string) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	signals := []syscall.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGKILL}
	for _, sig := range signals {
		config.WarnLog("%s: sending %v", fqname, sig)
		err := retry.WithRetry(func() error {
			if err := syscall.Kill(pgid, sig); err != nil {
				// process group already gone
				return nil
			}
			time.Sleep(200 * time.Millisecond)
			if syscall.Kill(pgid, 0) == nil {
				return fmt.Errorf("process group still alive")
			}
			return nil
		}, func(err error) bool { return err != nil }, retry.Config{
			MaxRetries:  3,
			InitialWait: 100 * time.Millisecond,
			MaxWait:     time.Second,
			Factor:      2.0,
		})
		if err == nil {
			return
		}
	}
}
