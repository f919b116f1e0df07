package hypervisor

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/console"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"
)

// notifySocketReady tells an enclosing systemd supervisor, if any, that
// the control socket is bound and about to accept the loopback connect
// that follows. It is a no-op whenever NOTIFY_SOCKET is unset, which is
// the common case outside a systemd-managed deployment.
func notifySocketReady() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
}

var (
	ErrWorkdirSetup  = errors.New("hypervisor: failed to create working directory")
	ErrTempfileSetup = errors.New("hypervisor: failed to create temp file")
	ErrSocketSetup   = errors.New("hypervisor: failed to set up control socket")
	ErrSpawn         = errors.New("hypervisor: failed to spawn hypervisor process")
)

// Config names the fixed pieces of one micro-VM invocation. The kernel,
// initramfs, CPU count and RAM size are not per-request: every
// invocation boots the same guest, only the pmem devices attached to it
// differ. See spec.md §4.5.
type Config struct {
	// RunDir is the parent directory under which a per-invocation
	// working directory is created (sockets, console/log files). Empty
	// uses the OS temp dir.
	RunDir string
	// Bin is the hypervisor binary to exec.
	Bin string
	// Kernel and Initramfs are paths to the fixed guest boot images.
	Kernel    string
	Initramfs string
	// KeepConsole, when true, captures the guest's serial console to a
	// file under the working directory instead of discarding it.
	KeepConsole bool
}

// Controller owns one spawned hypervisor process, its control socket,
// and its working directory. One Controller serves exactly one request;
// the process must be waited on (WaitTimeoutOrKill) or killed (Kill)
// before Cleanup removes the working directory.
type Controller struct {
	cfg     Config
	workDir string

	errFile     *os.File
	consoleFile *os.File
	consolePty  console.Console

	cmd    *exec.Cmd
	client *apiClient
	args   []string
}

// Start creates a fresh working directory, binds its control socket,
// spawns the hypervisor with the socket's listening descriptor
// inherited at fd 3, and connects a client stream to it. The dialed
// connection succeeds immediately because the socket is already bound
// and listening before the child is spawned; the child's own accept(2)
// call on the inherited descriptor picks up the queued connection once
// it gets around to it, so there is no start-up race between parent and
// child.
func Start(cfg Config) (*Controller, error) {
	workDir, err := os.MkdirTemp(cfg.RunDir, "pex-vm-")
	if err != nil {
		return nil, errors.Wrap(ErrWorkdirSetup, err.Error())
	}
	c := &Controller{cfg: cfg, workDir: workDir}

	if err := c.setup(); err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	return c, nil
}

func (c *Controller) setup() error {
	errFile, err := os.Create(filepath.Join(c.workDir, "err.log"))
	if err != nil {
		return errors.Wrap(ErrTempfileSetup, err.Error())
	}
	c.errFile = errFile

	// When KeepConsole is set, the guest's serial console is given a
	// pty rather than a plain file: the secondary end goes to the
	// hypervisor as an inherited descriptor, the primary end is copied
	// into console.log on the host side, mirroring how containerd's
	// shims hand a container its console while keeping a host-side tee.
	var consoleSecondary *os.File
	if c.cfg.KeepConsole {
		consoleFile, err := os.Create(filepath.Join(c.workDir, "console.log"))
		if err != nil {
			return errors.Wrap(ErrTempfileSetup, err.Error())
		}
		c.consoleFile = consoleFile

		pty, secondary, err := console.NewPty()
		if err != nil {
			return errors.Wrap(ErrTempfileSetup, err.Error())
		}
		c.consolePty = pty
		consoleSecondary = secondary
		go io.Copy(consoleFile, pty)
	}

	sockPath := filepath.Join(c.workDir, "api.sock")
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: sockPath, Net: "unix"})
	if err != nil {
		return errors.Wrap(ErrSocketSetup, err.Error())
	}
	listenerFile, err := listener.File()
	if err != nil {
		listener.Close()
		return errors.Wrap(ErrSocketSetup, err.Error())
	}
	notifySocketReady()

	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: sockPath, Net: "unix"})
	if err != nil {
		listenerFile.Close()
		listener.Close()
		return errors.Wrap(ErrSocketSetup, err.Error())
	}

	extraFiles := []*os.File{listenerFile}
	args := []string{
		"--kernel", c.cfg.Kernel,
		"--initramfs", c.cfg.Initramfs,
		"--cpus", "boot=1",
		"--memory", "size=1024M",
		"--cmdline", "console=hvc0 reboot=t panic=-1",
		"--api-socket", "fd=3",
	}
	if consoleSecondary != nil {
		extraFiles = append(extraFiles, consoleSecondary)
		args = append(args, "--console", fmt.Sprintf("fd=%d", 2+len(extraFiles)))
	} else {
		args = append(args, "--console", "off")
	}

	cmd := exec.Command(c.cfg.Bin, args...)
	cmd.Stderr = errFile
	cmd.ExtraFiles = extraFiles

	if err := cmd.Start(); err != nil {
		conn.Close()
		listenerFile.Close()
		listener.Close()
		return errors.Wrap(ErrSpawn, err.Error())
	}
	if consoleSecondary != nil {
		consoleSecondary.Close()
	}

	// The child has its own dup of the listening descriptor (fd 3); our
	// copies are no longer needed. conn stays open as the client stream.
	listenerFile.Close()
	listener.Close()

	c.cmd = cmd
	c.client = newAPIClient(conn)
	c.args = args
	return nil
}

// AddPmemRO attaches file read-only: guest writes are discarded rather
// than propagated to the host, used for the shared rootfs image.
func (c *Controller) AddPmemRO(file string) error { return c.AddPmem(file, true) }

// AddPmemRW attaches file read-write: guest writes land on the host
// file, used for the IoFile so its response can be read back afterward.
func (c *Controller) AddPmemRW(file string) error { return c.AddPmem(file, false) }

// WaitResult classifies how a request's VM finished relative to its
// deadline.
type WaitResult int

const (
	// Exited means the process exited within the deadline.
	Exited WaitResult = iota
	// ExitedOvertime means the deadline expired, SIGKILL was sent, and
	// the process exited within the bounded reap window that followed.
	ExitedOvertime
	// NotExited means the process failed to exit even after SIGKILL and
	// the reap window; the caller holds a leaked process.
	NotExited
)

func (r WaitResult) String() string {
	switch r {
	case Exited:
		return "exited"
	case ExitedOvertime:
		return "exited-overtime"
	case NotExited:
		return "not-exited"
	default:
		return "unknown"
	}
}

// reapGrace is how long WaitTimeoutOrKill waits for the process to exit
// after sending SIGKILL before giving up and reporting NotExited.
const reapGrace = 10 * time.Millisecond

// WaitOutcome reports how the VM's process finished and, when it did,
// its exit code and resource usage.
type WaitOutcome struct {
	Result   WaitResult
	ExitCode int
	Rusage   *syscall.Rusage
}

// WaitTimeoutOrKill waits for the hypervisor process to exit, allowing
// up to deadline. On expiry it sends SIGKILL and allows a further bounded
// window (reapGrace) for the kernel to finish tearing the process down
// before giving up. Per spec.md §4.5/§5, deadline is the caller's
// request timeout plus whatever fixed overhead the caller has already
// budgeted for VM boot and teardown.
func (c *Controller) WaitTimeoutOrKill(deadline time.Duration) (WaitOutcome, error) {
	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()

	select {
	case waitErr := <-done:
		return c.outcome(Exited, waitErr)
	case <-time.After(deadline):
	}

	if err := c.cmd.Process.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return WaitOutcome{}, errors.Wrap(err, "hypervisor: sigkill")
	}

	select {
	case waitErr := <-done:
		return c.outcome(ExitedOvertime, waitErr)
	case <-time.After(reapGrace):
		return WaitOutcome{Result: NotExited}, nil
	}
}

func (c *Controller) outcome(result WaitResult, waitErr error) (WaitOutcome, error) {
	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); !ok {
			return WaitOutcome{}, errors.Wrap(waitErr, "hypervisor: wait")
		}
	}
	out := WaitOutcome{Result: result, ExitCode: c.cmd.ProcessState.ExitCode()}
	if ru, ok := c.cmd.ProcessState.SysUsage().(*syscall.Rusage); ok {
		out.Rusage = ru
	}
	return out, nil
}

// Kill immediately signals the hypervisor process, for callers tearing
// down outside the normal wait path (e.g. server shutdown).
func (c *Controller) Kill() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	err := c.cmd.Process.Kill()
	if err != nil && errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Cleanup removes the working directory. Call only after the process
// has been waited on or killed.
func (c *Controller) Cleanup() error {
	if c.consolePty != nil {
		c.consolePty.Close()
	}
	return os.RemoveAll(c.workDir)
}

// WorkDir returns the per-invocation working directory.
func (c *Controller) WorkDir() string { return c.workDir }

// Args returns the argv the hypervisor was started with, for logging.
func (c *Controller) Args() []string { return c.args }

// ErrFile returns the path to the hypervisor's captured stderr.
func (c *Controller) ErrFile() string {
	if c.errFile == nil {
		return ""
	}
	return c.errFile.Name()
}
