package worker

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/programexplorer/pex/hypervisor"
	"github.com/programexplorer/pex/iofile"
)

// ErrRunTimeout and ErrRunStuck classify how a VM run failed to exit
// cleanly within its deadline.
var (
	ErrRunTimeout = errors.New("worker: vm exceeded its deadline")
	ErrRunStuck   = errors.New("worker: vm did not exit even after sigkill")
)

// Input is one unit of work: the hypervisor configuration to boot,
// the deadline to enforce on top of it, the sealed IoFile carrying the
// request and destined to carry the response, and the path to the
// rootfs EROFS image to attach read-only.
type Input struct {
	CHConfig  hypervisor.Config
	CHTimeout time.Duration
	IOFile    *iofile.IoFile
	Rootfs    string
}

// Logs names the hypervisor's captured diagnostic files for a run,
// present whether the run succeeded or failed, for callers that want to
// inspect them on error.
type Logs struct {
	ErrFile string
}

// Output is what a successful run hands back.
type Output struct {
	IOFile *iofile.IoFile
	Logs   Logs
}

// Postmortem carries everything needed to explain a failed run: the
// underlying error, the exact argv the hypervisor was launched with (if
// it got that far), and its log files.
type Postmortem struct {
	Err  error
	Args []string
	Logs Logs
}

func (p *Postmortem) Error() string { return p.Err.Error() }
func (p *Postmortem) Unwrap() error { return p.Err }

// pmemPath returns a path other processes can open to reach the same
// open file description as f, via /proc — the standard way to hand an
// anonymous (memfd) file to a sibling process by path rather than by
// inherited descriptor number.
func pmemPath(f *os.File) string {
	return fmt.Sprintf("/proc/%d/fd/%d", os.Getpid(), f.Fd())
}

// runOne drives one VM through its entire lifecycle: spawn, attach the
// rootfs and IoFile as pmem devices, wait out the deadline, and report
// the outcome. It always runs on the calling goroutine's (pinned) OS
// thread, synchronously, matching the teacher's one-VM-per-thread model.
func runOne(input Input) (Output, *Postmortem) {
	ctrl, err := hypervisor.Start(input.CHConfig)
	if err != nil {
		return Output{}, &Postmortem{Err: err}
	}

	fail := func(err error) (Output, *Postmortem) {
		logs := Logs{ErrFile: ctrl.ErrFile()}
		args := ctrl.Args()
		ctrl.Kill()
		ctrl.Cleanup()
		return Output{}, &Postmortem{Err: err, Args: args, Logs: logs}
	}

	if err := ctrl.AddPmemRO(input.Rootfs); err != nil {
		return fail(err)
	}
	if err := ctrl.AddPmemRW(pmemPath(input.IOFile.File())); err != nil {
		return fail(err)
	}

	outcome, err := ctrl.WaitTimeoutOrKill(input.CHTimeout)
	if err != nil {
		return fail(err)
	}

	logs := Logs{ErrFile: ctrl.ErrFile()}
	switch outcome.Result {
	case hypervisor.Exited:
		ctrl.Cleanup()
		return Output{IOFile: input.IOFile, Logs: logs}, nil
	case hypervisor.ExitedOvertime:
		args := ctrl.Args()
		ctrl.Cleanup()
		return Output{}, &Postmortem{Err: ErrRunTimeout, Args: args, Logs: logs}
	default:
		args := ctrl.Args()
		// NotExited: the process is leaked; don't remove its working
		// directory out from under it.
		return Output{}, &Postmortem{Err: ErrRunStuck, Args: args, Logs: logs}
	}
}
