package hypervisor

import (
	"os/exec"
	"testing"
	"time"
)

func TestWaitTimeoutOrKillExitsInTime(t *testing.T) {
	c := &Controller{cmd: exec.Command("sleep", "0")}
	if err := c.cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	out, err := c.WaitTimeoutOrKill(time.Second)
	if err != nil {
		t.Fatalf("WaitTimeoutOrKill: %v", err)
	}
	if out.Result != Exited {
		t.Fatalf("result = %v, want Exited", out.Result)
	}
	if out.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", out.ExitCode)
	}
	if out.Rusage == nil {
		t.Fatalf("rusage = nil, want a snapshot")
	}
}

func TestWaitTimeoutOrKillKillsOnDeadline(t *testing.T) {
	c := &Controller{cmd: exec.Command("sleep", "30")}
	if err := c.cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	out, err := c.WaitTimeoutOrKill(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("WaitTimeoutOrKill: %v", err)
	}
	if out.Result != ExitedOvertime {
		t.Fatalf("result = %v, want ExitedOvertime", out.Result)
	}
}

func TestWaitResultString(t *testing.T) {
	cases := map[WaitResult]string{
		Exited:         "exited",
		ExitedOvertime: "exited-overtime",
		NotExited:      "not-exited",
	}
	for r, want := range cases {
		if got := r.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", r, got, want)
		}
	}
}
