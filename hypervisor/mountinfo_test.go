package hypervisor

import (
	"os"
	"testing"

	"github.com/moby/sys/mountinfo"
)

// TestWorkDirNotASeparateMount is a sanity check for an assumption Start
// relies on: a RunDir child created by os.MkdirTemp lives on the same
// filesystem as its parent, so the IoFile a Controller attaches (opened
// via /proc/<pid>/fd/<n>, see worker.pmemPath) and the working directory
// holding its control socket never straddle a mount boundary. Skipped
// when /proc/self/mountinfo isn't readable, e.g. some unprivileged
// containers.
func TestWorkDirNotASeparateMount(t *testing.T) {
	mounts, err := mountinfo.GetMounts(nil)
	if err != nil {
		t.Skipf("mountinfo unavailable: %v", err)
	}

	workDir, err := os.MkdirTemp("", "pex-vm-mounttest-")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(workDir)

	for _, m := range mounts {
		if m.Mountpoint == workDir {
			t.Fatalf("freshly created work dir %s is itself a mountpoint", workDir)
		}
	}
}
