package worker

import "testing"

func TestCPURange(t *testing.T) {
	end := 3
	got, err := CPURange(1, &end)
	if err != nil {
		t.Fatalf("CPURange: %v", err)
	}
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("CPURange = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("CPURange = %v, want %v", got, want)
		}
	}
}

func TestCPURangeInvalid(t *testing.T) {
	end := 0
	if _, err := CPURange(5, &end); err == nil {
		t.Fatalf("CPURange(5, 0) should error")
	}
}

func TestCPUSetExclusive(t *testing.T) {
	sets, err := CPUSetExclusive(0, 2, 2)
	if err != nil {
		t.Fatalf("CPUSetExclusive: %v", err)
	}
	if len(sets) != 2 {
		t.Fatalf("len(sets) = %d, want 2", len(sets))
	}
	seen := map[int]bool{}
	for _, set := range sets {
		if len(set) != 2 {
			t.Fatalf("set = %v, want len 2", set)
		}
		for _, c := range set {
			if seen[c] {
				t.Fatalf("cpu %d assigned to more than one worker", c)
			}
			seen[c] = true
		}
	}
}

func TestCPUSetExclusiveNotEnoughCPUs(t *testing.T) {
	if _, err := CPUSetExclusive(0, 1_000_000, 1_000_000); err == nil {
		t.Fatalf("CPUSetExclusive should fail when there aren't enough cpus")
	}
}

func TestReplicateCPUSet(t *testing.T) {
	cpus := []int{0, 1}
	sets := ReplicateCPUSet(cpus, 3)
	if len(sets) != 3 {
		t.Fatalf("len(sets) = %d, want 3", len(sets))
	}
	for _, set := range sets {
		if len(set) != 2 || set[0] != 0 || set[1] != 1 {
			t.Fatalf("set = %v, want [0 1]", set)
		}
	}
}
