package worker

import (
	"fmt"
	"runtime"
)

// CPURange returns the inclusive CPU index range [begin, end]. A nil end
// extends to the last CPU runtime.NumCPU() reports online.
func CPURange(begin int, end *int) ([]int, error) {
	last := runtime.NumCPU() - 1
	if end != nil {
		last = *end
	}
	if begin < 0 || last < begin {
		return nil, fmt.Errorf("worker: invalid cpu range %d-%v", begin, end)
	}
	out := make([]int, 0, last-begin+1)
	for c := begin; c <= last; c++ {
		out = append(out, c)
	}
	return out, nil
}

// CPUSetExclusive partitions the CPUs starting at offset into numWorkers
// disjoint groups of coresPerWorker CPUs each — the "offset:num_workers:
// cores_per_worker" exclusive-mask form.
func CPUSetExclusive(offset, numWorkers, coresPerWorker int) ([][]int, error) {
	need := numWorkers * coresPerWorker
	all, err := CPURange(offset, nil)
	if err != nil {
		return nil, err
	}
	if len(all) < need {
		return nil, fmt.Errorf("worker: not enough cpus: need %d, have %d from offset %d", need, len(all), offset)
	}
	sets := make([][]int, numWorkers)
	for w := 0; w < numWorkers; w++ {
		sets[w] = append([]int(nil), all[w*coresPerWorker:(w+1)*coresPerWorker]...)
	}
	return sets, nil
}

// ReplicateCPUSet assigns the same cpu mask to every one of numWorkers
// workers — the "begin-end" shared-mask form, where every worker may run
// on any CPU in the range.
func ReplicateCPUSet(cpus []int, numWorkers int) [][]int {
	sets := make([][]int, numWorkers)
	for i := range sets {
		sets[i] = cpus
	}
	return sets
}
