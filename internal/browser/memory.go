package browser

import (
	"github.com/shirou/gopsutil/v3/process"
)

// MemoryProbe reports the resident set size of a process tree.
type MemoryProbe interface {
	RSS(pid int) (uint64, error)
}

// ProcessProbe measures RSS with gopsutil, summing the browser and its
// renderer/GPU child processes.
type ProcessProbe struct{}

var _ MemoryProbe = ProcessProbe{}

func (ProcessProbe) RSS(pid int) (uint64, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	return treeRSS(proc, 0)
}

func treeRSS(proc *process.Process, depth int) (uint64, error) {
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	total := info.RSS

	if depth > 4 {
		return total, nil
	}

	children, err := proc.Children()
	if err != nil {
		// ErrorNoChildren is reported as an error by gopsutil.
		return total, nil
	}
	for _, child := range children {
		if rss, err := treeRSS(child, depth+1); err == nil {
			total += rss
		}
	}
	return total, nil
}
