package process

import (
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Usage is a resource snapshot of a live process.
type Usage struct {
	CPUPercent float64
	MemoryRSS  uint64
}

// Usage samples CPU and resident memory of the process via gopsutil.
// CPU is averaged over the process lifetime.
func (p *Process) Usage() (Usage, error) {
	if p.Exited() {
		return Usage{}, nil
	}
	gp, err := gopsproc.NewProcess(int32(p.PID())) // #nosec G115 -- pids fit in int32
	if err != nil {
		return Usage{}, err
	}
	var u Usage
	if cpu, err := gp.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	mem, err := gp.MemoryInfo()
	if err != nil {
		return u, err
	}
	u.MemoryRSS = mem.RSS
	return u, nil
}
