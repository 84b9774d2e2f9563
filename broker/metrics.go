package broker

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// memoryPerWorkerGB is a rough per-worker working-set estimate used only for
// the startup pressure warning.
const memoryPerWorkerGB = 0.5

// checkMemoryPressure warns when the configured worker count looks too high
// for the machine's available memory. Advisory only; the pool still starts.
func checkMemoryPressure(workers int) string {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return ""
	}

	availableGB := float64(vm.Available) / 1024 / 1024 / 1024
	neededGB := float64(workers) * memoryPerWorkerGB

	if neededGB > availableGB {
		return fmt.Sprintf("%d workers need ~%.1fGB but only %.1fGB is available",
			workers, neededGB, availableGB)
	}
	return ""
}
