package fsutil

import (
	"os"
	"strconv"
	"strings"
	"syscall"
)

// AvailableMemoryMB returns the available system memory in MB.
func AvailableMemoryMB() (int64, error) {
	content, err := os.ReadFile("/proc/meminfo")
	if err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			if !strings.HasPrefix(line, "MemAvailable:") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					return kb / 1024, nil
				}
			}
		}
	}

	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err != nil {
		return 0, err
	}
	return int64(sysinfo.Freeram) * int64(sysinfo.Unit) / (1024 * 1024), nil
}

// EstimateDatasetSizeMB estimates the working-set size of registering a
// frame sequence, in MB. It samples a few files for the average frame size
// and assumes every input frame is decoded plus a corrected output of
// comparable size.
func EstimateDatasetSizeMB(frames []string) int64 {
	if len(frames) == 0 {
		return 0
	}

	sampleSize := len(frames)
	if sampleSize > 5 {
		sampleSize = 5
	}

	var sampled, total int64
	for i := 0; i < sampleSize; i++ {
		if stat, err := os.Stat(frames[i]); err == nil {
			sampled++
			total += stat.Size()
		}
	}
	if sampled == 0 {
		return 0
	}

	avg := total / sampled
	// 2.2x covers the decoded float frame plus the corrected output.
	bytes := int64(len(frames)) * avg * 22 / 10
	return bytes / (1024 * 1024)
}

// FitsInMemory reports whether a frame set's working set fits comfortably
// in available RAM. It wants the set under half of available memory with
// at least 512MB left over, so a big consensus run is flagged before it
// starts swapping.
func FitsInMemory(frames []string) (bool, int64) {
	sizeMB := EstimateDatasetSizeMB(frames)
	if sizeMB == 0 {
		return true, 0
	}
	availableMB, err := AvailableMemoryMB()
	if err != nil {
		return true, sizeMB
	}
	const minFreeMB = 512
	fits := sizeMB < availableMB/2 && availableMB-sizeMB > minFreeMB
	return fits, sizeMB
}
