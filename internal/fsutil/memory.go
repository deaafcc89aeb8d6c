package fsutil

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// keyExpansion approximates how much larger parsed keypoints are in memory
// than their files on disk. Gzipped files expand further.
const (
	keyExpansion   = 2
	gzipExpansion  = 8
	minFreeRAMMB   = 512
	sampleKeyFiles = 5
)

// GetSystemMemory returns available memory in MB
func GetSystemMemory() (int64, error) {
	content, err := os.ReadFile("/proc/meminfo")
	if err == nil {
		lines := strings.Split(string(content), "\n")
		for _, line := range lines {
			if strings.HasPrefix(line, "MemAvailable:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
						return kb / 1024, nil
					}
				}
			}
		}
	}

	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err != nil {
		return 0, err
	}
	availableBytes := int64(sysinfo.Freeram) * int64(sysinfo.Unit)
	return availableBytes / (1024 * 1024), nil
}

// EstimateKeySize estimates the memory in MB needed to hold every key file
// resident, sampling the first few files.
func EstimateKeySize(keyFiles []string) (int64, error) {
	if len(keyFiles) == 0 {
		return 0, nil
	}
	var sampled, total int64
	for _, p := range keyFiles {
		if sampled == sampleKeyFiles {
			break
		}
		st, err := os.Stat(p)
		if err != nil {
			continue
		}
		factor := int64(keyExpansion)
		if strings.HasSuffix(p, ".gz") {
			factor = gzipExpansion
		}
		total += st.Size() * factor
		sampled++
	}
	if sampled == 0 {
		return 0, fmt.Errorf("could not determine key file sizes")
	}
	avg := total / sampled
	return avg * int64(len(keyFiles)) / (1024 * 1024), nil
}

// ShouldKeepKeys decides whether keypoints stay loaded for the whole run.
// mode is "always", "never" or "auto"; auto keeps them when they fit in
// half the available memory with minFreeRAMMB to spare.
func ShouldKeepKeys(mode string, keyFiles []string, logger *slog.Logger) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	availableRAM, err := GetSystemMemory()
	if err != nil {
		if logger != nil {
			logger.Debug("failed to get system memory info", "error", err)
		}
		return false
	}
	needMB, err := EstimateKeySize(keyFiles)
	if err != nil {
		if logger != nil {
			logger.Debug("failed to estimate key size", "error", err)
		}
		return false
	}
	keep := needMB < availableRAM/2 && availableRAM-needMB > minFreeRAMMB
	if logger != nil {
		logger.Info("keypoint residency check",
			"available_ram_mb", availableRAM,
			"estimated_keys_mb", needMB,
			"keep_keys", keep,
		)
	}
	return keep
}
