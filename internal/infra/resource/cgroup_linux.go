//go:build linux

package resource

import (
	"os"
	"strconv"
	"strings"
)

// unlimited is the threshold above which a cgroup v1 limit means "no limit".
const unlimited = 1 << 60

// cgroupMemory reads the container memory limit and usage via sysfs.
// Tries cgroup v2 first, then v1.
func cgroupMemory() (limit, usage uint64, ok bool) {
	if limit, ok = readCgroupValue("/sys/fs/cgroup/memory.max"); ok {
		usage, _ = readCgroupValue("/sys/fs/cgroup/memory.current")
		return limit, usage, true
	}
	if limit, ok = readCgroupValue("/sys/fs/cgroup/memory/memory.limit_in_bytes"); ok {
		usage, _ = readCgroupValue("/sys/fs/cgroup/memory/memory.usage_in_bytes")
		return limit, usage, true
	}
	return 0, 0, false
}

// readCgroupValue parses a single-number sysfs file. "max" and absurdly
// large values mean no limit.
func readCgroupValue(path string) (uint64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" || raw == "max" {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || v == 0 || v >= unlimited {
		return 0, false
	}
	return v, true
}
