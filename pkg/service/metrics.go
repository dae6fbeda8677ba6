package service

import "runtime"

func collectRuntimeMetrics() map[string]int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return map[string]int64{
		"memory_alloc_bytes": int64(m.Alloc),
		"goroutines":         int64(runtime.NumGoroutine()),
	}
}
