//go:build !linux

package tripmind

func processRSS() (uint64, bool) { return 0, false }
