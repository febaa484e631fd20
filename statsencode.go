package gretun

import (
	"bufio"
	"encoding/json"
	"os"
	"strconv"
	"strings"
)

// Wire encoding for StatSnapshot payloads. Grounded on the teacher's use of
// encoding/json for structured values in cache-redis.go and lru-cache.go;
// ControlSession re-wraps these opaque strings into its own tagged-JSON
// envelope when a backend connection is attached.

type trafficTotalPayload struct {
	Total    uint64 `json:"total"`
	Upload   uint64 `json:"upload"`
	Download uint64 `json:"download"`
}

func encodeTrafficTotal(total, upload, download uint64) string {
	b, err := json.Marshal(trafficTotalPayload{Total: total, Upload: upload, Download: download})
	if err != nil {
		Log.WithError(err).Error("failed to encode traffic total snapshot")
		return ""
	}
	return string(b)
}

func encodeUserTraffic(records []TrafficRecord) (string, error) {
	b, err := json.Marshal(records)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type requestStatPayload struct {
	Total  uint64 `json:"total"`
	HTTP   uint64 `json:"http"`
	HTTPS  uint64 `json:"https"`
	SOCKS5 uint64 `json:"socks5"`
}

func encodeRequestStat(total, http, https, socks5 uint64) string {
	b, err := json.Marshal(requestStatPayload{Total: total, HTTP: http, HTTPS: https, SOCKS5: socks5})
	if err != nil {
		Log.WithError(err).Error("failed to encode request stat snapshot")
		return ""
	}
	return string(b)
}

type connectionStatPayload struct {
	Delta int64 `json:"delta"`
}

func encodeConnectionStat(delta int64) string {
	b, err := json.Marshal(connectionStatPayload{Delta: delta})
	if err != nil {
		Log.WithError(err).Error("failed to encode connection stat snapshot")
		return ""
	}
	return string(b)
}

type systemStatPayload struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemUsed    uint64  `json:"mem_used"`
	MemTotal   uint64  `json:"mem_total"`
	NetRx      uint64  `json:"net_rx"`
	NetTx      uint64  `json:"net_tx"`
	RTTMillis  int64   `json:"rtt_ms"`
}

func encodeSystemStat(cpuPct float64, memUsed, memTotal, rx, tx uint64, rttMS int64) string {
	b, err := json.Marshal(systemStatPayload{
		CPUPercent: cpuPct,
		MemUsed:    memUsed,
		MemTotal:   memTotal,
		NetRx:      rx,
		NetTx:      tx,
		RTTMillis:  rttMS,
	})
	if err != nil {
		Log.WithError(err).Error("failed to encode system stat snapshot")
		return ""
	}
	return string(b)
}

// --- host sampling -----------------------------------------------------
//
// These read /proc directly rather than pulling in a metrics-collection
// library: none of the pack's dependencies (expvar, the DNS/cache stack)
// cover host CPU/memory/network sampling, and /proc parsing is a handful
// of lines versus a whole new dependency surface for three gauges. See
// DESIGN.md's "Built on the standard library" note for SystemStat.

var prevCPUTotal, prevCPUIdle uint64

func sampleCPUPercent() float64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0
	}
	fields := strings.Fields(sc.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0
	}
	var total uint64
	var idle uint64
	for i, field := range fields[1:] {
		v, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			continue
		}
		total += v
		if i == 3 { // idle is the 4th value
			idle = v
		}
	}

	deltaTotal := total - prevCPUTotal
	deltaIdle := idle - prevCPUIdle
	prevCPUTotal, prevCPUIdle = total, idle
	if deltaTotal == 0 {
		return 0
	}
	return 100 * (1 - float64(deltaIdle)/float64(deltaTotal))
}

func sampleMemory() (used, total uint64) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	var memTotal, memAvailable uint64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			memTotal = v * 1024
		case "MemAvailable":
			memAvailable = v * 1024
		}
	}
	if memTotal == 0 {
		return 0, 0
	}
	return memTotal - memAvailable, memTotal
}

func sampleNetworkCounters() (rx, tx uint64) {
	f, err := os.Open("/proc/net/dev")
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		iface, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		iface = strings.TrimSpace(iface)
		if iface == "lo" || iface == "" {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 9 {
			continue
		}
		ifRx, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		ifTx, err := strconv.ParseUint(fields[8], 10, 64)
		if err != nil {
			continue
		}
		rx += ifRx
		tx += ifTx
	}
	return rx, tx
}
