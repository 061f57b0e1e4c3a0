// Package prober issues ICMP probes against the configured targets using fping.
//
// # Why fping?
//
// fping is designed for bulk pinging: a single process probes every target in
// parallel, with a configurable inter-packet interval and parseable output.
// One invocation per tick covers the whole target list, and the tick joins on
// that one process before scoring.
//
// # Output Parsing
//
// fping -C (count) mode outputs one line per target:
//
//	192.168.1.1 : 12.45 13.22 - 11.80
//	8.8.8.8     : - - -
//
// Each number is a round-trip time in milliseconds; "-" is a timeout. Targets
// missing from the output entirely (or an fping that failed to run) report
// 100% packet loss with no latency samples.
package prober

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pulse-net/netpulse/pkg/types"
)

// Defaults for probe execution.
const (
	DefaultCount      = 3
	DefaultTimeout    = 2 * time.Second
	DefaultIntervalMs = 100
)

// Prober probes a fixed target list with fping.
type Prober struct {
	// FpingPath is the path to the fping binary. Default: "fping"
	FpingPath string

	// Count is the number of echo requests per target. Default: 3
	Count int

	// Timeout is the per-probe reply timeout. Default: 2s
	Timeout time.Duration

	// IntervalMs is the gap between pings to the same target. Default: 100
	IntervalMs int

	logger *slog.Logger
}

// New creates a prober with sensible defaults.
func New(logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		FpingPath:  "fping",
		Count:      DefaultCount,
		Timeout:    DefaultTimeout,
		IntervalMs: DefaultIntervalMs,
		logger:     logger,
	}
}

// Probe runs one probe round against all targets and returns one PingResult
// per target, in the configured target order. It never returns an error:
// probe failures degrade to 100% loss so a bad target cannot fail the tick.
func (p *Prober) Probe(ctx context.Context, targets []types.Target) []types.PingResult {
	if len(targets) == 0 {
		return nil
	}

	addrs := make([]string, len(targets))
	for i, t := range targets {
		addrs[i] = t.Address
	}

	output, err := p.runFping(ctx, addrs)
	if err != nil && len(output) == 0 {
		// fping could not run at all; every target counts as fully lost.
		p.logger.Error("fping failed to produce output", "error", err)
		return unreachableResults(addrs)
	}

	return parseOutput(output, addrs)
}

// runFping executes fping and returns its raw output.
func (p *Prober) runFping(ctx context.Context, addrs []string) ([]byte, error) {
	fpingPath := p.FpingPath
	if fpingPath == "" {
		fpingPath = "fping"
	}

	count := p.Count
	if count <= 0 {
		count = DefaultCount
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	intervalMs := p.IntervalMs
	if intervalMs <= 0 {
		intervalMs = DefaultIntervalMs
	}

	// -C n  : Send n pings to each target, report per-ping RTTs
	// -q    : Quiet mode (summary output only)
	// -t ms : Reply timeout in milliseconds
	// -p ms : Interval between pings to the same target
	// -B 1  : No exponential backoff
	args := []string{
		"-C", strconv.Itoa(count),
		"-q",
		"-t", strconv.FormatInt(timeout.Milliseconds(), 10),
		"-p", strconv.Itoa(intervalMs),
		"-B", "1",
	}
	args = append(args, addrs...)

	cmd := exec.CommandContext(ctx, fpingPath, args...)

	// fping writes per-target results to stderr (historical quirk).
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	// A non-zero exit just means some host was unreachable; only a run
	// with no output at all is treated as a failure by the caller.
	err := cmd.Run()

	return stderr.Bytes(), err
}

// parseOutput parses fping -C output into per-target results, in addrs order.
// Targets absent from the output are filled in as fully lost.
func parseOutput(output []byte, addrs []string) []types.PingResult {
	byAddr := make(map[string]types.PingResult, len(addrs))

	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		// "addr : value value value"
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		addr := strings.TrimSpace(parts[0])
		byAddr[addr] = parseRTTValues(addr, strings.TrimSpace(parts[1]))
	}

	results := make([]types.PingResult, len(addrs))
	for i, addr := range addrs {
		if r, ok := byAddr[addr]; ok {
			results[i] = r
			continue
		}
		results[i] = types.PingResult{
			Target:        addr,
			PacketLossPct: 100,
		}
	}
	return results
}

// parseRTTValues parses one target's RTT column list.
func parseRTTValues(addr, valuesStr string) types.PingResult {
	values := strings.Fields(valuesStr)

	result := types.PingResult{Target: addr}
	sent := len(values)
	received := 0

	for _, v := range values {
		if v == "-" {
			continue
		}
		rtt, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		result.RTTs = append(result.RTTs, rtt)
		received++
	}

	if sent == 0 {
		result.PacketLossPct = 100
		return result
	}
	result.PacketLossPct = float64(sent-received) / float64(sent) * 100.0
	return result
}

// unreachableResults marks every target as fully lost.
func unreachableResults(addrs []string) []types.PingResult {
	results := make([]types.PingResult, len(addrs))
	for i, addr := range addrs {
		results[i] = types.PingResult{Target: addr, PacketLossPct: 100}
	}
	return results
}
