package agentpipe

import (
	"encoding/json"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// hostStatus is the shape of the default agent_status payload. Operators
// who want more (or less) can supply their own Config.AgentStatus;
// gjson on the fusion side reads it permissively either way.
type hostStatus struct {
	Hostname    string  `json:"hostname"`
	UptimeSec   uint64  `json:"uptime_seconds"`
	MemUsedPct  float64 `json:"mem_used_percent"`
	Load1       float64 `json:"load_1m"`
	SampledAtTS int64   `json:"sampled_at"`
}

// DefaultAgentStatus gathers a small host-health snapshot via gopsutil.
// Errors from any one collector are swallowed (a partial status beats
// heartbeat failing outright); the function never returns an error.
func DefaultAgentStatus() json.RawMessage {
	status := hostStatus{SampledAtTS: time.Now().Unix()}

	if info, err := host.Info(); err == nil {
		status.Hostname = info.Hostname
		status.UptimeSec = info.Uptime
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		status.MemUsedPct = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		status.Load1 = avg.Load1
	}

	raw, err := json.Marshal(status)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
