// Package peer assembles a bridge, its RPC layer and the built-in commands
// served by the fjbridge binary.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/gaspardpetit/framjet-bridge/bridge"
	"github.com/gaspardpetit/framjet-bridge/rpc"
	"github.com/gaspardpetit/framjet-bridge/transport"
)

// Built-in command names.
const (
	CommandEcho     = "echo"
	CommandAdd      = "add"
	CommandHostInfo = "host.info"
	CommandFail     = "fail"
	CommandSleep    = "sleep"
	CommandList     = "commands"
)

const hostInfoTimeout = 2 * time.Second

// Peer is one side of a bridge serving the built-in commands.
type Peer struct {
	Bridge *bridge.Bridge
	RPC    *rpc.RPC
}

// New creates the bridge over t and registers the built-in commands.
func New(id string, t transport.Transport, opts bridge.Options, rpcOpts ...rpc.Option) *Peer {
	b := bridge.New(id, t, opts)
	p := &Peer{Bridge: b, RPC: rpc.New(b, rpcOpts...)}
	p.RPC.MustRegister(CommandEcho, echo)
	p.RPC.MustRegister(CommandAdd, add)
	p.RPC.MustRegister(CommandHostInfo, hostInfo)
	p.RPC.MustRegister(CommandFail, fail)
	p.RPC.MustRegister(CommandSleep, sleep)
	p.RPC.MustRegister(CommandList, func(_ json.RawMessage, resolve rpc.Resolve, _ rpc.Reject) {
		resolve(p.RPC.Commands())
	})
	return p
}

// Close fails pending calls and destroys the bridge.
func (p *Peer) Close() {
	p.RPC.Close()
	p.Bridge.Destroy()
}

// InputError reports an invalid command input.
type InputError struct {
	Command string
	Err     error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input for %s: %v", e.Command, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

func (e *InputError) ErrorName() string { return "InputError" }

func (e *InputError) ErrorFields() map[string]any {
	return map[string]any{"command": e.Command}
}

func echo(input json.RawMessage, resolve rpc.Resolve, _ rpc.Reject) {
	resolve(input)
}

// AddInput is the input of the add command.
type AddInput struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

func add(input json.RawMessage, resolve rpc.Resolve, reject rpc.Reject) {
	var in AddInput
	if len(input) == 0 {
		reject(&InputError{Command: CommandAdd, Err: errors.New("missing operands")})
		return
	}
	if err := json.Unmarshal(input, &in); err != nil {
		reject(&InputError{Command: CommandAdd, Err: err})
		return
	}
	resolve(in.A + in.B)
}

// HostInfo is the output of the host.info command.
type HostInfo struct {
	Hostname        string  `json:"hostname"`
	OS              string  `json:"os"`
	Platform        string  `json:"platform,omitempty"`
	PlatformVersion string  `json:"platformVersion,omitempty"`
	KernelVersion   string  `json:"kernelVersion,omitempty"`
	Arch            string  `json:"arch"`
	UptimeSeconds   uint64  `json:"uptimeSeconds"`
	CPUs            int     `json:"cpus"`
	MemoryTotal     uint64  `json:"memoryTotal,omitempty"`
	MemoryAvailable uint64  `json:"memoryAvailable,omitempty"`
	MemoryUsedPct   float64 `json:"memoryUsedPercent,omitempty"`
}

func hostInfo(_ json.RawMessage, resolve rpc.Resolve, _ rpc.Reject) {
	resolve(rpc.Async(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), hostInfoTimeout)
		defer cancel()
		return CollectHostInfo(ctx)
	}))
}

// CollectHostInfo gathers host and memory statistics.
func CollectHostInfo(ctx context.Context) (HostInfo, error) {
	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		return HostInfo{}, pkgerrors.Wrap(err, "host info")
	}
	info := HostInfo{
		Hostname:        hi.Hostname,
		OS:              hi.OS,
		Platform:        hi.Platform,
		PlatformVersion: hi.PlatformVersion,
		KernelVersion:   hi.KernelVersion,
		Arch:            runtime.GOARCH,
		UptimeSeconds:   hi.Uptime,
		CPUs:            runtime.NumCPU(),
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryTotal = vm.Total
		info.MemoryAvailable = vm.Available
		info.MemoryUsedPct = vm.UsedPercent
	}
	return info, nil
}

// FailInput is the input of the fail command.
type FailInput struct {
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}

// fail always rejects, with a cause when one is given.
func fail(input json.RawMessage, _ rpc.Resolve, reject rpc.Reject) {
	var in FailInput
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			reject(&InputError{Command: CommandFail, Err: err})
			return
		}
	}
	if in.Message == "" {
		in.Message = "failure requested"
	}
	if in.Cause == "" {
		reject(pkgerrors.New(in.Message))
		return
	}
	reject(pkgerrors.Wrap(errors.New(in.Cause), in.Message))
}

// SleepInput is the input of the sleep command.
type SleepInput struct {
	Millis int `json:"ms"`
}

func sleep(input json.RawMessage, resolve rpc.Resolve, reject rpc.Reject) {
	var in SleepInput
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			reject(&InputError{Command: CommandSleep, Err: err})
			return
		}
	}
	if in.Millis < 0 {
		reject(&InputError{Command: CommandSleep, Err: errors.New("negative duration")})
		return
	}
	resolve(rpc.Async(func() (any, error) {
		time.Sleep(time.Duration(in.Millis) * time.Millisecond)
		return in.Millis, nil
	}))
}
