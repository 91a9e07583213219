// Package process finds and cleans up kernel processes left behind by a
// server that exited without shutting its kernels down.
package process

import (
	"context"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/zhubert/notebook-mcp/exec"
	"github.com/zhubert/notebook-mcp/kernel"
	"github.com/zhubert/notebook-mcp/logger"
)

// commandTimeout bounds each ps or kill invocation.
const commandTimeout = 5 * time.Second

// KernelProcess is a kernel found in the process table.
type KernelProcess struct {
	PID       int    // Process ID
	SessionID string // Value of the session flag
	ServerPID int    // PID of the server that launched it, 0 if unknown
	Command   string // Full command line
}

// Supported reports whether process scanning works on this platform.
func Supported() bool {
	return runtime.GOOS == "linux" || runtime.GOOS == "darwin"
}

// FindKernelProcesses lists every process carrying the kernel session flag.
// On unsupported platforms it returns nothing.
func FindKernelProcesses(ctx context.Context, ex exec.CommandExecutor) ([]KernelProcess, error) {
	if !Supported() {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	// -ww keeps long command lines intact; the flags follow the embedded
	// bridge program.
	output, err := ex.Output(ctx, "", "ps", "-ww", "-eo", "pid=,args=")
	if err != nil {
		return nil, err
	}

	processes := parseProcessTable(string(output))
	logger.WithComponent("process").Debug("found kernel processes", "count", len(processes))
	return processes, nil
}

// parseProcessTable reads "pid args" lines and keeps the kernels.
func parseProcessTable(output string) []KernelProcess {
	var processes []KernelProcess
	for line := range strings.SplitSeq(output, "\n") {
		line = strings.TrimSpace(line)
		pidStr, args, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(pidStr)
		if err != nil {
			continue
		}
		args = strings.TrimSpace(args)
		sessionID := extractFlag(args, kernel.SessionFlag)
		if sessionID == "" {
			continue
		}
		serverPID, _ := strconv.Atoi(extractFlag(args, kernel.ServerPIDFlag))
		processes = append(processes, KernelProcess{
			PID:       pid,
			SessionID: sessionID,
			ServerPID: serverPID,
			Command:   args,
		})
	}
	return processes
}

// extractFlag returns the value following the last occurrence of flag,
// accepting both "--flag value" and "--flag=value".
func extractFlag(cmdLine, flag string) string {
	i := strings.LastIndex(cmdLine, flag)
	if i < 0 {
		return ""
	}
	rest := cmdLine[i+len(flag):]
	if rest != "" && rest[0] != ' ' && rest[0] != '=' {
		return ""
	}
	fields := strings.Fields(strings.TrimLeft(rest, " ="))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Alive reports whether a process with the given PID exists.
func Alive(ctx context.Context, ex exec.CommandExecutor, pid int) bool {
	if pid <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return ex.Run(ctx, "", "kill", "-0", strconv.Itoa(pid)) == nil
}

// FindOrphanedKernels returns kernels whose launching server is gone.
// Kernels owned by selfPID, or by any running server, are kept.
func FindOrphanedKernels(ctx context.Context, ex exec.CommandExecutor, selfPID int) ([]KernelProcess, error) {
	all, err := FindKernelProcesses(ctx, ex)
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("process")
	alive := make(map[int]bool)
	var orphans []KernelProcess
	for _, proc := range all {
		if proc.ServerPID == selfPID {
			continue
		}
		up, seen := alive[proc.ServerPID]
		if !seen {
			up = Alive(ctx, ex, proc.ServerPID)
			alive[proc.ServerPID] = up
		}
		if up {
			continue
		}
		orphans = append(orphans, proc)
		log.Info("found orphaned kernel", "pid", proc.PID, "sessionID", proc.SessionID, "serverPID", proc.ServerPID)
	}
	return orphans, nil
}

// KillProcess kills a process by PID.
func KillProcess(ctx context.Context, ex exec.CommandExecutor, pid int) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return ex.Run(ctx, "", "kill", "-9", strconv.Itoa(pid))
}

// CleanupOrphanedKernels kills every orphaned kernel and returns how many
// were killed.
func CleanupOrphanedKernels(ctx context.Context, ex exec.CommandExecutor, selfPID int) (int, error) {
	orphans, err := FindOrphanedKernels(ctx, ex, selfPID)
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("process")
	killed := 0
	for _, proc := range orphans {
		log.Info("killing orphaned kernel", "pid", proc.PID)
		if err := KillProcess(ctx, ex, proc.PID); err != nil {
			log.Error("failed to kill process", "pid", proc.PID, "error", err)
			continue
		}
		killed++
	}
	return killed, nil
}
