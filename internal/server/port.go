package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// findPidsOnPort 通过 lsof 查找监听指定端口的进程
func findPidsOnPort(ctx context.Context, port int) ([]int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "lsof", "-t", fmt.Sprintf("-i:%d", port), "-sTCP:LISTEN")
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		// lsof 没有匹配时退出码为 1 且无输出
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && stdout.Len() == 0 && stderr.Len() == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("lsof -i:%d failed: %w", port, err)
	}
	return parseLsofPids(stdout, stderr)
}

// parseLsofPids 解析 `lsof -t` 的输出，每行一个 PID
func parseLsofPids(stdout, stderr *bytes.Buffer) ([]int, error) {
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return nil, errors.New(msg)
	}
	var pids []int
	seen := map[int]bool{}
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("could not parse pid %q from lsof output", line)
		}
		if pid <= 0 || seen[pid] {
			continue
		}
		seen[pid] = true
		pids = append(pids, pid)
	}
	return pids, nil
}

// reclaimPort 终止占用端口的其他进程，并等待端口释放
func (s *Server) reclaimPort(ctx context.Context, port int) error {
	pids, err := s.findPids(ctx, port)
	if err != nil {
		return err
	}
	self := os.Getpid()
	killed := 0
	for _, pid := range pids {
		if pid == self {
			s.log.Warn("端口被当前进程占用，跳过回收", "port", port)
			continue
		}
		s.log.Info("终止占用端口的进程", "port", port, "pid", pid)
		if err := s.kill(pid); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.log.Err(err, "终止进程失败", "pid", pid)
			continue
		}
		killed++
	}
	if killed == 0 {
		return fmt.Errorf("no reclaimable process holds port %d", port)
	}

	deadline := time.Now().Add(s.reclaimWait)
	for time.Now().Before(deadline) {
		if portFree(port) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

func terminate(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(syscall.SIGTERM)
}
