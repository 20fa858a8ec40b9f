// Package systemctl wraps the one-shot systemctl and ps invocations the
// agent needs: the service census, main pid and child pid lookups and the
// systemd version.
package systemctl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	SystemctlBinary = "systemctl"
	PSBinary        = "ps"
)

var (
	ListServicesArgs = []string{"--type=service", "--output=json", "--no-pager"}
	MainPIDArgs      = []string{"show", "--property=MainPID", "--value"}
	VersionArgs      = []string{"--version"}
)

// Unit is one entry of the service census.
type Unit struct {
	Unit        string `json:"unit"`
	Load        string `json:"load"`
	Active      string `json:"active"`
	Sub         string `json:"sub"`
	Description string `json:"description"`
}

// Client runs systemctl through a Runner.
type Client struct {
	runner Runner
}

// New returns a client using r, or the host runner when r is nil.
func New(r Runner) *Client {
	if r == nil {
		r = ExecRunner{}
	}
	return &Client{runner: r}
}

// ListServices returns the current service census. systemctl prints a JSON
// array; every non-empty output line is decoded as one.
func (c *Client) ListServices(ctx context.Context) ([]Unit, error) {
	out, err := c.runner.Run(ctx, SystemctlBinary, ListServicesArgs...)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	return parseUnits(out)
}

func parseUnits(out []byte) ([]Unit, error) {
	var units []Unit
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] == '{' {
			var u Unit
			if err := json.Unmarshal(line, &u); err != nil {
				return nil, fmt.Errorf("decode service census: %w", err)
			}
			units = append(units, u)
			continue
		}
		var batch []Unit
		if err := json.Unmarshal(line, &batch); err != nil {
			return nil, fmt.Errorf("decode service census: %w", err)
		}
		units = append(units, batch...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read service census: %w", err)
	}
	return units, nil
}

// MainPID returns the main pid systemd associates with the unit. Units that
// are not running report 0.
func (c *Client) MainPID(ctx context.Context, unit string) (int, error) {
	args := append(append([]string{}, MainPIDArgs...), unit)
	out, err := c.runner.Run(ctx, SystemctlBinary, args...)
	if err != nil {
		return 0, fmt.Errorf("main pid of %s: %w", unit, err)
	}
	raw := strings.TrimSpace(string(out))
	if raw == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("main pid of %s: unexpected value %q", unit, raw)
	}
	return pid, nil
}

// ChildPIDs lists the processes whose parent is pid, in the order ps prints
// them. A pid of 0 or less has no children. ps exits non-zero when nothing
// matches, which is reported as an empty list.
func (c *Client) ChildPIDs(ctx context.Context, pid int) ([]int, error) {
	if pid <= 0 {
		return []int{}, nil
	}
	out, err := c.runner.Run(ctx, PSBinary, "--ppid", strconv.Itoa(pid), "-o", "pid=")
	if err != nil && len(bytes.TrimSpace(out)) == 0 {
		return []int{}, nil
	}
	fields := strings.Fields(string(out))
	pids := make([]int, 0, len(fields))
	for _, f := range fields {
		child, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("child pids of %d: unexpected value %q", pid, f)
		}
		pids = append(pids, child)
	}
	return pids, nil
}

// Version returns the first line of `systemctl --version`, for example
// "systemd 252 (252.22-1~deb12u1)". A host without systemctl fails here.
func (c *Client) Version(ctx context.Context) (string, error) {
	out, err := c.runner.Run(ctx, SystemctlBinary, VersionArgs...)
	if err != nil {
		return "", fmt.Errorf("systemctl version: %w", err)
	}
	first, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(first), nil
}
