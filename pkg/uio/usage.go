/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package uio

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/valyala/bytebufferpool"

	internaluio "github.com/srediag/plugin-uio/internal/uio"
)

// PageUsage describes who holds one pool page.
type PageUsage struct {
	// Start and End delimit the physical range [Start, End).
	Start uint64
	End   uint64
	// State is the view of this process: PageFree for pages held by other
	// processes.
	State PageState
	// PID is the holder, 0 when the page is free.
	PID int
	// Command is the holder's command line when it could be read.
	Command string
}

// Usage reports, page by page, which process holds the pool of the device.
// The report is a snapshot for diagnostics.
func (h *Handle) Usage() ([]PageUsage, error) {
	if err := h.acquire("usage"); err != nil {
		return nil, err
	}
	defer h.release()
	if h.table == nil {
		return nil, newError(CodeNoPool, "usage", fmt.Errorf("%s", h.dev.Name))
	}

	self := os.Getpid()
	local := h.table.snapshot()
	ps := uint64(h.m.pageSize)
	base := h.pool.Address()
	cmdlines := make(map[int]string)

	usage := make([]PageUsage, len(local))
	for i := range local {
		u := PageUsage{
			Start: base + uint64(i)*ps,
			End:   base + uint64(i+1)*ps,
			State: local[i],
		}
		if local[i] != PageFree {
			// Own locks never conflict, so the kernel cannot report them.
			u.PID = self
		} else {
			pid, _, err := internaluio.QueryLock(h.fd, int64(i), 1)
			if err != nil {
				return nil, newError(CodeSystem, "usage", fmt.Errorf("page %d: %w", i, err))
			}
			u.PID = pid
		}
		if u.PID != 0 {
			cmd, ok := cmdlines[u.PID]
			if !ok {
				cmd = commandLine(u.PID)
				cmdlines[u.PID] = cmd
			}
			u.Command = cmd
		}
		usage[i] = u
	}
	return usage, nil
}

func commandLine(pid int) string {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return ""
	}
	cmd, err := p.Cmdline()
	if err != nil {
		return ""
	}
	return cmd
}

// FormatUsage writes one line per page: the inclusive address range followed
// by the holder's pid and command line, or ---- for a free page.
func FormatUsage(w io.Writer, usage []PageUsage) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	for _, u := range usage {
		_, _ = fmt.Fprintf(buf, "0x%08x-0x%08x : ", u.Start, u.End-1)
		switch {
		case u.PID == 0:
			_, _ = buf.WriteString("----")
		case u.Command == "":
			_, _ = buf.WriteString(strconv.Itoa(u.PID))
		default:
			_, _ = buf.WriteString(strconv.Itoa(u.PID))
			_ = buf.WriteByte(' ')
			_, _ = buf.WriteString(u.Command)
		}
		_ = buf.WriteByte('\n')
	}
	_, err := buf.WriteTo(w)
	return err
}
