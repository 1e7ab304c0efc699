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

//go:build linux

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUIO lays out one sysfs entry and node per name; a positive pool gives
// the device a memory pool of that many pages.
func fakeUIO(t *testing.T, pools map[string]int, names ...string) (string, string) {
	t.Helper()
	root := t.TempDir()
	sysfs := filepath.Join(root, "class", "uio")
	devDir := filepath.Join(root, "dev")
	require.NoError(t, os.MkdirAll(devDir, 0o755))
	ps := os.Getpagesize()

	writeMap := func(dir string, i int, addr uint64, size int) {
		mdir := filepath.Join(dir, "maps", fmt.Sprintf("map%d", i))
		require.NoError(t, os.MkdirAll(mdir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(mdir, "addr"), []byte(fmt.Sprintf("0x%08x\n", addr)), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(mdir, "size"), []byte(fmt.Sprintf("0x%x\n", size)), 0o644))
	}
	for i, name := range names {
		dir := filepath.Join(sysfs, fmt.Sprintf("uio%d", i))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "name"), []byte(name+"\n"), 0o644))
		writeMap(dir, 0, 0xfe000000, ps)
		if n := pools[name]; n > 0 {
			writeMap(dir, 1, 0x40000000, n*ps)
		}
		node := filepath.Join(devDir, fmt.Sprintf("uio%d", i))
		require.NoError(t, os.WriteFile(node, make([]byte, ps+pools[name]*ps), 0o600))
	}
	return sysfs, devDir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runContext(context.Background(), args...)
}

func runContext(ctx context.Context, args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// seedIRQ writes counts into a fake node. Each wait writes the enable word
// and then reads the next one, so count i sits at word 2*i+1.
func seedIRQ(t *testing.T, node string, counts ...uint32) {
	t.Helper()
	f, err := os.OpenFile(node, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	var word [4]byte
	for i, c := range counts {
		binary.NativeEndian.PutUint32(word[:], c)
		_, err := f.WriteAt(word[:], int64(8*i+4))
		require.NoError(t, err)
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestListCommand(t *testing.T) {
	sysfs, devDir := fakeUIO(t, nil, "VPU", "JPU", "VEU")

	out, err := run(t, "list", "--sysfs", sysfs, "--dev", devDir)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, fmt.Sprintf("0\tVPU\t%s", filepath.Join(devDir, "uio0")), lines[0])
	assert.True(t, strings.HasPrefix(lines[2], "2\tVEU\t"))

	_, err = run(t, "list", "extra", "--sysfs", sysfs)
	assert.Error(t, err)
}

func TestMeminfoCommand(t *testing.T) {
	sysfs, devDir := fakeUIO(t, map[string]int{"VPU": 2}, "VPU", "REG")
	ps := os.Getpagesize()

	out, err := run(t, "meminfo", "VP", "--sysfs", sysfs, "--dev", devDir)
	require.NoError(t, err)
	assert.Contains(t, out, "VPU: registers 0xfe000000")
	assert.Contains(t, out, "(2 pages)")
	assert.Contains(t, out, fmt.Sprintf("0x40000000-0x%08x : ----\n", 0x40000000+ps-1))
	assert.Contains(t, out, fmt.Sprintf("0x%08x-0x%08x : ----\n", 0x40000000+ps, 0x40000000+2*ps-1))

	out, err = run(t, "meminfo", "REG", "--sysfs", sysfs, "--dev", devDir)
	require.NoError(t, err)
	assert.Contains(t, out, "REG: no memory pool")

	_, err = run(t, "meminfo", "JPU", "--sysfs", sysfs, "--dev", devDir)
	assert.ErrorContains(t, err, "device not found")
}

func TestConfigFile(t *testing.T) {
	sysfs, devDir := fakeUIO(t, nil, "VPU")
	path := filepath.Join(t.TempDir(), "uio.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("sysfs_root: %s\ndev_dir: %s\n", sysfs, devDir)), 0o600))

	out, err := run(t, "list", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "VPU")

	_, err = run(t, "list", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWaitCommand(t *testing.T) {
	sysfs, devDir := fakeUIO(t, nil, "VPU")
	node := filepath.Join(devDir, "uio0")
	seedIRQ(t, node, 7, 9)

	out, err := run(t, "wait", "VPU", "--count", "2", "--sysfs", sysfs, "--dev", devDir)
	require.NoError(t, err)
	assert.Equal(t, "VPU 7\nVPU 9\n", out)

	data, err := os.ReadFile(node)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), binary.NativeEndian.Uint32(data[0:4]), "interrupt not enabled")
	assert.Equal(t, uint32(1), binary.NativeEndian.Uint32(data[8:12]), "interrupt not re-enabled")

	_, err = run(t, "wait", "JPU", "--sysfs", sysfs, "--dev", devDir)
	assert.ErrorContains(t, err, "device not found")
	_, err = run(t, "wait", "--sysfs", sysfs, "--dev", devDir)
	assert.Error(t, err)
}

func TestHealthCommand(t *testing.T) {
	sysfs, devDir := fakeUIO(t, map[string]int{"VPU": 1}, "VPU")
	addr := freeAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := runContext(ctx, "health", "VPU", "--listen", addr, "--sysfs", sysfs, "--dev", devDir)
		done <- result{out, err}
	}()

	get := func(path string) (int, string) {
		resp, err := http.Get("http://" + addr + path)
		if err != nil {
			return 0, ""
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}
	require.Eventually(t, func() bool {
		code, _ := get("/live")
		return code == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	code, body := get("/ready?full=1")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "uio-VPU-0")
	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `uio_open_handles{device="VPU"} 1`)

	cancel()
	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Contains(t, r.out, "serving on "+addr)
	case <-time.After(10 * time.Second):
		t.Fatal("health did not shut down")
	}

	_, err := run(t, "health", "JPU", "--listen", freeAddr(t), "--sysfs", sysfs, "--dev", devDir)
	assert.ErrorContains(t, err, "device not found")
}
