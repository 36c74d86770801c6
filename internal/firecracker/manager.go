// Package firecracker is Marathon's VM backend: it boots the agent image
// inside a Firecracker microVM and tears it down again, grounded on the
// teacher's internal/firecracker package. Unlike the teacher, which boots
// a different rootfs/code-drive combination per invoked function, every
// Marathon VM boots the same agent rootfs image, so there is exactly one
// base snapshot per node rather than one per function.
package firecracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/MartianGreed/marathon/internal/ids"
	"github.com/MartianGreed/marathon/internal/logging"
	"github.com/MartianGreed/marathon/internal/metrics"
)

// Config holds a node's Firecracker deployment settings, mirrored from
// config.NodeConfig so the firecracker package doesn't import internal/config
// back (cmd/node does the translation at startup).
type Config struct {
	FirecrackerBin string
	KernelPath     string
	RootfsPath     string // the agent image; one file, not one per runtime
	SnapshotDir    string
	SocketDir      string
	VsockPort      uint32
	LogDir         string
	BridgeName     string
	Subnet         string
	BootTimeout    time.Duration
}

// vm is the firecracker package's private bookkeeping record; it tracks
// the host-side process and network resources that vmpool.VM has no need
// to know about.
type vm struct {
	id         ids.VMID
	cid        uint32
	socketPath string
	vsockPath  string
	tapDevice  string
	guestIP    string
	guestMAC   string
	cmd        *exec.Cmd
	mu         sync.Mutex
}

// baseSnapshotMeta records what a base snapshot needs to be restored,
// namely the vsock UDS path and guest IP/MAC baked into it at creation
// time (spec §4.4: restore is the fast path, cold boot is the fallback).
type baseSnapshotMeta struct {
	VsockPath string `json:"vsock_path"`
	GuestIP   string `json:"guest_ip"`
	GuestMAC  string `json:"guest_mac"`
}

// Manager owns a node's Firecracker processes and host-side network
// resources. It is not safe to share across nodes.
type Manager struct {
	config *Config

	mu  sync.RWMutex
	vms map[ids.VMID]*vm

	ipPool      *resourcePool
	bridgeMu    sync.Mutex
	bridgeReady atomic.Bool
}

// NewManager prepares a Manager's working directories and IP pool. It
// does not touch the network bridge; that happens lazily on first boot
// so unit tests can construct a Manager without root privileges.
func NewManager(cfg *Config) (*Manager, error) {
	for _, dir := range []string{cfg.SocketDir, cfg.LogDir, cfg.SnapshotDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	m := &Manager{
		config: cfg,
		vms:    make(map[ids.VMID]*vm),
		ipPool: newResourcePool(),
	}
	if err := m.initIPPool(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) baseSnapshotPaths() (snap, mem, meta string) {
	return filepath.Join(m.config.SnapshotDir, "base.snap"),
		filepath.Join(m.config.SnapshotDir, "base.mem"),
		filepath.Join(m.config.SnapshotDir, "base.meta")
}

// ColdBoot boots a fresh VM from the kernel and agent rootfs image,
// without loading any snapshot.
func (m *Manager) ColdBoot(ctx context.Context, id ids.VMID, cid uint32) (*vm, error) {
	v, err := m.startProcess(id, cid)
	if err != nil {
		return nil, err
	}
	if err := m.waitForSocket(ctx, v.socketPath, v.cmd.Process, m.config.BootTimeout); err != nil {
		m.teardown(v)
		return nil, fmt.Errorf("wait api socket: %w", err)
	}
	if err := m.apiBoot(ctx, v); err != nil {
		m.teardown(v)
		return nil, fmt.Errorf("api boot: %w", err)
	}
	if err := m.waitForVsock(ctx, v); err != nil {
		m.teardown(v)
		return nil, fmt.Errorf("wait vsock: %w", err)
	}
	m.track(v)
	return v, nil
}

// Restore boots a VM by loading the node's base snapshot, which is much
// faster than a cold boot because guest init has already run once.
func (m *Manager) Restore(ctx context.Context, id ids.VMID, cid uint32) (*vm, error) {
	snapPath, memPath, metaPath := m.baseSnapshotPaths()
	if _, err := os.Stat(snapPath); err != nil {
		return nil, fmt.Errorf("no base snapshot: %w", err)
	}
	metaData, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("read snapshot metadata: %w", err)
	}
	var meta baseSnapshotMeta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, fmt.Errorf("parse snapshot metadata: %w", err)
	}

	v, err := m.startProcess(id, cid)
	if err != nil {
		return nil, err
	}
	// Snapshot state restores the guest's NIC (IP, MAC) and vsock UDS path
	// exactly as they were when the snapshot was taken; only the host-side
	// TAP device can be swapped in via network_overrides (spec §4.4's
	// "restore is the fast path" relies on this — a fresh per-VM vsock
	// path would otherwise require a full API re-configuration Firecracker
	// doesn't allow post-snapshot).
	v.vsockPath = meta.VsockPath
	v.guestIP = meta.GuestIP
	v.guestMAC = meta.GuestMAC

	if err := m.waitForSocket(ctx, v.socketPath, v.cmd.Process, m.config.BootTimeout); err != nil {
		m.teardown(v)
		return nil, fmt.Errorf("wait api socket: %w", err)
	}
	if err := m.apiLoadSnapshot(ctx, v, snapPath, memPath); err != nil {
		m.teardown(v)
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := m.waitForVsock(ctx, v); err != nil {
		m.teardown(v)
		return nil, fmt.Errorf("wait vsock: %w", err)
	}
	m.track(v)
	return v, nil
}

// startProcess allocates host-side network resources and starts the
// Firecracker process, leaving it paused at the API socket waiting for a
// boot or snapshot-load call. Shared setup between ColdBoot and Restore.
func (m *Manager) startProcess(id ids.VMID, cid uint32) (*vm, error) {
	vmID := id.String()

	if err := m.ensureBridge(); err != nil {
		return nil, fmt.Errorf("ensure bridge: %w", err)
	}
	tap, err := m.createTAP(vmID)
	if err != nil {
		return nil, fmt.Errorf("create tap: %w", err)
	}
	ip, err := m.allocateIP()
	if err != nil {
		deleteTAP(tap)
		return nil, err
	}

	v := &vm{
		id:         id,
		cid:        cid,
		socketPath: filepath.Join(m.config.SocketDir, vmID+".sock"),
		vsockPath:  filepath.Join(m.config.SocketDir, vmID+".vsock"),
		tapDevice:  tap,
		guestIP:    ip,
		guestMAC:   generateMAC(vmID),
	}
	_ = os.Remove(v.socketPath)
	_ = os.Remove(v.vsockPath)

	logFile, err := os.Create(filepath.Join(m.config.LogDir, vmID+".log"))
	if err != nil {
		m.releaseIP(ip)
		deleteTAP(tap)
		return nil, fmt.Errorf("create log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(m.config.FirecrackerBin, "--api-sock", v.socketPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		m.releaseIP(ip)
		deleteTAP(tap)
		return nil, fmt.Errorf("start firecracker: %w", err)
	}
	v.cmd = cmd
	return v, nil
}

func (m *Manager) track(v *vm) {
	m.mu.Lock()
	m.vms[v.id] = v
	m.mu.Unlock()
	go m.monitorProcess(v)
}

// monitorProcess removes a VM's bookkeeping and resources if its
// Firecracker process dies without going through Stop.
func (m *Manager) monitorProcess(v *vm) {
	if v.cmd == nil || v.cmd.Process == nil {
		return
	}
	err := v.cmd.Wait()

	m.mu.Lock()
	_, stillTracked := m.vms[v.id]
	if stillTracked {
		delete(m.vms, v.id)
	}
	m.mu.Unlock()

	if stillTracked {
		exitCode := -1
		if v.cmd.ProcessState != nil {
			exitCode = v.cmd.ProcessState.ExitCode()
		}
		logging.Op().Error("vm process died unexpectedly", "vm_id", v.id.String(), "exit_code", exitCode, "error", err)
		metrics.Global().RecordVMCrashed()
		m.teardown(v)
	}
}

// teardown releases a VM's host-side resources without attempting a
// graceful guest shutdown; callers that already tried that call this to
// clean up afterward.
func (m *Manager) teardown(v *vm) {
	if v.tapDevice != "" {
		deleteTAP(v.tapDevice)
	}
	os.Remove(v.socketPath)
	os.Remove(v.vsockPath)
	os.Remove(filepath.Join(m.config.LogDir, v.id.String()+".log"))
	m.releaseIP(v.guestIP)
}

// Stop shuts a VM down: SIGTERM, then SIGKILL on timeout, then resource
// cleanup (spec's node process must not leak TAP devices or IPs across
// restarts).
func (m *Manager) Stop(ctx context.Context, id ids.VMID) error {
	m.mu.Lock()
	v, ok := m.vms[id]
	if ok {
		delete(m.vms, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("vm not tracked: %s", id.String())
	}

	metrics.Global().RecordVMStopped()

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cmd != nil && v.cmd.Process != nil {
		syscall.Kill(-v.cmd.Process.Pid, syscall.SIGTERM)
		done := make(chan struct{})
		go func() { v.cmd.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			syscall.Kill(-v.cmd.Process.Pid, syscall.SIGKILL)
			v.cmd.Wait()
		}
	}

	m.teardown(v)
	return nil
}

// Shutdown stops every VM the Manager currently tracks, in parallel.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	vmIDs := make([]ids.VMID, 0, len(m.vms))
	for id := range m.vms {
		vmIDs = append(vmIDs, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range vmIDs {
		wg.Add(1)
		go func(id ids.VMID) {
			defer wg.Done()
			_ = m.Stop(ctx, id)
		}(id)
	}
	wg.Wait()
}

// CreateBaseSnapshot cold-boots one VM, waits for its agent to come up,
// pauses it, and snapshots it to the node's base snapshot files. cmd/node
// calls this once at startup if no base snapshot exists yet; every
// subsequent Restore call reuses it. id is a throwaway VMID used only for
// this bootstrap boot.
func (m *Manager) CreateBaseSnapshot(ctx context.Context, id ids.VMID, cid uint32) error {
	v, err := m.ColdBoot(ctx, id, cid)
	if err != nil {
		return fmt.Errorf("bootstrap boot: %w", err)
	}
	defer m.Stop(ctx, id)

	if err := m.apiCall(ctx, v, "PATCH", "/vm", map[string]interface{}{"state": "Paused"}); err != nil {
		return fmt.Errorf("pause vm: %w", err)
	}

	snapPath, memPath, metaPath := m.baseSnapshotPaths()
	if err := m.apiCall(ctx, v, "PUT", "/snapshot/create", map[string]interface{}{
		"snapshot_type": "Full",
		"snapshot_path": snapPath,
		"mem_file_path": memPath,
	}); err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}

	meta := baseSnapshotMeta{VsockPath: v.vsockPath, GuestIP: v.guestIP, GuestMAC: v.guestMAC}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal snapshot metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, metaData, 0644); err != nil {
		return fmt.Errorf("write snapshot metadata: %w", err)
	}
	return nil
}

func httpClientForSocket(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
	}
}

func (m *Manager) apiCall(ctx context.Context, v *vm, method, path string, body interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := httpClientForSocket(v.socketPath).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("api error %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

func (m *Manager) waitForSocket(ctx context.Context, path string, proc *os.Process, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if proc != nil {
			if err := proc.Signal(syscall.Signal(0)); err != nil {
				return fmt.Errorf("firecracker exited before socket ready: %w", err)
			}
		}
		if _, err := os.Stat(path); err == nil {
			if conn, err := net.Dial("unix", path); err == nil {
				conn.Close()
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("socket timeout: %s", path)
}

// waitForVsock blocks until the guest's vsock UDS is connectable, i.e.
// the agent inside the VM is up and listening (spec §4.4's boot-latency
// budget starts counting down from process start, not from here).
func (m *Manager) waitForVsock(ctx context.Context, v *vm) error {
	deadline := time.Now().Add(m.config.BootTimeout)
	socketDir := filepath.Dir(v.vsockPath)
	socketName := filepath.Base(v.vsockPath)

	if _, err := os.Stat(v.vsockPath); err != nil {
		if err := waitForFileInotify(ctx, socketDir, socketName, deadline); err != nil {
			if err == context.Canceled || err == context.DeadlineExceeded {
				return err
			}
			for time.Now().Before(deadline) {
				if _, err := os.Stat(v.vsockPath); err == nil {
					break
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(50 * time.Millisecond):
				}
			}
		}
	}

	for time.Now().Before(deadline) {
		if _, err := os.Stat(v.vsockPath); err == nil {
			if conn, err := net.DialTimeout("unix", v.vsockPath, time.Second); err == nil {
				conn.Close()
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return fmt.Errorf("vsock timeout: %s", v.vsockPath)
}

func (m *Manager) apiBoot(ctx context.Context, v *vm) error {
	parts := strings.Split(m.config.Subnet, "/")
	baseIP := strings.TrimSuffix(parts[0], ".0")
	gatewayIP := baseIP + ".1"

	logPath := filepath.Join(m.config.LogDir, v.id.String()+"-fc.log")
	_ = m.apiCall(ctx, v, "PUT", "/logger", map[string]interface{}{
		"log_path": logPath,
		"level":    "Warning",
	})

	netmask, err := netmaskFromCIDR(m.config.Subnet)
	if err != nil {
		return fmt.Errorf("parse subnet: %w", err)
	}
	bootArgs := fmt.Sprintf(
		"console=ttyS0 reboot=k panic=1 pci=off init=/init quiet 8250.nr_uarts=0 ip=%s::%s:%s::eth0:off",
		v.guestIP, gatewayIP, netmask,
	)
	if err := m.apiCall(ctx, v, "PUT", "/boot-source", map[string]interface{}{
		"kernel_image_path": m.config.KernelPath,
		"boot_args":         bootArgs,
	}); err != nil {
		return fmt.Errorf("boot-source: %w", err)
	}

	if err := m.apiCall(ctx, v, "PUT", "/drives/rootfs", map[string]interface{}{
		"drive_id":       "rootfs",
		"path_on_host":   m.config.RootfsPath,
		"is_root_device": true,
		"is_read_only":   true,
		"io_engine":      "Async",
	}); err != nil {
		return fmt.Errorf("drive rootfs: %w", err)
	}

	if err := m.apiCall(ctx, v, "PUT", "/network-interfaces/eth0", map[string]interface{}{
		"iface_id":      "eth0",
		"guest_mac":     v.guestMAC,
		"host_dev_name": v.tapDevice,
	}); err != nil {
		return fmt.Errorf("network interface: %w", err)
	}

	if err := m.apiCall(ctx, v, "PUT", "/vsock", map[string]interface{}{
		"guest_cid": v.cid,
		"uds_path":  v.vsockPath,
	}); err != nil {
		return fmt.Errorf("vsock: %w", err)
	}

	if err := m.apiCall(ctx, v, "PUT", "/machine-config", map[string]interface{}{
		"vcpu_count":   1,
		"mem_size_mib": 256,
	}); err != nil {
		return fmt.Errorf("machine-config: %w", err)
	}

	return m.apiCall(ctx, v, "PUT", "/actions", map[string]interface{}{"action_type": "InstanceStart"})
}

func (m *Manager) apiLoadSnapshot(ctx context.Context, v *vm, snapPath, memPath string) error {
	_ = m.apiCall(ctx, v, "PUT", "/logger", map[string]interface{}{
		"log_path": filepath.Join(m.config.LogDir, v.id.String()+"-fc.log"),
		"level":    "Warning",
	})

	req := map[string]interface{}{
		"snapshot_path": snapPath,
		"mem_file_path": memPath,
		"network_overrides": []map[string]interface{}{
			{
				"iface_id":      "eth0",
				"host_dev_name": v.tapDevice,
			},
		},
	}
	return m.apiCall(ctx, v, "PUT", "/snapshot/load", req)
}
