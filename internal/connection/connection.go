// Package connection builds the wire connection parameters a kernel process
// needs: the five channel ports, bind IP, transport, and HMAC signing key,
// plus the kernelspec argv rewriting that hands those parameters to the
// kernel.
package connection

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/nbkernel/kernelbridge/internal/ports"
)

// SignatureScheme is the only signing scheme the protocol layer implements.
const SignatureScheme = "hmac-sha256"

// Info holds the connection parameters for one kernel launch. Created fresh
// per launch and immutable once the process is started.
type Info struct {
	ShellPort   int    `json:"shell_port"`
	IOPubPort   int    `json:"iopub_port"`
	StdinPort   int    `json:"stdin_port"`
	ControlPort int    `json:"control_port"`
	HBPort      int    `json:"hb_port"`
	IP          string `json:"ip"`
	Key         string `json:"key"`
	Transport   string `json:"transport"`
	Scheme      string `json:"signature_scheme"`
	KernelName  string `json:"kernel_name,omitempty"`
}

// New builds connection info over a reserved port block with a fresh random
// signing key.
func New(block ports.Block, kernelName string) *Info {
	return &Info{
		ShellPort:   block.Shell(),
		IOPubPort:   block.IOPub(),
		StdinPort:   block.Stdin(),
		ControlPort: block.Control(),
		HBPort:      block.HB(),
		IP:          "127.0.0.1",
		Key:         uuid.NewString(),
		Transport:   "tcp",
		Scheme:      SignatureScheme,
		KernelName:  kernelName,
	}
}

// Block reconstructs the port block this connection occupies.
func (c *Info) Block() ports.Block {
	return ports.Block{c.ShellPort, c.IOPubPort, c.StdinPort, c.ControlPort, c.HBPort}
}

// Addr returns the dial address for one of the connection's ports.
func (c *Info) Addr(port int) string {
	return fmt.Sprintf("tcp://%s:%d", c.IP, port)
}

// WriteFile serializes the connection to a fresh temp JSON file and returns
// its path. The caller owns removal.
func (c *Info) WriteFile() (string, error) {
	data, err := sonic.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal connection info: %w", err)
	}

	f, err := os.CreateTemp("", "kernel-connection-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create connection file: %w", err)
	}
	path := f.Name()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to write connection file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to close connection file: %w", err)
	}
	return path, nil
}

// ReadFile deserializes a connection file, used by tests and by attach paths
// that are handed an existing file.
func ReadFile(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := sonic.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("invalid connection file %s: %w", path, err)
	}
	return &info, nil
}

// decoyPath returns a plausible connection-file path that is never written.
// Python-family kernels receive ports inline but still expect a file name on
// the command line.
func decoyPath() string {
	name := fmt.Sprintf("kernel-%s.json", strings.Split(uuid.NewString(), "-")[0])
	return filepath.Join(os.TempDir(), name)
}
