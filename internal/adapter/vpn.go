package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bypasshub/control-plane/internal/catalogtypes"
	"github.com/bypasshub/control-plane/internal/errs"
)

// VPNConfig configures the VPN service adapter.
type VPNConfig struct {
	SocketPath string
	Timeout    time.Duration
}

// rawSession is one row of the broker's "show_users"/"show_user" payload.
type rawSession struct {
	Username string `json:"Username"`
	State    string `json:"State"`
	TX       string `json:"TX"`
	RX       string `json:"RX"`
}

type rawStatus struct {
	RawUpSince string `json:"raw_up_since"`
}

// VPN drives an adjunct broker speaking a single-byte-exit-code protocol
// over one UNIX stream connection per command: manual traffic-delta
// tracking since the underlying VPN server has no counter-reset primitive,
// and restart detection via the reported boot time.
type VPN struct {
	socketPath string
	timeout    time.Duration

	mu           sync.Mutex
	lastBoot     string
	bootObserved bool
	traffic      map[string]catalogtypes.Traffic
}

// NewVPN constructs a VPN adapter bound to the broker's UNIX socket. Unlike
// the Proxy adapter it holds no persistent connection, so it may be
// constructed before or after a fork.
func NewVPN(cfg VPNConfig) (*VPN, error) {
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("adapter: vpn timeout must be greater than zero")
	}
	return &VPN{
		socketPath: cfg.SocketPath,
		timeout:    cfg.Timeout,
		traffic:    make(map[string]catalogtypes.Traffic),
	}, nil
}

func (v *VPN) Name() string { return "vpn" }

// exec opens a fresh UNIX stream, writes command, and decodes the
// single-byte exit code followed by an optional JSON payload.
func (v *VPN) exec(ctx context.Context, command string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", v.socketPath)
	if err != nil {
		return nil, errs.VPNTimeout(errs.WithCause(err))
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte(command)); err != nil {
		return nil, errs.VPNTimeout(errs.WithCause(err))
	}
	if closer, ok := conn.(interface{ CloseWrite() error }); ok {
		closer.CloseWrite()
	}

	reader := bufio.NewReader(conn)
	codeByte, err := reader.ReadByte()
	if err != nil {
		return nil, errs.VPNTimeout(errs.WithCause(err))
	}

	code, err := strconv.Atoi(string(codeByte))
	if err != nil {
		return nil, errs.VPNTimeout(errs.WithCause(err))
	}

	switch code {
	case 0:
		payload, err := readAll(reader)
		if err != nil {
			return nil, errs.VPNTimeout(errs.WithCause(err))
		}
		if len(strings.TrimSpace(string(payload))) == 0 {
			return nil, nil
		}
		return payload, nil
	case 3:
		return nil, errs.UserExist("")
	case 4:
		return nil, errs.UserNotExist("")
	default:
		return nil, errs.VPNTimeout()
	}
}

func readAll(r *bufio.Reader) ([]byte, error) {
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
	}
}

func (v *VPN) AddUser(ctx context.Context, creds catalogtypes.Credentials) error {
	_, err := v.exec(ctx, fmt.Sprintf("add_user %s %s", creds.Username, creds.UUID))
	return err
}

func (v *VPN) DeleteUser(ctx context.Context, username string) error {
	_, err := v.exec(ctx, fmt.Sprintf("delete_user %s", username))
	return err
}

// isRestarted reports whether the broker's reported boot time changed
// since the last call; UsersTrafficUsage clears the tracked counters when
// it has. The very first observation returns false (there is no baseline
// to compare against yet).
func (v *VPN) isRestarted(ctx context.Context) (bool, error) {
	payload, err := v.exec(ctx, "show_status")
	if err != nil {
		return false, err
	}
	if payload == nil {
		return false, nil
	}
	var status rawStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return false, fmt.Errorf("adapter: decoding show_status: %w", err)
	}

	if !v.bootObserved {
		v.bootObserved = true
		v.lastBoot = status.RawUpSince
		return false, nil
	}
	if status.RawUpSince != v.lastBoot {
		v.lastBoot = status.RawUpSince
		return true, nil
	}
	return false, nil
}

func (v *VPN) UsersTrafficUsage(ctx context.Context, reset bool) (map[string]catalogtypes.Traffic, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	restarted, err := v.isRestarted(ctx)
	if err != nil {
		return nil, err
	}
	if restarted {
		v.traffic = make(map[string]catalogtypes.Traffic)
	}

	payload, err := v.exec(ctx, "show_users")
	if err != nil {
		return nil, err
	}

	var sessions []rawSession
	if payload != nil {
		if err := json.Unmarshal(payload, &sessions); err != nil {
			return nil, fmt.Errorf("adapter: decoding show_users: %w", err)
		}
	}

	current := make(map[string]catalogtypes.Traffic)
	for _, s := range sessions {
		if s.State == "pre-auth" {
			continue
		}
		tx, _ := strconv.ParseInt(s.TX, 10, 64)
		rx, _ := strconv.ParseInt(s.RX, 10, 64)
		t := current[s.Username]
		t.Uplink += tx
		t.Downlink += rx
		current[s.Username] = t
	}

	usage := make(map[string]catalogtypes.Traffic, len(current))
	for username, absolute := range current {
		previous, known := v.traffic[username]
		if !known {
			if reset {
				v.traffic[username] = absolute
			}
			usage[username] = absolute
			continue
		}

		delta := catalogtypes.Traffic{
			Uplink:   absolute.Uplink - previous.Uplink,
			Downlink: absolute.Downlink - previous.Downlink,
		}
		// Client disconnected and reconnected: the absolute counter reset
		// server-side, so fall back to the current absolute value.
		if delta.Uplink < 0 {
			delta.Uplink = absolute.Uplink
		}
		if delta.Downlink < 0 {
			delta.Downlink = absolute.Downlink
		}
		if reset {
			v.traffic[username] = absolute
		}
		usage[username] = delta
	}
	return usage, nil
}

func (v *VPN) Close() error {
	return nil
}
