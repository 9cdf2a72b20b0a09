package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	proxymanCommand "github.com/xtls/xray-core/app/proxyman/command"
	statsCommand "github.com/xtls/xray-core/app/stats/command"
	"github.com/xtls/xray-core/common/protocol"
	"github.com/xtls/xray-core/common/serial"
	"github.com/xtls/xray-core/proxy/vless"

	"github.com/bypasshub/control-plane/internal/catalogtypes"
	"github.com/bypasshub/control-plane/internal/errs"
)

// ProxyConfig configures the Proxy service adapter.
type ProxyConfig struct {
	SocketPath  string
	Domain      string
	Flow        string
	InboundTags []string
	Timeout     time.Duration
}

// Proxy drives an Xray-core-compatible proxy engine over its gRPC command
// API: a persistent channel over a UNIX socket, "alter inbound" add/remove
// per inbound tag, and stats queried by pattern. It must be constructed
// after any process fork, since gRPC channels do not survive one.
type Proxy struct {
	conn        *grpc.ClientConn
	handler     proxymanCommand.HandlerServiceClient
	stats       statsCommand.StatsServiceClient
	domain      string
	flow        string
	inboundTags []string
	timeout     time.Duration
}

// NewProxy dials the Proxy's UNIX command socket.
func NewProxy(cfg ProxyConfig) (*Proxy, error) {
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("adapter: proxy timeout must be greater than zero")
	}
	conn, err := grpc.NewClient(
		"unix:"+cfg.SocketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("adapter: dialing proxy socket: %w", err)
	}
	return &Proxy{
		conn:        conn,
		handler:     proxymanCommand.NewHandlerServiceClient(conn),
		stats:       statsCommand.NewStatsServiceClient(conn),
		domain:      cfg.Domain,
		flow:        cfg.Flow,
		inboundTags: cfg.InboundTags,
		timeout:     cfg.Timeout,
	}, nil
}

func (p *Proxy) Name() string { return "proxy" }

func (p *Proxy) email(username string) string {
	return fmt.Sprintf("%s@%s", username, p.domain)
}

func (p *Proxy) AddUser(ctx context.Context, creds catalogtypes.Credentials) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	op := serial.ToTypedMessage(&proxymanCommand.AddUserOperation{
		User: &protocol.User{
			Email: p.email(creds.Username),
			Account: serial.ToTypedMessage(&vless.Account{
				Id:   creds.UUID,
				Flow: p.flow,
			}),
		},
	})

	for _, tag := range p.inboundTags {
		_, err := p.handler.AlterInbound(ctx, &proxymanCommand.AlterInboundRequest{
			Tag:       tag,
			Operation: op,
		})
		if err := p.mapError(err); err != nil {
			return err
		}
	}
	return nil
}

func (p *Proxy) DeleteUser(ctx context.Context, username string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	op := serial.ToTypedMessage(&proxymanCommand.RemoveUserOperation{
		Email: p.email(username),
	})

	for _, tag := range p.inboundTags {
		_, err := p.handler.AlterInbound(ctx, &proxymanCommand.AlterInboundRequest{
			Tag:       tag,
			Operation: op,
		})
		if err := p.mapError(err); err != nil {
			return err
		}
	}
	return nil
}

func (p *Proxy) UsersTrafficUsage(ctx context.Context, reset bool) (map[string]catalogtypes.Traffic, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.stats.QueryStats(ctx, &statsCommand.QueryStatsRequest{
		Pattern: "user",
		Reset_:  reset,
	})
	if err := p.mapError(err); err != nil {
		return nil, err
	}

	usage := make(map[string]catalogtypes.Traffic)
	for _, stat := range resp.GetStat() {
		// stat.Name looks like "user>>>name@domain>>>traffic>>>uplink"
		sections := strings.Split(stat.GetName(), ">>>")
		if len(sections) != 4 {
			continue
		}
		username := strings.SplitN(sections[1], "@", 2)[0]
		t := usage[username]
		switch sections[3] {
		case "uplink":
			t.Uplink = stat.GetValue()
		case "downlink":
			t.Downlink = stat.GetValue()
		}
		usage[username] = t
	}
	return usage, nil
}

func (p *Proxy) Close() error {
	return p.conn.Close()
}

// mapError translates gRPC/transport failures into error kinds.
func (p *Proxy) mapError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return errs.ProxyTimeout(errs.WithCause(err))
	}
	details := strings.ToLower(st.Message())
	switch {
	case strings.Contains(details, "already exists"):
		return errs.UserExist("")
	case strings.Contains(details, "not found"):
		return errs.UserNotExist("")
	case strings.Contains(details, "no such file or directory"),
		strings.Contains(details, "connection refused"),
		st.Code() == codes.DeadlineExceeded,
		st.Code() == codes.Unavailable:
		return errs.ProxyTimeout(errs.WithCause(err))
	default:
		return errs.ProxyTimeout(errs.WithCause(err))
	}
}
