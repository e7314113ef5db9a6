package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/kuuji/corelink/internal/client"
	"github.com/kuuji/corelink/internal/config"
	"github.com/kuuji/corelink/internal/control"
	"github.com/kuuji/corelink/internal/portal"
	"github.com/kuuji/corelink/internal/tunnel"
)

// pollInterval bounds how long RunGateway sleeps between Tick calls once a
// round of polling reports no progress. Short enough that ICE candidates
// and portal replies are acted on promptly, long enough not to spin.
const pollInterval = 50 * time.Millisecond

// RunGateway drives the gateway-mediated connectivity core to completion:
// it dials the portal over WebSocket, wires a GatewayTunnel as the Tunnel
// collaborator, and runs client.Loop's Tick until ctx is cancelled or the
// loop reports a fatal error.
func RunGateway(ctx context.Context, cfg *config.Config, deps Deps, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	reconnectInitialDelay := time.Second
	if cfg.Portal.ReconnectInitialDelaySecs > 0 {
		reconnectInitialDelay = time.Duration(cfg.Portal.ReconnectInitialDelaySecs) * time.Second
	}
	reconnectMaxDelay := 30 * time.Second
	if cfg.Portal.ReconnectMaxDelaySecs > 0 {
		reconnectMaxDelay = time.Duration(cfg.Portal.ReconnectMaxDelaySecs) * time.Second
	}

	accessToken := ""
	portalClient := portal.NewClient(portal.ClientConfig{
		ServerURL: cfg.Network.ServerURL,
		TokenProvider: func() string {
			return accessToken
		},
		OnAuthFailure: func() error {
			resp, err := deps.Auth.Refresh(ctx, cfg.Network.ServerURL, cfg.Network.DeviceID, cfg.Network.RefreshToken)
			if err != nil {
				return fmt.Errorf("refreshing portal credentials: %w", err)
			}
			accessToken = resp.AccessToken
			cfg.Network.RefreshToken = resp.RefreshToken
			return nil
		},
		Logger: logger,
		Reconnect: portal.ReconnectConfig{
			Enabled:      true,
			InitialDelay: reconnectInitialDelay,
			MaxDelay:     reconnectMaxDelay,
		},
	})

	if resp, err := deps.Auth.Refresh(ctx, cfg.Network.ServerURL, cfg.Network.DeviceID, cfg.Network.RefreshToken); err == nil {
		accessToken = resp.AccessToken
		cfg.Network.RefreshToken = resp.RefreshToken
	} else {
		logger.Warn("initial credential refresh failed, dialing with no access token", "error", err)
	}

	if err := portalClient.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to portal: %w", err)
	}
	defer portalClient.Close()

	now := time.Now()
	state := client.NewState(now)
	tun := NewGatewayTunnel(cfg, deps, state, logger)
	adapter := portal.NewAdapter(ctx, portalClient)

	logUploadInterval := client.LogUploadIntervalFromEnv()
	if cfg.Logs.UploadIntervalSecs > 0 {
		logUploadInterval = time.Duration(cfg.Logs.UploadIntervalSecs) * time.Second
	}

	loop := client.NewLoop(client.LoopConfig{
		Tunnel:            tun,
		Portal:            adapter,
		Logger:            logger,
		State:             state,
		OSResolvers:       systemResolvers,
		ConfiguredDNS:     cfg.DNS.Upstream,
		LogUploadInterval: logUploadInterval,
	}, now)

	startedAt := now
	controlSrv := control.NewServer(control.ResolveSocketPath(), func() control.Status {
		return statusFromTunnel(cfg, tun, startedAt)
	}, logger)
	controlSrv.SetOfferingsProvider(func() []control.PeerOfferings {
		return offeringsFromTunnel(tun)
	})
	if err := controlSrv.Start(); err != nil {
		logger.Warn("starting control socket, status/devices/peers commands will not work", "error", err)
	} else {
		defer controlSrv.Stop()
	}

	logger.Info("connectivity core started", "server", cfg.Network.ServerURL)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		for {
			progress, err := loop.Tick(time.Now())
			if err != nil {
				if errors.Is(err, client.ErrFatal) {
					return fmt.Errorf("connectivity core stopped: %w", err)
				}
				logger.Warn("event loop tick error", "error", err)
			}
			if !progress {
				break
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func systemResolvers() []netip.Addr {
	return tunnel.SystemResolvers()
}

// statusFromTunnel builds the control socket's status snapshot from the
// live GatewayTunnel state. Resources stand in for the control package's
// "peer" concept — corelink routes by resource, not by flat peer mesh.
func statusFromTunnel(cfg *config.Config, tun *GatewayTunnel, startedAt time.Time) control.Status {
	resources := tun.Resources()
	peers := make([]control.PeerStatus, 0, len(resources))
	for _, r := range resources {
		state := "unrouted"
		if r.GatewayID != "" {
			state = r.ICEState
		}
		peers = append(peers, control.PeerStatus{
			ID:       r.ResourceID,
			Address:  r.Address,
			State:    state,
			ICEType:  r.ICEType,
			Metadata: map[string]string{"gateway_id": r.GatewayID, "name": r.Name},
		})
	}
	return control.Status{
		Device:        cfg.Device.Name,
		Address:       cfg.Device.Address,
		ServerURL:     cfg.Network.ServerURL,
		UptimeSeconds: time.Since(startedAt).Seconds(),
		Peers:         peers,
	}
}

// offeringsFromTunnel reports every routed resource as a "peer offering"
// with no route/DNS selection UI of its own yet — resources are pushed by
// the portal's catalogue, not negotiated per-peer the way the teacher's
// flat mesh protocol does, so Advertised/Accepted are left at their zero
// value rather than fabricated.
func offeringsFromTunnel(tun *GatewayTunnel) []control.PeerOfferings {
	resources := tun.Resources()
	out := make([]control.PeerOfferings, 0, len(resources))
	for _, r := range resources {
		state := "unrouted"
		if r.GatewayID != "" {
			state = r.ICEState
		}
		out = append(out, control.PeerOfferings{
			PeerID:  r.ResourceID,
			Address: r.Address,
			State:   state,
		})
	}
	return out
}
