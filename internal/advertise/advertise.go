// Package advertise implements ServiceAdvertiser (spec §4.6): announces
// the host process on the local network over mDNS so mobile peers can
// discover it without any manual address entry. No repo in the example
// pack embeds mDNS/zeroconf; grandcat/zeroconf is adopted directly from
// the wider Go ecosystem for this concern and is not grounded on pack
// code.
package advertise

import (
	"context"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const serviceType = "_audiowallet._tcp"
const domain = "local."

// Advertiser announces and withdraws the mDNS service record.
type Advertiser interface {
	Start(ctx context.Context) error
	Stop()
}

// ZeroconfAdvertiser advertises over mDNS/DNS-SD via grandcat/zeroconf.
type ZeroconfAdvertiser struct {
	instanceName string
	port         int
	roomName     string
	logger       *zap.Logger

	server *zeroconf.Server
}

// New constructs a ZeroconfAdvertiser. instanceName is the
// human-readable name shown in peer discovery UIs (spec's ServiceName);
// port is the websocket listener port; roomName is published as a TXT
// record so peers can show it before connecting.
func New(instanceName string, port int, roomName string, logger *zap.Logger) *ZeroconfAdvertiser {
	return &ZeroconfAdvertiser{
		instanceName: instanceName,
		port:         port,
		roomName:     roomName,
		logger:       logger,
	}
}

// Start registers the mDNS service record. Safe to call once; call Stop
// before a second Start.
func (a *ZeroconfAdvertiser) Start(ctx context.Context) error {
	txt := []string{
		"v=1",
		"relay=1",
		"room=" + a.roomName,
	}

	server, err := zeroconf.Register(a.instanceName, serviceType, domain, a.port, txt, nil)
	if err != nil {
		return err
	}
	a.server = server

	if a.logger != nil {
		a.logger.Info("advertising venue host over mdns",
			zap.String("service", serviceType),
			zap.Int("port", a.port),
			zap.String("room", a.roomName),
		)
	}
	return nil
}

// Stop withdraws the mDNS service record. Safe to call even if Start was
// never called or failed.
func (a *ZeroconfAdvertiser) Stop() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
