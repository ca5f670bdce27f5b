package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"greenhouse/go-iot-stack/internal/telemetry"
)

const (
	mdnsServiceType = "_greenhouse._tcp"
	mdnsDomain      = "local."
)

// startMDNS advertises the broker so edge publishers can find it on the LAN.
func (a *App) startMDNS(mqttPort int) error {
	if mqttPort <= 0 {
		return fmt.Errorf("invalid port %d", mqttPort)
	}
	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "greenhouse"
	}

	instance := mdnsInstance(fmt.Sprintf("Greenhouse Hub (%s)", hostname))
	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, mqttPort, mdnsTXT(mqttPort, a.cfg.HTTP.Port, hostname), nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", zap.String("instance", instance), zap.Int("port", mqttPort))
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}
	a.mdns.Shutdown()
	a.mdns = nil
	a.logger.Info("mDNS advertisement stopped")
}

func mdnsTXT(mqttPort, httpPort int, hostname string) []string {
	host := mdnsHost(hostname)
	if !strings.Contains(host, ".") {
		host += ".local"
	}
	return []string{
		fmt.Sprintf("mqtt_port=%d", mqttPort),
		fmt.Sprintf("http_port=%d", httpPort),
		"commands_topic=" + telemetry.CommandsTopic,
		fmt.Sprintf("host=%s", host),
	}
}

// mdnsInstance strips characters that break DNS-SD instance labels.
func mdnsInstance(name string) string {
	cleaned := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(strings.TrimSpace(name))
	if cleaned == "" {
		cleaned = "Greenhouse Hub"
	}
	return truncateString(cleaned, 63)
}

func mdnsHost(name string) string {
	cleaned := strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(strings.ToLower(strings.TrimSpace(name)))
	if cleaned == "" {
		cleaned = "greenhouse"
	}
	return truncateString(cleaned, 63)
}
