package webrtcpeer

import (
	"net"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/meetflow/internal/config"
)

func TestNewAPI_Defaults(t *testing.T) {
	api, err := NewAPI(config.Config{}, quietLogger())
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	_ = pc.Close()
}

func TestApplyNetworkSettings_RejectsBadCandidateType(t *testing.T) {
	se := webrtc.SettingEngine{}
	err := ApplyNetworkSettings(&se, config.Config{
		WebRTCNAT1To1IPs:             []string{"203.0.113.1"},
		WebRTCNAT1To1IPCandidateType: "relay",
	})
	if err == nil {
		t.Fatalf("expected error for invalid candidate type")
	}
}

func TestApplyNetworkSettings_PortRangeAndListenIP(t *testing.T) {
	se := webrtc.SettingEngine{}
	err := ApplyNetworkSettings(&se, config.Config{
		WebRTCUDPPortRange: &config.UDPPortRange{Min: 50000, Max: 50100},
		WebRTCUDPListenIP:  net.ParseIP("127.0.0.1"),
	})
	if err != nil {
		t.Fatalf("ApplyNetworkSettings: %v", err)
	}

	err = ApplyNetworkSettings(&se, config.Config{
		WebRTCUDPPortRange: &config.UDPPortRange{Min: 50100, Max: 50000},
	})
	if err == nil {
		t.Fatalf("expected error for inverted port range")
	}
}
