package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "MEETFLOW_ICE_SERVERS_JSON"

	envStunURLs       = "MEETFLOW_STUN_URLS"
	envTurnURLs       = "MEETFLOW_TURN_URLS"
	envTurnUsername   = "MEETFLOW_TURN_USERNAME"
	envTurnCredential = "MEETFLOW_TURN_CREDENTIAL"

	// noSTUN as the STUN URL list turns off the default STUN server, leaving
	// a TURN-only configuration.
	noSTUN = "none"
)

// iceSources are the raw ICE settings before resolution.
type iceSources struct {
	JSON           string
	STUN           string
	TURN           string
	TURNUsername   string
	TURNCredential string
}

// resolve builds the peer connection ICE list. The JSON form wins over the
// URL lists. Either way the result carries a STUN server: DefaultSTUNURL is
// prepended when none is configured, unless STUN is "none".
func (s iceSources) resolve() ([]webrtc.ICEServer, error) {
	var (
		servers []webrtc.ICEServer
		err     error
	)
	if raw := strings.TrimSpace(s.JSON); raw != "" {
		servers, err = ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
	} else {
		servers, err = s.fromURLLists()
		if err != nil {
			return nil, err
		}
	}

	if strings.EqualFold(strings.TrimSpace(s.STUN), noSTUN) {
		if len(servers) == 0 {
			return nil, fmt.Errorf("%s=%s needs a TURN server", envStunURLs, noSTUN)
		}
		return servers, nil
	}
	if !hasScheme(servers, "stun", "stuns") {
		servers = append([]webrtc.ICEServer{{URLs: []string{DefaultSTUNURL}}}, servers...)
	}
	return servers, nil
}

func (s iceSources) fromURLLists() ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer
	if stun := splitCommaSeparated(s.STUN); len(stun) > 0 && !strings.EqualFold(stun[0], noSTUN) {
		server := webrtc.ICEServer{URLs: stun}
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if turn := splitCommaSeparated(s.TURN); len(turn) > 0 {
		server := webrtc.ICEServer{
			URLs:       turn,
			Username:   strings.TrimSpace(s.TURNUsername),
			Credential: strings.TrimSpace(s.TURNCredential),
		}
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("%s (%s/%s): %w", envTurnURLs, envTurnUsername, envTurnCredential, err)
		}
		servers = append(servers, server)
	}
	return dedupeICEURLs(servers), nil
}

// iceServerEntry is one RTCIceServer dictionary. urls may be a string or a
// list, as in the browser API.
type iceServerEntry struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

type urlList []string

func (u *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if json.Unmarshal(b, &one) == nil {
		*u = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("urls must be a string or a list of strings")
	}
	*u = many
	return nil
}

// ParseICEServersJSON parses MEETFLOW_ICE_SERVERS_JSON. Blank URLs are
// dropped and a URL already listed by an earlier entry is ignored.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []iceServerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		server := webrtc.ICEServer{Username: strings.TrimSpace(e.Username)}
		for _, u := range e.URLs {
			if u = strings.TrimSpace(u); u != "" {
				server.URLs = append(server.URLs, u)
			}
		}
		if cred := strings.TrimSpace(e.Credential); cred != "" {
			server.Credential = e.Credential
		}
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		servers = append(servers, server)
	}
	return dedupeICEURLs(servers), nil
}

// dedupeICEURLs keeps the first occurrence of each URL and drops servers
// left without any.
func dedupeICEURLs(servers []webrtc.ICEServer) []webrtc.ICEServer {
	seen := make(map[string]struct{})
	out := servers[:0]
	for _, server := range servers {
		urls := server.URLs[:0:0]
		for _, u := range server.URLs {
			key := strings.ToLower(u)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			urls = append(urls, u)
		}
		if len(urls) == 0 {
			continue
		}
		server.URLs = urls
		out = append(out, server)
	}
	return out
}

func hasScheme(servers []webrtc.ICEServer, schemes ...string) bool {
	for _, server := range servers {
		for _, u := range server.URLs {
			scheme, _, _ := strings.Cut(u, ":")
			for _, want := range schemes {
				if strings.EqualFold(scheme, want) {
					return true
				}
			}
		}
	}
	return false
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func checkICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	var relay bool
	for _, u := range server.URLs {
		scheme, rest, ok := strings.Cut(strings.TrimSpace(u), ":")
		if !ok || rest == "" {
			return fmt.Errorf("malformed url %q", u)
		}
		switch strings.ToLower(scheme) {
		case "stun", "stuns":
		case "turn", "turns":
			relay = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
	}
	if !relay {
		return nil
	}

	if server.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, _ := server.Credential.(string); strings.TrimSpace(cred) == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}
