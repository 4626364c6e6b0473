package config

import (
	"strings"
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	raw := `[
	  {
	    "urls": ["stun:stun.example.com:3478"]
	  },
	  {
	    "urls": ["turn:turn.example.com:3478?transport=udp"],
	    "username": "user",
	    "credential": "pass"
	  }
	]`

	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected stun urls: %#v", got)
	}
	if got := servers[1].Username; got != "user" {
		t.Fatalf("unexpected username: %q", got)
	}
	if cred, ok := servers[1].Credential.(string); !ok || cred != "pass" {
		t.Fatalf("unexpected credential: %#v", servers[1].Credential)
	}
}

func TestParseICEServersJSON_SupportsSingleStringURLs(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersJSON(`[{"urls": "stun:stun.example.com:3478"}]`)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 1 || len(servers[0].URLs) != 1 || servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected servers: %#v", servers)
	}
}

func TestParseICEServersJSON_Rejects(t *testing.T) {
	t.Parallel()

	for name, raw := range map[string]string{
		"turn without creds": `[{"urls": ["turn:turn.example.com:3478?transport=udp"]}]`,
		"unknown scheme":     `[{"urls": ["http://stun.example.com"]}]`,
		"missing host":       `[{"urls": ["stun:"]}]`,
		"numeric urls":       `[{"urls": 3478}]`,
		"no urls":            `[{"urls": ["  "]}]`,
	} {
		if _, err := ParseICEServersJSON(raw); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParseICEServersJSON_DropsDuplicateURLs(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersJSON(`[
	  {"urls": ["stun:a.example.com", "STUN:A.example.com", "stun:b.example.com"]},
	  {"urls": "stun:b.example.com"}
	]`)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("expected the second entry to collapse, got %#v", servers)
	}
	if got := strings.Join(servers[0].URLs, ","); got != "stun:a.example.com,stun:b.example.com" {
		t.Fatalf("urls=%s", got)
	}
}

func TestResolveICE_URLLists(t *testing.T) {
	t.Parallel()

	servers, err := iceSources{
		STUN:           "stun:stun.example.com:3478",
		TURN:           "turn:turn.example.com:3478?transport=udp, turns:turn.example.com:5349",
		TURNUsername:   "user",
		TURNCredential: "pass",
	}.resolve()
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if servers[0].Username != "" || servers[0].Credential != nil {
		t.Fatalf("stun server should not have creds: %#v", servers[0])
	}
	if len(servers[1].URLs) != 2 || servers[1].Username != "user" || servers[1].Credential.(string) != "pass" {
		t.Fatalf("unexpected turn server: %#v", servers[1])
	}
}

func TestResolveICE_TURNNeedsCreds(t *testing.T) {
	t.Parallel()

	_, err := iceSources{TURN: "turn:turn.example.com:3478", TURNUsername: "user"}.resolve()
	if err == nil || !strings.Contains(err.Error(), envTurnURLs) {
		t.Fatalf("err=%v, want %s error", err, envTurnURLs)
	}
}

func TestResolveICE_DefaultsToPublicSTUN(t *testing.T) {
	t.Parallel()

	for name, src := range map[string]iceSources{
		"nothing set":     {},
		"empty json list": {JSON: "[]"},
	} {
		servers, err := src.resolve()
		if err != nil {
			t.Fatalf("%s: expected success, got %v", name, err)
		}
		if len(servers) != 1 || len(servers[0].URLs) != 1 || servers[0].URLs[0] != DefaultSTUNURL {
			t.Fatalf("%s: servers=%#v, want only %s", name, servers, DefaultSTUNURL)
		}
	}
}

func TestResolveICE_TURNOnlyGainsDefaultSTUN(t *testing.T) {
	t.Parallel()

	for name, src := range map[string]iceSources{
		"json": {JSON: `[{"urls": "turn:turn.example.com", "username": "u", "credential": "p"}]`},
		"lists": {
			TURN:           "turn:turn.example.com",
			TURNUsername:   "u",
			TURNCredential: "p",
		},
	} {
		servers, err := src.resolve()
		if err != nil {
			t.Fatalf("%s: expected success, got %v", name, err)
		}
		if len(servers) != 2 || servers[0].URLs[0] != DefaultSTUNURL || servers[1].URLs[0] != "turn:turn.example.com" {
			t.Fatalf("%s: servers=%#v", name, servers)
		}
	}
}

func TestResolveICE_NoneKeepsTURNOnly(t *testing.T) {
	t.Parallel()

	servers, err := iceSources{
		STUN:           "none",
		TURN:           "turn:turn.example.com",
		TURNUsername:   "u",
		TURNCredential: "p",
	}.resolve()
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != "turn:turn.example.com" {
		t.Fatalf("servers=%#v", servers)
	}

	if _, err := (iceSources{STUN: "None"}).resolve(); err == nil {
		t.Fatal("expected error for none without a TURN server")
	}
}
