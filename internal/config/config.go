// Package config defines the resolved configuration object the core
// accepts (spec.md §1, §6.4): a fully-validated value, never parsed by this
// module. A caller (e.g. a game-server plugin host) populates it from
// ovc.conf or any other source before constructing a CoreContext.
package config

import "time"

// Config is the complete, pre-validated configuration surface the voice
// plane consumes. Every field documented in spec.md §6.4's "operator
// reference" lands here as a plain exported field.
type Config struct {
	// Signaling
	ListenAddr     string
	OriginAllowlist []string // exact scheme+host[+port] matches, spec §4.5

	// WebRTC / ICE
	ICEServers   []ICEServer
	ICEPortMin   uint16 // 0 = no restriction
	ICEPortMax   uint16
	DTLSHandshakeTimeout time.Duration
	SCTPMTU      int // bytes, default 1000 per spec §4.6

	// Proximity & audio routing
	MaxVoiceDistance  float64 // hard cap, spec §4.7.2, default 100
	RolloffFactor     float64 // default 1.5
	PositionTTL       time.Duration // default 30s, spec §3

	// Position tracker throttling, spec §4.3
	MinPositionIntervalMs int
	MinDistanceDeltaM     float64
	RotationThresholdDeg  float64

	// Groups, spec §3
	MaxGroupsGlobal      int // default 100
	DefaultMaxMembers    int // default group size cap when unspecified

	// Timeouts, spec §5
	IdleTimeout            time.Duration // default 60s
	PendingGameJoinTimeout time.Duration // default 60s

	// Auth
	AuthCodeFilePath   string // voice-chat-auth.properties
	AuthFailureLimit   int    // failed auth attempts per source IP before throttling, spec §7
	AuthFailureWindow  time.Duration // rolling window AuthFailureLimit applies over

	// Optional legacy UDP ingress, spec §9 Open Question #2
	UDPIngressAddr string // empty = disabled

	// Router concurrency, spec §5.A
	RouterWorkers int // default runtime.GOMAXPROCS(0)*4
}

// ICEServer mirrors pion/webrtc's ICEServer shape without importing pion
// into the config package, keeping config free of transport dependencies.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Default returns a Config populated with the defaults named throughout
// spec.md (§4.3, §4.6, §4.7.2, §5).
func Default() Config {
	return Config{
		ListenAddr:             ":8443",
		SCTPMTU:                1000,
		MaxVoiceDistance:       100,
		RolloffFactor:          1.5,
		PositionTTL:            30 * time.Second,
		MinPositionIntervalMs:  50,
		MinDistanceDeltaM:      0.25,
		RotationThresholdDeg:   2.0,
		MaxGroupsGlobal:        100,
		DefaultMaxMembers:      20,
		IdleTimeout:            60 * time.Second,
		PendingGameJoinTimeout: 60 * time.Second,
		DTLSHandshakeTimeout:   10 * time.Second,
		AuthCodeFilePath:       "voice-chat-auth.properties",
		AuthFailureLimit:       5,
		AuthFailureWindow:      time.Minute,
		RouterWorkers:          0, // resolved at CoreContext construction time
	}
}
