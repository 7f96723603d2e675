package daemon

import (
	"log"
	"os"
	"strconv"
	"time"

	"ircnet/router"
)

type Config struct {
	ServerName  string
	Description string

	// Listen addresses; an empty address disables that listener.
	LinkAddr     string
	LinkTLSAddr  string
	LinkQUICAddr string
	ClientAddr   string
	HTTPAddr     string

	TLSCert         string
	TLSKey          string
	VerifyPeerCerts bool

	DBFile string

	SendQBytes       int
	StallBytes       int
	ClientSendQBytes int
	PingInterval     time.Duration
	PingTimeout      time.Duration
	HandshakeTimeout time.Duration
	CollisionPolicy  string

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	AuditMaxAge  time.Duration

	JWTSecret    string
	OperName     string
	OperPassHash string
}

// ConfigFromEnv reads IRCD_* variables, falling back to defaults. Call
// godotenv.Load first to pick up a .env file.
func ConfigFromEnv() Config {
	return Config{
		ServerName:       envString("IRCD_SERVER_NAME", "irc.example.net"),
		Description:      envString("IRCD_DESCRIPTION", "ircnet server"),
		LinkAddr:         envString("IRCD_LINK_ADDR", ":7000"),
		LinkTLSAddr:      os.Getenv("IRCD_LINK_TLS_ADDR"),
		LinkQUICAddr:     os.Getenv("IRCD_LINK_QUIC_ADDR"),
		ClientAddr:       envString("IRCD_CLIENT_ADDR", ":6667"),
		HTTPAddr:         envString("IRCD_HTTP_ADDR", ":8080"),
		TLSCert:          os.Getenv("IRCD_TLS_CERT"),
		TLSKey:           os.Getenv("IRCD_TLS_KEY"),
		VerifyPeerCerts:  os.Getenv("IRCD_VERIFY_PEER_CERTS") == "1",
		DBFile:           envString("IRCD_DB_FILE", "./ircd.db"),
		SendQBytes:       envInt("IRCD_SENDQ_BYTES", 10*1024*1024),
		StallBytes:       envInt("IRCD_STALL_BYTES", 64*1024),
		ClientSendQBytes: envInt("IRCD_CLIENT_SENDQ_BYTES", 1024*1024),
		PingInterval:     envDuration("IRCD_PING_INTERVAL", 90*time.Second),
		PingTimeout:      envDuration("IRCD_PING_TIMEOUT", 60*time.Second),
		HandshakeTimeout: envDuration("IRCD_HANDSHAKE_TIMEOUT", 30*time.Second),
		CollisionPolicy:  envString("IRCD_COLLISION_POLICY", router.PolicyRename),
		ReconnectMin:     envDuration("IRCD_RECONNECT_MIN", 30*time.Second),
		ReconnectMax:     envDuration("IRCD_RECONNECT_MAX", 30*time.Minute),
		AuditMaxAge:      envDuration("IRCD_AUDIT_MAX_AGE", 30*24*time.Hour),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		OperName:         envString("IRCD_OPER_NAME", "admin"),
		OperPassHash:     os.Getenv("IRCD_OPER_PASS_HASH"),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("config: ignoring %s=%q", key, v)
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("config: ignoring %s=%q", key, v)
		return fallback
	}
	return d
}
