// Package config loads the server configuration from the environment.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type TLS struct {
	Enabled           bool
	Port              int
	CertPath, KeyPath string
}

type DB struct {
	Driver, Source string
}

type Server struct {
	Port         int
	ServerName   string
	OperName     string
	OperPassword string

	TLS TLS
	DB  DB

	MOTDPath       string
	MetricsAddr    string
	AcceptProxyIPs []*net.IPNet
}

func Defaults() *Server {
	return &Server{
		Port:         6667,
		ServerName:   "malefirc.local",
		OperName:     "admin",
		OperPassword: "adminpass",
		TLS: TLS{
			Port: 6697,
		},
		DB: DB{
			Driver: "sqlite3",
			Source: "malefirc.db",
		},
	}
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present; real environment
// variables win over it.
func Load() (*Server, error) {
	_ = godotenv.Load()

	srv := Defaults()

	var err error
	if srv.Port, err = getEnvInt("IRC_PORT", srv.Port); err != nil {
		return nil, err
	}
	srv.ServerName = getEnv("IRC_SERVER_NAME", srv.ServerName)
	srv.OperName = getEnv("IRC_OPER_NAME", srv.OperName)
	srv.OperPassword = getEnv("IRC_OPER_PASSWORD", srv.OperPassword)

	if srv.TLS.Enabled, err = getEnvBool("IRC_TLS_ENABLED", false); err != nil {
		return nil, err
	}
	if srv.TLS.Port, err = getEnvInt("IRC_TLS_PORT", srv.TLS.Port); err != nil {
		return nil, err
	}
	srv.TLS.CertPath = getEnv("IRC_TLS_CERT", "")
	srv.TLS.KeyPath = getEnv("IRC_TLS_KEY", "")
	if srv.TLS.Enabled && (srv.TLS.CertPath == "" || srv.TLS.KeyPath == "") {
		return nil, fmt.Errorf("IRC_TLS_ENABLED requires IRC_TLS_CERT and IRC_TLS_KEY")
	}

	srv.DB.Driver = getEnv("IRC_DB_DRIVER", srv.DB.Driver)
	srv.DB.Source = getEnv("IRC_DB_SOURCE", srv.DB.Source)

	srv.MOTDPath = getEnv("IRC_MOTD_PATH", "")
	srv.MetricsAddr = getEnv("IRC_METRICS_ADDR", "")

	if raw := os.Getenv("IRC_ACCEPT_PROXY_IPS"); raw != "" {
		for _, s := range splitList(raw) {
			_, n, err := net.ParseCIDR(s)
			if err != nil {
				return nil, fmt.Errorf("IRC_ACCEPT_PROXY_IPS: failed to parse CIDR %q: %v", s, err)
			}
			srv.AcceptProxyIPs = append(srv.AcceptProxyIPs, n)
		}
	}

	return srv, nil
}

func (srv *Server) AcceptsProxy(ip net.IP) bool {
	for _, n := range srv.AcceptProxyIPs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %v", key, err)
	}
	return b, nil
}

func splitList(s string) []string {
	var out []string
	start := -1
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' || s[i] == ' ' {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	return out
}
