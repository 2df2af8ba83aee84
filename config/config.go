package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"git.sr.ht/~emersion/go-scfg"
)

// DefaultPath is the default configuration path. It can be set at build
// time with the linker.
var DefaultPath string

type IPSet []*net.IPNet

func (set IPSet) Contains(ip net.IP) bool {
	for _, n := range set {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// loopbackIPs contains the loopback networks 127.0.0.0/8 and ::1/128.
var loopbackIPs = IPSet{
	&net.IPNet{
		IP:   net.IP{127, 0, 0, 0},
		Mask: net.CIDRMask(8, 32),
	},
	&net.IPNet{
		IP:   net.IPv6loopback,
		Mask: net.CIDRMask(128, 128),
	},
}

type TLS struct {
	CertPath, KeyPath string
}

type SASL struct {
	Mechanism string
	Username  string
	Password  string
}

type Server struct {
	Listen   []string
	TLS      *TLS
	Hostname string

	Upstream string

	HTTPOrigins    []string
	AcceptProxyIPs IPSet

	SessionGrace  time.Duration
	SessionBuffer int

	SASL *SASL
}

func Defaults() *Server {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return &Server{
		Hostname:      hostname,
		SessionGrace:  10 * time.Minute,
		SessionBuffer: 1024,
	}
}

func Load(path string) (*Server, error) {
	cfg, err := scfg.Load(path)
	if err != nil {
		return nil, err
	}
	return parse(cfg)
}

func parse(cfg scfg.Block) (*Server, error) {
	srv := Defaults()
	for _, d := range cfg {
		switch d.Name {
		case "listen":
			var uri string
			if err := d.ParseParams(&uri); err != nil {
				return nil, err
			}
			srv.Listen = append(srv.Listen, uri)
		case "hostname":
			if err := d.ParseParams(&srv.Hostname); err != nil {
				return nil, err
			}
		case "tls":
			tls := &TLS{}
			if err := d.ParseParams(&tls.CertPath, &tls.KeyPath); err != nil {
				return nil, err
			}
			srv.TLS = tls
		case "upstream":
			if err := d.ParseParams(&srv.Upstream); err != nil {
				return nil, err
			}
		case "http-origin":
			srv.HTTPOrigins = d.Params
		case "accept-proxy-ip":
			srv.AcceptProxyIPs = nil
			for _, s := range d.Params {
				if s == "localhost" {
					srv.AcceptProxyIPs = append(srv.AcceptProxyIPs, loopbackIPs...)
					continue
				}
				_, n, err := net.ParseCIDR(s)
				if err != nil {
					return nil, fmt.Errorf("directive %q: failed to parse CIDR: %v", d.Name, err)
				}
				srv.AcceptProxyIPs = append(srv.AcceptProxyIPs, n)
			}
		case "session-grace":
			var grace string
			if err := d.ParseParams(&grace); err != nil {
				return nil, err
			}
			dur, err := time.ParseDuration(grace)
			if err != nil {
				return nil, fmt.Errorf("directive %q: %v", d.Name, err)
			}
			if dur <= 0 {
				return nil, fmt.Errorf("directive %q: duration must be positive", d.Name)
			}
			srv.SessionGrace = dur
		case "session-buffer":
			var size string
			if err := d.ParseParams(&size); err != nil {
				return nil, err
			}
			n, err := strconv.Atoi(size)
			if err != nil {
				return nil, fmt.Errorf("directive %q: %v", d.Name, err)
			}
			if n <= 0 {
				return nil, fmt.Errorf("directive %q: size must be positive", d.Name)
			}
			srv.SessionBuffer = n
		case "sasl":
			sasl := &SASL{}
			var mechanism string
			if err := d.ParseParams(&mechanism, &sasl.Username, &sasl.Password); err != nil {
				return nil, err
			}
			switch mechanism {
			case "plain":
				sasl.Mechanism = "PLAIN"
			default:
				return nil, fmt.Errorf("directive %q: unknown mechanism %q", d.Name, mechanism)
			}
			srv.SASL = sasl
		default:
			return nil, fmt.Errorf("unknown directive %q", d.Name)
		}
	}

	if srv.Upstream == "" {
		return nil, fmt.Errorf("missing required directive \"upstream\"")
	}

	return srv, nil
}
