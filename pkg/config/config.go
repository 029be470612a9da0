// Package config owns the persisted configuration document and its
// translation into flat per-instance records consumed by the supervisor.
// Validation happens once here, at the boundary.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ihub-2020/udp2rawd/pkg/errdefs"
	"github.com/ihub-2020/udp2rawd/pkg/util"
)

// Role discriminates server instances from client instances.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// Document is the on-disk JSON configuration.
type Document struct {
	Global  Global         `json:"global"`
	Servers []ServerConfig `json:"servers"`
	Clients []ClientConfig `json:"clients"`
}

// Global holds panel-wide switches.
type Global struct {
	Enabled      bool   `json:"enabled"`
	KeepIptables bool   `json:"keep_iptables"`
	WaitLock     bool   `json:"wait_lock"`
	RetryOnError bool   `json:"retry_on_error"`
	LogLevel     string `json:"log_level"`
}

// ServerConfig is one server-role tunnel endpoint.
type ServerConfig struct {
	Enabled           bool   `json:"enabled"`
	Alias             string `json:"alias"`
	ListenIP          string `json:"listen_ip"`
	ListenPort        int    `json:"listen_port"`
	ForwardIP         string `json:"forward_ip"`
	ForwardPort       int    `json:"forward_port"`
	Password          string `json:"password"`
	RawMode           string `json:"raw_mode"`
	CipherMode        string `json:"cipher_mode"`
	AuthMode          string `json:"auth_mode"`
	AutoIptables      bool   `json:"auto_iptables"`
	LowerLevel        string `json:"lower_level"`
	Dev               string `json:"dev"`
	DisableAntiReplay bool   `json:"disable_anti_replay"`
	DisableBPF        bool   `json:"disable_bpf"`
	ExtraArgs         string `json:"extra_args"`
}

// ClientConfig is one client-role tunnel endpoint.
type ClientConfig struct {
	Enabled           bool     `json:"enabled"`
	Alias             string   `json:"alias"`
	ServerIP          string   `json:"server_ip"`
	ServerPort        int      `json:"server_port"`
	LocalIP           string   `json:"local_ip"`
	LocalPort         int      `json:"local_port"`
	SourceIP          string   `json:"source_ip"`
	SourcePort        FlexPort `json:"source_port"`
	SeqMode           int      `json:"seq_mode"`
	Password          string   `json:"password"`
	RawMode           string   `json:"raw_mode"`
	CipherMode        string   `json:"cipher_mode"`
	AuthMode          string   `json:"auth_mode"`
	AutoIptables      bool     `json:"auto_iptables"`
	LowerLevel        string   `json:"lower_level"`
	Dev               string   `json:"dev"`
	DisableAntiReplay bool     `json:"disable_anti_replay"`
	DisableBPF        bool     `json:"disable_bpf"`
	ExtraArgs         string   `json:"extra_args"`
}

// FlexPort accepts either a JSON number or an empty string, which the web
// form emits for "unset". Zero means unset.
type FlexPort int

func (p *FlexPort) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == `""` || string(b) == "null" {
		*p = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*p = 0
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", s, err)
		}
		*p = FlexPort(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*p = FlexPort(n)
	return nil
}

func (p FlexPort) MarshalJSON() ([]byte, error) {
	if p == 0 {
		return []byte(`""`), nil
	}
	return []byte(strconv.Itoa(int(p))), nil
}

// Default returns the document used when no config file exists yet.
func Default() *Document {
	return &Document{
		Global: Global{
			Enabled:      false,
			KeepIptables: true,
			WaitLock:     true,
			RetryOnError: true,
			LogLevel:     "info",
		},
		Servers: []ServerConfig{},
		Clients: []ClientConfig{},
	}
}

// DefaultServer is the template for a new server entry; Load also uses it to
// backfill fields missing from documents written by older versions.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Alias:        "New Server",
		ListenIP:     "0.0.0.0",
		ListenPort:   29900,
		ForwardIP:    "127.0.0.1",
		ForwardPort:  51820,
		Password:     "password",
		RawMode:      "faketcp",
		CipherMode:   "xor",
		AuthMode:     "simple",
		AutoIptables: true,
	}
}

// DefaultClient is the client counterpart of DefaultServer.
func DefaultClient() ClientConfig {
	return ClientConfig{
		Alias:        "New Client",
		ServerIP:     "1.2.3.4",
		ServerPort:   29900,
		LocalIP:      "127.0.0.1",
		LocalPort:    3333,
		SeqMode:      3,
		Password:     "password",
		RawMode:      "faketcp",
		CipherMode:   "xor",
		AuthMode:     "simple",
		AutoIptables: true,
	}
}

// Load reads the document at path, backfilling defaults for fields absent
// from the file. A missing file yields the default document, not an error.
func Load(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	doc := Default()
	if err := json.Unmarshal(b, doc); err != nil {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrConfigInvalid, err)
	}
	mergeDefaults(doc, b)
	return doc, nil
}

// mergeDefaults backfills per-instance fields that were absent from the raw
// JSON. Unmarshal already zero-fills them, so only fields whose zero value is
// a bad default need the raw-presence check.
func mergeDefaults(doc *Document, raw []byte) {
	var probe struct {
		Servers []map[string]json.RawMessage `json:"servers"`
		Clients []map[string]json.RawMessage `json:"clients"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return
	}
	sdef := DefaultServer()
	for i := range doc.Servers {
		if i >= len(probe.Servers) {
			break
		}
		keys := probe.Servers[i]
		s := &doc.Servers[i]
		if _, ok := keys["alias"]; !ok {
			s.Alias = sdef.Alias
		}
		if _, ok := keys["listen_ip"]; !ok {
			s.ListenIP = sdef.ListenIP
		}
		if _, ok := keys["listen_port"]; !ok {
			s.ListenPort = sdef.ListenPort
		}
		if _, ok := keys["forward_ip"]; !ok {
			s.ForwardIP = sdef.ForwardIP
		}
		if _, ok := keys["forward_port"]; !ok {
			s.ForwardPort = sdef.ForwardPort
		}
		if _, ok := keys["raw_mode"]; !ok {
			s.RawMode = sdef.RawMode
		}
		if _, ok := keys["cipher_mode"]; !ok {
			s.CipherMode = sdef.CipherMode
		}
		if _, ok := keys["auth_mode"]; !ok {
			s.AuthMode = sdef.AuthMode
		}
		if _, ok := keys["auto_iptables"]; !ok {
			s.AutoIptables = sdef.AutoIptables
		}
	}
	cdef := DefaultClient()
	for i := range doc.Clients {
		if i >= len(probe.Clients) {
			break
		}
		keys := probe.Clients[i]
		c := &doc.Clients[i]
		if _, ok := keys["alias"]; !ok {
			c.Alias = cdef.Alias
		}
		if _, ok := keys["server_port"]; !ok {
			c.ServerPort = cdef.ServerPort
		}
		if _, ok := keys["local_ip"]; !ok {
			c.LocalIP = cdef.LocalIP
		}
		if _, ok := keys["local_port"]; !ok {
			c.LocalPort = cdef.LocalPort
		}
		if _, ok := keys["seq_mode"]; !ok {
			c.SeqMode = cdef.SeqMode
		}
		if _, ok := keys["raw_mode"]; !ok {
			c.RawMode = cdef.RawMode
		}
		if _, ok := keys["cipher_mode"]; !ok {
			c.CipherMode = cdef.CipherMode
		}
		if _, ok := keys["auth_mode"]; !ok {
			c.AuthMode = cdef.AuthMode
		}
		if _, ok := keys["auto_iptables"]; !ok {
			c.AutoIptables = cdef.AutoIptables
		}
	}
}

// Save writes the document to path, creating parent directories as needed.
// The file is written to a temp name first and renamed into place so a
// concurrent Load never sees a torn document.
func Save(path string, doc *Document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Validate checks the whole document before any process or rule action.
// It reports every problem it finds, not only the first.
func Validate(doc *Document) error {
	var problems []string
	for i, s := range doc.Servers {
		id := InstanceID(RoleServer, i)
		if err := validPort(s.ListenPort); err != nil {
			problems = append(problems, fmt.Sprintf("%s: listen_port: %s", id, err))
		}
		if err := validPort(s.ForwardPort); err != nil {
			problems = append(problems, fmt.Sprintf("%s: forward_port: %s", id, err))
		}
		if s.ListenIP == "" {
			problems = append(problems, fmt.Sprintf("%s: listen_ip is required", id))
		}
		if s.ForwardIP == "" {
			problems = append(problems, fmt.Sprintf("%s: forward_ip is required", id))
		}
		if s.RawMode == "" {
			problems = append(problems, fmt.Sprintf("%s: raw_mode is required", id))
		}
		if s.ExtraArgs != "" {
			if _, err := util.SplitArgs(s.ExtraArgs); err != nil {
				problems = append(problems, fmt.Sprintf("%s: extra_args: %s", id, err))
			}
		}
	}
	for i, c := range doc.Clients {
		id := InstanceID(RoleClient, i)
		if err := validPort(c.ServerPort); err != nil {
			problems = append(problems, fmt.Sprintf("%s: server_port: %s", id, err))
		}
		if err := validPort(c.LocalPort); err != nil {
			problems = append(problems, fmt.Sprintf("%s: local_port: %s", id, err))
		}
		if c.SourcePort != 0 {
			if err := validPort(int(c.SourcePort)); err != nil {
				problems = append(problems, fmt.Sprintf("%s: source_port: %s", id, err))
			}
		}
		if c.ServerIP == "" {
			problems = append(problems, fmt.Sprintf("%s: server_ip is required", id))
		}
		if c.LocalIP == "" {
			problems = append(problems, fmt.Sprintf("%s: local_ip is required", id))
		}
		if c.RawMode == "" {
			problems = append(problems, fmt.Sprintf("%s: raw_mode is required", id))
		}
		if c.ExtraArgs != "" {
			if _, err := util.SplitArgs(c.ExtraArgs); err != nil {
				problems = append(problems, fmt.Sprintf("%s: extra_args: %s", id, err))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", errdefs.ErrConfigInvalid, problems)
	}
	return nil
}

func validPort(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("port %d out of range", p)
	}
	return nil
}

// InstanceID derives the stable id joining desired and observed state:
// "server_<index>" / "client_<index>".
func InstanceID(role Role, index int) string {
	return fmt.Sprintf("%s_%d", role, index)
}
