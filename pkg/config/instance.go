package config

// Instance is the flat desired-state record for one tunnel endpoint, derived
// wholesale from the document on every apply. It is a value type; two
// snapshots of the same instance compare with ==.
type Instance struct {
	ID      string
	Role    Role
	Alias   string
	Enabled bool

	Password   string
	RawMode    string
	CipherMode string
	AuthMode   string

	AutoIptables      bool
	LowerLevel        string
	Dev               string
	DisableAntiReplay bool
	DisableBPF        bool
	ExtraArgs         string
	LogLevel          string

	// Server role
	ListenIP    string
	ListenPort  int
	ForwardIP   string
	ForwardPort int

	// Client role
	ServerIP   string
	ServerPort int
	LocalIP    string
	LocalPort  int
	SourceIP   string
	SourcePort int
	SeqMode    int
}

// Instances flattens the document into per-instance records. The index in
// each list at apply time fixes the instance id.
func Instances(doc *Document) []Instance {
	out := make([]Instance, 0, len(doc.Servers)+len(doc.Clients))
	for i, s := range doc.Servers {
		out = append(out, Instance{
			ID:                InstanceID(RoleServer, i),
			Role:              RoleServer,
			Alias:             s.Alias,
			Enabled:           s.Enabled,
			Password:          s.Password,
			RawMode:           s.RawMode,
			CipherMode:        s.CipherMode,
			AuthMode:          s.AuthMode,
			AutoIptables:      s.AutoIptables,
			LowerLevel:        s.LowerLevel,
			Dev:               s.Dev,
			DisableAntiReplay: s.DisableAntiReplay,
			DisableBPF:        s.DisableBPF,
			ExtraArgs:         s.ExtraArgs,
			LogLevel:          doc.Global.LogLevel,
			ListenIP:          s.ListenIP,
			ListenPort:        s.ListenPort,
			ForwardIP:         s.ForwardIP,
			ForwardPort:       s.ForwardPort,
		})
	}
	for i, c := range doc.Clients {
		out = append(out, Instance{
			ID:                InstanceID(RoleClient, i),
			Role:              RoleClient,
			Alias:             c.Alias,
			Enabled:           c.Enabled,
			Password:          c.Password,
			RawMode:           c.RawMode,
			CipherMode:        c.CipherMode,
			AuthMode:          c.AuthMode,
			AutoIptables:      c.AutoIptables,
			LowerLevel:        c.LowerLevel,
			Dev:               c.Dev,
			DisableAntiReplay: c.DisableAntiReplay,
			DisableBPF:        c.DisableBPF,
			ExtraArgs:         c.ExtraArgs,
			LogLevel:          doc.Global.LogLevel,
			ServerIP:          c.ServerIP,
			ServerPort:        c.ServerPort,
			LocalIP:           c.LocalIP,
			LocalPort:         c.LocalPort,
			SourceIP:          c.SourceIP,
			SourcePort:        int(c.SourcePort),
			SeqMode:           c.SeqMode,
		})
	}
	return out
}

// TunnelPort is the port the raw transport occupies on the wire for this
// instance: the listen port for servers, the remote server port for clients.
// Firewall rules key off it.
func (i Instance) TunnelPort() int {
	if i.Role == RoleServer {
		return i.ListenPort
	}
	return i.ServerPort
}
