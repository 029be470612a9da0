package api

type Status struct {
	Tunnels []TunnelStatus `json:"tunnels"`
}

type TunnelStatus struct {
	ID      string `json:"id"`
	Alias   string `json:"alias"`
	Running bool   `json:"running"`
	Pid     int    `json:"pid"`
	// Degraded means the process runs without its firewall rule.
	Degraded     bool   `json:"degraded,omitempty"`
	RestartCount int    `json:"restart_count,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

type Diagnostics struct {
	Binary   BinaryDiagnostics   `json:"binary"`
	Iptables IptablesDiagnostics `json:"iptables"`
}

type BinaryDiagnostics struct {
	Installed bool   `json:"installed"`
	Text      string `json:"text"`
	Hash      string `json:"hash"`
}

type IptablesDiagnostics struct {
	Present bool     `json:"present"`
	Text    string   `json:"text"`
	Chains  []string `json:"chains"`
}

type Logs struct {
	Logs string `json:"logs"`
}

type ApplyResult struct {
	Saved   bool `json:"saved"`
	Applied bool `json:"applied"`
}

type ErrorJSON struct {
	Message string `json:"message"`
}
