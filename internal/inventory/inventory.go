// Package inventory renders host records as an Ansible dynamic inventory document.
package inventory

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPrivateKeyPath is the SSH key every host is reached with unless overridden.
const DefaultPrivateKeyPath = "/root/.ssh/id_rsa"

// DefaultUser is used for unrecognized os types.
const DefaultUser = "root"

// UngroupedName is the group listing every host.
const UngroupedName = "ungrouped"

// Host is one managed server.
type Host struct {
	Name      string `yaml:"name" json:"name"`
	IPAddress string `yaml:"ip_address" json:"ip_address"`
	Role      string `yaml:"role" json:"role"`
	Status    string `yaml:"status" json:"status"`
	CPU       int    `yaml:"cpu" json:"cpu"`
	Memory    int    `yaml:"memory" json:"memory"`
	OSType    string `yaml:"os_type" json:"os_type"`
}

// roleGroups maps a host role to its group. Order is the emission order.
var roleGroups = []struct{ role, group string }{
	{"web", "webservers"},
	{"db", "dbservers"},
	{"was", "was_servers"},
	{"java", "java_servers"},
	{"search", "search_servers"},
	{"ftp", "ftp_servers"},
	{"monitoring", "monitoring_servers"},
}

var osUsers = map[string]string{
	"ubuntu":   "ubuntu",
	"debian":   "debian",
	"rocky":    "rocky",
	"centos":   "centos",
	"rhel":     "cloud-user",
	"alma":     "almalinux",
	"fedora":   "fedora",
	"opensuse": "opensuse",
	"suse":     "root",
	"sles":     "root",
}

var osFamilies = map[string]string{
	"ubuntu":   "Debian",
	"debian":   "Debian",
	"suse":     "Suse",
	"opensuse": "Suse",
	"sles":     "Suse",
}

// GroupFor returns the group of role, if the role is known.
func GroupFor(role string) (string, bool) {
	role = strings.ToLower(strings.TrimSpace(role))
	for _, rg := range roleGroups {
		if rg.role == role {
			return rg.group, true
		}
	}
	return "", false
}

// UserFor returns the login user for an os type.
func UserFor(osType string) string {
	if u, ok := osUsers[normalizeOS(osType)]; ok {
		return u
	}
	return DefaultUser
}

// FamilyFor classifies an os type. Anything unrecognized is RedHat.
func FamilyFor(osType string) string {
	if f, ok := osFamilies[normalizeOS(osType)]; ok {
		return f
	}
	return "RedHat"
}

func normalizeOS(osType string) string {
	return strings.ToLower(strings.TrimSpace(osType))
}

// LoadHosts reads a YAML hosts file: either a list of hosts or a mapping with a "hosts" key.
func LoadHosts(path string) ([]Host, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hosts file: %w", err)
	}
	return ParseHosts(data)
}

// ParseHosts decodes YAML host records and checks that every host has an address.
func ParseHosts(data []byte) ([]Host, error) {
	var doc struct {
		Hosts []Host `yaml:"hosts"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		var list []Host
		if lerr := yaml.Unmarshal(data, &list); lerr != nil {
			return nil, fmt.Errorf("parse hosts file: %w", err)
		}
		doc.Hosts = list
	}

	seen := make(map[string]bool, len(doc.Hosts))
	for i, h := range doc.Hosts {
		if strings.TrimSpace(h.IPAddress) == "" {
			return nil, fmt.Errorf("host %d (%q): ip_address is required", i, h.Name)
		}
		if seen[h.IPAddress] {
			return nil, fmt.Errorf("host %d (%q): duplicate ip_address %s", i, h.Name, h.IPAddress)
		}
		seen[h.IPAddress] = true
	}
	return doc.Hosts, nil
}

// HostVars are the per-host variables of the inventory.
type HostVars struct {
	AnsibleHost     string `json:"ansible_host"`
	ServerName      string `json:"server_name"`
	ServerRole      string `json:"server_role"`
	ServerStatus    string `json:"server_status"`
	AnsibleUser     string `json:"ansible_user"`
	PrivateKeyFile  string `json:"ansible_ssh_private_key_file"`
	HostKeyChecking bool   `json:"ansible_host_key_checking"`
	OSFamily        string `json:"ansible_os_family"`
}

// Group is one inventory group.
type Group struct {
	Hosts []string `json:"hosts"`
}

// Document is a full inventory listing. Groups keeps emission order; MarshalJSON produces
// the Ansible shape with groups at the top level next to "_meta".
type Document struct {
	Groups   []NamedGroup
	HostVars map[string]HostVars
}

// NamedGroup pairs a group name with its members.
type NamedGroup struct {
	Name string
	Group
}

// Group returns the named group, if present.
func (d *Document) Group(name string) (Group, bool) {
	for _, g := range d.Groups {
		if g.Name == name {
			return g.Group, true
		}
	}
	return Group{}, false
}

func (d *Document) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for _, g := range d.Groups {
		name, err := json.Marshal(g.Name)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(g.Group)
		if err != nil {
			return nil, err
		}
		b.Write(name)
		b.WriteByte(':')
		b.Write(body)
		b.WriteByte(',')
	}
	hostvars := d.HostVars
	if hostvars == nil {
		hostvars = map[string]HostVars{}
	}
	meta, err := json.Marshal(map[string]any{"hostvars": hostvars})
	if err != nil {
		return nil, err
	}
	b.WriteString(`"_meta":`)
	b.Write(meta)
	b.WriteByte('}')
	return []byte(b.String()), nil
}
