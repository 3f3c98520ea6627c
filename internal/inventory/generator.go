package inventory

import "fmt"

// Source supplies the current host records.
type Source interface {
	Hosts() ([]Host, error)
}

// FileSource reads hosts from a YAML file on every call, so edits apply without a restart.
type FileSource struct {
	Path string
}

func (s FileSource) Hosts() ([]Host, error) {
	return LoadHosts(s.Path)
}

// StaticSource serves a fixed host list.
type StaticSource []Host

func (s StaticSource) Hosts() ([]Host, error) {
	return s, nil
}

// Generator builds inventory documents from a Source.
type Generator struct {
	src     Source
	keyPath string
}

// Option configures a Generator.
type Option func(*Generator)

// WithPrivateKeyPath overrides DefaultPrivateKeyPath.
func WithPrivateKeyPath(path string) Option {
	return func(g *Generator) {
		if path != "" {
			g.keyPath = path
		}
	}
}

func NewGenerator(src Source, opts ...Option) *Generator {
	g := &Generator{src: src, keyPath: DefaultPrivateKeyPath}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// List returns the full inventory. Role groups appear only when they have members;
// "ungrouped" always appears and lists every host in input order.
func (g *Generator) List() (*Document, error) {
	hosts, err := g.src.Hosts()
	if err != nil {
		return nil, fmt.Errorf("load inventory hosts: %w", err)
	}

	members := make(map[string][]string)
	all := make([]string, 0, len(hosts))
	doc := &Document{HostVars: make(map[string]HostVars, len(hosts))}
	for _, h := range hosts {
		if group, ok := GroupFor(h.Role); ok {
			members[group] = append(members[group], h.IPAddress)
		}
		all = append(all, h.IPAddress)
		doc.HostVars[h.IPAddress] = g.vars(h)
	}

	for _, rg := range roleGroups {
		if hs := members[rg.group]; len(hs) > 0 {
			doc.Groups = append(doc.Groups, NamedGroup{Name: rg.group, Group: Group{Hosts: hs}})
		}
	}
	doc.Groups = append(doc.Groups, NamedGroup{Name: UngroupedName, Group: Group{Hosts: all}})
	return doc, nil
}

// Host returns the variables of the host at addr. ok is false when no host has that address.
func (g *Generator) Host(addr string) (vars HostVars, ok bool, err error) {
	hosts, err := g.src.Hosts()
	if err != nil {
		return HostVars{}, false, fmt.Errorf("load inventory hosts: %w", err)
	}
	for _, h := range hosts {
		if h.IPAddress == addr {
			return g.vars(h), true, nil
		}
	}
	return HostVars{}, false, nil
}

func (g *Generator) vars(h Host) HostVars {
	return HostVars{
		AnsibleHost:     h.IPAddress,
		ServerName:      h.Name,
		ServerRole:      h.Role,
		ServerStatus:    h.Status,
		AnsibleUser:     UserFor(h.OSType),
		PrivateKeyFile:  g.keyPath,
		HostKeyChecking: false,
		OSFamily:        FamilyFor(h.OSType),
	}
}
